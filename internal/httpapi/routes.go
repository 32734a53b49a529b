package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/leaderboard-sync/internal/hub"
	"github.com/DoyleJ11/leaderboard-sync/internal/metrics"
	"github.com/DoyleJ11/leaderboard-sync/internal/ws"
)

type Options struct {
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	RatePerSecond  float64 // 0 disables rate limiting
	RateBurst      int
	OriginPatterns []string
}

func SetupRoutes(h *hub.Hub, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Public routes
	r.Get("/healthz", Healthz)
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	r.Get("/ws", ws.Handler(h, ws.Options{OriginPatterns: opts.OriginPatterns, Logger: logger}))

	r.Group(func(r chi.Router) {
		r.Use(RequestLogger(logger.Named("http")))
		if opts.RatePerSecond > 0 {
			r.Use(RateLimitMiddleware(NewIPRateLimiter(rate.Limit(opts.RatePerSecond), max(opts.RateBurst, 1))))
		}

		r.Post("/views", OpenView(h))
		r.Get("/views", ListViews(h))
		r.Route("/views/{id}", func(r chi.Router) {
			r.Get("/", GetView(h))
			r.Delete("/", CloseView(h))
			r.Put("/page", SetPage(h))
			r.Post("/refresh", Refresh(h))
			r.Put("/freeze", SetFrozen(h))
		})
	})
	return r
}
