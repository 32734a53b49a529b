package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/leaderboard-sync/internal/auth"
	"github.com/DoyleJ11/leaderboard-sync/internal/config"
	"github.com/DoyleJ11/leaderboard-sync/internal/eventbus"
	"github.com/DoyleJ11/leaderboard-sync/internal/fetch"
	"github.com/DoyleJ11/leaderboard-sync/internal/freeze"
	"github.com/DoyleJ11/leaderboard-sync/internal/httpapi"
	"github.com/DoyleJ11/leaderboard-sync/internal/hub"
	"github.com/DoyleJ11/leaderboard-sync/internal/janitor"
	"github.com/DoyleJ11/leaderboard-sync/internal/logging"
	"github.com/DoyleJ11/leaderboard-sync/internal/metrics"
	"github.com/DoyleJ11/leaderboard-sync/internal/push"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "leaderboard-sync",
		Usage: "keep contest leaderboards live from the platform's push hub",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.yaml", Usage: "YAML config file, optional"},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP and websocket API",
				Action: serve,
			},
			{
				Name:  "watch",
				Usage: "print one contest's standings as they change",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "contest", Required: true},
					&cli.IntFlag{Name: "page", Value: 1},
					&cli.IntFlag{Name: "size"},
					&cli.BoolFlag{Name: "follow", Usage: "only follow snapshots mirrored by a running server over NATS"},
				},
				Action: watch,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// daemon is everything serve and watch share.
type daemon struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *eventbus.Bus
	hub     *hub.Hub
}

func setup(c *cli.Context) (*daemon, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	m := metrics.New()

	bus, err := eventbus.New(eventbus.Config{
		NATSURL:   cfg.EventBus.NATSURL,
		NKeySeed:  cfg.EventBus.NKeySeed,
		QueueSize: cfg.EventBus.QueueSize,
	}, logger, m)
	if err != nil {
		return nil, err
	}

	return &daemon{cfg: cfg, logger: logger, metrics: m, bus: bus}, nil
}

// startHub wires the upstream side: token, REST fetcher, push manager, hub.
func (d *daemon) startHub(ctx context.Context) error {
	up := d.cfg.Upstream

	tokens, err := auth.NewStaticToken(up.Token)
	if err != nil {
		return err
	}
	if exp := tokens.Expires(); !exp.IsZero() {
		d.logger.Info("access token loaded", zap.Time("expires", exp))
	}

	fetcher, err := fetch.New(up.APIURL,
		fetch.WithHTTPClient(&http.Client{Timeout: up.FetchTimeout}),
		fetch.WithLimiter(rate.NewLimiter(rate.Limit(up.FetchRate), 1)),
		fetch.WithTokens(tokens),
		fetch.WithTracer(otel.Tracer("leaderboard-sync/fetch")),
		fetch.WithLogger(d.logger),
		fetch.WithMetrics(d.metrics),
	)
	if err != nil {
		return err
	}

	manager, err := push.NewManager(push.Config{
		HubURL:           up.HubURL,
		Transports:       up.Transports,
		SkipNegotiation:  up.SkipNegotiation,
		RetryDelay:       up.RetryDelay,
		ReconnectInitial: up.ReconnectInitial,
		ReconnectFactor:  up.ReconnectFactor,
		ReconnectMax:     up.ReconnectMax,
		ReconnectWindow:  up.ReconnectWindow,
		KeepAlive:        up.KeepAlive,
		ServerTimeout:    up.ServerTimeout,
	}, push.WithTokens(tokens), push.WithLogger(d.logger), push.WithMetrics(d.metrics))
	if err != nil {
		return err
	}

	return d.runHub(ctx, fetcher, hub.PushConnector{Manager: manager})
}

func (d *daemon) runHub(ctx context.Context, fetcher fetch.Fetcher, connector hub.Connector) error {
	source, err := freeze.ParseSource(d.cfg.Freeze.Source)
	if err != nil {
		return err
	}

	opts := []hub.Option{hub.WithLogger(d.logger), hub.WithMetrics(d.metrics)}
	if d.bus != nil {
		opts = append(opts, hub.WithSink(d.bus))
	}
	d.hub = hub.NewHub(ctx, hub.Config{
		PageSize:     d.cfg.Upstream.PageSize,
		FreezeSource: source,
		ClockSkew:    d.cfg.Freeze.ClockSkew,
	}, fetcher, connector, opts...)
	return nil
}

func (d *daemon) stopHub() {
	if d.hub == nil {
		return
	}
	// The hub may already have shut itself down on ctx, leaving the send
	// buffered with nobody to answer it.
	done := make(chan struct{})
	select {
	case d.hub.Inbox() <- hub.ShutdownHub{Done: done}:
	case <-d.hub.Done():
		return
	}
	select {
	case <-done:
	case <-d.hub.Done():
	}
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := setup(c)
	if err != nil {
		return err
	}
	defer d.logger.Sync() //nolint:errcheck
	defer d.bus.Close()

	if err := d.startHub(ctx); err != nil {
		return err
	}
	defer d.stopHub()

	jan, err := janitor.New(d.hub, d.cfg.Janitor.Every, d.cfg.Janitor.IdleTTL, d.logger)
	if err != nil {
		return err
	}
	if err := jan.Start(); err != nil {
		return err
	}
	defer jan.Stop() //nolint:errcheck

	srv := &http.Server{
		Addr: d.cfg.HTTP.Addr,
		Handler: httpapi.SetupRoutes(d.hub, httpapi.Options{
			Metrics:        d.metrics,
			Logger:         d.logger,
			RatePerSecond:  d.cfg.HTTP.RatePerSecond,
			RateBurst:      d.cfg.HTTP.RateBurst,
			OriginPatterns: d.cfg.HTTP.OriginPatterns,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.bus.Run(gctx) })
	g.Go(func() error {
		d.logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	d.logger.Info("shutting down", zap.Error(err))
	return err
}

func watch(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := setup(c)
	if err != nil {
		return err
	}
	defer d.logger.Sync() //nolint:errcheck
	defer d.bus.Close()

	contestID := c.String("contest")
	if c.Bool("follow") && d.cfg.EventBus.NATSURL == "" {
		return errors.New("--follow needs eventbus.nats_url")
	}

	snaps, err := d.bus.Subscribe(ctx, contestID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if !c.Bool("follow") {
		if err := d.startHub(ctx); err != nil {
			return err
		}
		defer d.stopHub()

		reply := make(chan hub.OpenResult, 1)
		res, ok := hub.Ask(ctx, d.hub, hub.OpenView{ContestID: contestID, PageNumber: c.Int("page"), PageSize: c.Int("size"), Reply: reply}, reply)
		if !ok {
			return ctx.Err()
		}
		if res.Err != nil {
			return res.Err
		}
		g.Go(func() error { return d.bus.Run(gctx) })
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case snap, ok := <-snaps:
				if !ok {
					return nil
				}
				printSnapshot(os.Stdout, snap)
			}
		}
	})
	return g.Wait()
}
