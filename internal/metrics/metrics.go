package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leaderboard_sync"

// Metrics groups every collector the daemon exports. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	registry *prometheus.Registry

	events         *prometheus.CounterVec
	connections    *prometheus.GaugeVec
	reconnects     prometheus.Counter
	joinFailures   prometheus.Counter
	fetchDuration  *prometheus.HistogramVec
	views          prometheus.Gauge
	droppedClients prometheus.Counter
	mirrorDropped  prometheus.Counter
	boardPublished prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_events_total",
			Help:      "Push events received, by kind and what happened to them.",
		}, []string{"kind", "outcome"}),
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Push connections by state.",
		}, []string{"state"}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts after a transport drop.",
		}),
		joinFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_group_failures_total",
			Help:      "JoinLeaderboardGroup invocations that failed.",
		}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "REST leaderboard fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		views: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_views",
			Help:      "Leaderboard views currently open.",
		}),
		droppedClients: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_subscribers_dropped_total",
			Help:      "Subscribers disconnected because their outbox was full.",
		}),
		mirrorDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_dropped_total",
			Help:      "Snapshots not mirrored to the event bus because its queue was full.",
		}),
		boardPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "board_versions_total",
			Help:      "Board snapshots published, across all views.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Event(kind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, outcome).Inc()
}

// ConnectionMoved shifts one connection from one state gauge to another. An empty
// from or to means the connection is appearing or going away.
func (m *Metrics) ConnectionMoved(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.connections.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.connections.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) JoinFailed() {
	if m == nil {
		return
	}
	m.joinFailures.Inc()
}

func (m *Metrics) FetchObserved(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetchDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) ViewOpened() {
	if m == nil {
		return
	}
	m.views.Inc()
}

func (m *Metrics) ViewClosed() {
	if m == nil {
		return
	}
	m.views.Dec()
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.droppedClients.Inc()
}

func (m *Metrics) MirrorDropped() {
	if m == nil {
		return
	}
	m.mirrorDropped.Inc()
}

func (m *Metrics) BoardPublished() {
	if m == nil {
		return
	}
	m.boardPublished.Inc()
}
