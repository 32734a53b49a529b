// Package push keeps one SignalR hub connection per open view and walks it
// through connect, reconnect and teardown.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/leaderboard-sync/internal/auth"
	"github.com/DoyleJ11/leaderboard-sync/internal/metrics"
)

type Config struct {
	HubURL          string
	Transports      []string
	SkipNegotiation bool

	// RetryDelay spaces connect attempts while Disconnected.
	RetryDelay time.Duration

	// Reconnect backoff after a transport drop: Initial, then Initial*Factor,
	// capped at Max, until Window has elapsed.
	ReconnectInitial time.Duration
	ReconnectFactor  float64
	ReconnectMax     time.Duration
	ReconnectWindow  time.Duration

	KeepAlive        time.Duration // 0 disables client pings
	ServerTimeout    time.Duration
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = 3 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 2 * time.Second
	}
	if c.ReconnectFactor < 1 {
		c.ReconnectFactor = 5
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ReconnectWindow <= 0 {
		c.ReconnectWindow = 2 * time.Minute
	}
	if c.ServerTimeout <= 0 {
		c.ServerTimeout = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	return c
}

type Manager struct {
	cfg        Config
	hubURL     *url.URL
	order      []TransportKind
	transports map[TransportKind]Transport
	httpClient *http.Client
	tokens     auth.TokenSource
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option   { return func(m *Manager) { m.httpClient = c } }
func WithTokens(ts auth.TokenSource) Option  { return func(m *Manager) { m.tokens = ts } }
func WithLogger(l *zap.Logger) Option        { return func(m *Manager) { m.logger = l } }
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()

	hub, err := url.Parse(cfg.HubURL)
	if err != nil {
		return nil, fmt.Errorf("hub url: %w", err)
	}
	if hub.Scheme != "http" && hub.Scheme != "https" {
		return nil, fmt.Errorf("hub url %q: scheme must be http or https", cfg.HubURL)
	}
	order, err := ParseTransports(cfg.Transports)
	if err != nil {
		return nil, err
	}
	if cfg.SkipNegotiation && (len(order) != 1 || order[0] != WebSockets) {
		return nil, errors.New("skipping negotiation requires websockets as the only transport")
	}

	m := &Manager{
		cfg:        cfg,
		hubURL:     hub,
		order:      order,
		httpClient: http.DefaultClient,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("push")
	m.transports = map[TransportKind]Transport{
		WebSockets:  wsTransport{httpClient: m.httpClient},
		LongPolling: longPollTransport{httpClient: m.httpClient},
	}
	return m, nil
}

// Open starts a connection for contestID and returns immediately. The handle
// keeps retrying until Close or ctx ends.
func (m *Manager) Open(ctx context.Context, contestID string, l Listener) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		m:         m,
		contestID: contestID,
		listener:  l,
		logger:    m.logger.With(zap.String("contest_id", contestID)),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.metrics.ConnectionMoved("", Disconnected.String())
	go h.run(ctx)
	return h
}

// Close tears the handle down and waits for its goroutines to exit.
func (m *Manager) Close(h *Handle) {
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (m *Manager) header(ctx context.Context) (http.Header, error) {
	header := http.Header{}
	if m.tokens == nil {
		return header, nil
	}
	tok, err := m.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	if tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	return header, nil
}

// connect negotiates and walks the transport preference list, returning the
// first session whose handshake succeeds.
func (m *Manager) connect(ctx context.Context) (*session, error) {
	header, err := m.header(ctx)
	if err != nil {
		return nil, err
	}

	if m.cfg.SkipNegotiation {
		return m.open(ctx, WebSockets, m.hubURL, header)
	}

	neg, err := m.negotiate(ctx, header)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, kind := range m.order {
		if !neg.resp.offers(kind) {
			continue
		}
		// Connection tokens are single use.
		if len(errs) > 0 {
			if neg, err = m.negotiate(ctx, header); err != nil {
				return nil, err
			}
		}
		s, err := m.open(ctx, kind, neg.endpoint, neg.header)
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("transport failed, trying next", zap.String("transport", string(kind)), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", kind, err))
	}
	if len(errs) == 0 {
		return nil, ErrNoTransport
	}
	return nil, errors.Join(errs...)
}

func (m *Manager) open(ctx context.Context, kind TransportKind, endpoint *url.URL, header http.Header) (*session, error) {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := m.transports[kind].Dial(hctx, endpoint, header)
	if err != nil {
		return nil, err
	}
	s := &session{conn: conn, kind: kind}
	if err := s.handshake(hctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Handle is one view's push connection.
type Handle struct {
	m         *Manager
	contestID string
	listener  Listener
	logger    *zap.Logger
	cancel    context.CancelFunc
	done      chan struct{}

	mu    sync.Mutex
	state State
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) ContestID() string { return h.contestID }

// Done is closed once the handle has fully stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) setState(s State) {
	h.mu.Lock()
	prev := h.state
	h.state = s
	h.mu.Unlock()
	if prev == s {
		return
	}
	h.m.metrics.ConnectionMoved(prev.String(), s.String())
	h.logger.Info("connection state", zap.Stringer("from", prev), zap.Stringer("to", s))
	h.listener.HandleState(s)
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)
	defer func() {
		h.setState(Disconnected)
		h.m.metrics.ConnectionMoved(Disconnected.String(), "")
	}()

	retry := backoff.NewConstantBackOff(h.m.cfg.RetryDelay)
	everConnected := false

	for {
		h.setState(Connecting)
		s, err := h.m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", h.m.cfg.RetryDelay))
			h.setState(Disconnected)
			if !sleep(ctx, retry.NextBackOff()) {
				return
			}
			continue
		}

		// One connected stretch, including any reconnects within the window.
		for s != nil {
			h.setState(Connected)
			h.join(ctx, s)
			h.listener.HandleConnected(everConnected)
			everConnected = true

			err := h.serve(ctx, s)
			_ = s.conn.Close()
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("connection lost", zap.String("transport", string(s.kind)), zap.Error(err))

			h.setState(Reconnecting)
			s = h.reconnect(ctx)
			if ctx.Err() != nil {
				if s != nil {
					_ = s.conn.Close()
				}
				return
			}
		}

		h.logger.Warn("reconnect window exhausted", zap.Duration("window", h.m.cfg.ReconnectWindow))
		h.setState(Disconnected)
		if !sleep(ctx, retry.NextBackOff()) {
			return
		}
	}
}

// reconnect retries with exponential backoff until the window closes. It
// returns nil when the window is exhausted or ctx ends.
func (h *Handle) reconnect(ctx context.Context) *session {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.m.cfg.ReconnectInitial
	b.Multiplier = h.m.cfg.ReconnectFactor
	b.MaxInterval = h.m.cfg.ReconnectMax
	b.MaxElapsedTime = h.m.cfg.ReconnectWindow
	b.RandomizationFactor = 0
	b.Reset()

	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil
		}
		if !sleep(ctx, wait) {
			return nil
		}
		h.m.metrics.ReconnectAttempt()
		s, err := h.m.connect(ctx)
		if err == nil {
			return s
		}
		if ctx.Err() != nil {
			return nil
		}
		h.logger.Debug("reconnect attempt failed", zap.Error(err))
	}
}

// join sends JoinLeaderboardGroup. A failure is logged and counted; the
// connection stays up.
func (h *Handle) join(ctx context.Context, s *session) {
	ctx, cancel := context.WithTimeout(ctx, h.m.cfg.HandshakeTimeout)
	defer cancel()

	arg, _ := json.Marshal(h.contestID)
	s.nextID++
	s.joinID = strconv.Itoa(s.nextID)
	err := s.send(ctx, hubMessage{
		Type:         typeInvocation,
		InvocationID: s.joinID,
		Target:       joinTarget,
		Arguments:    []json.RawMessage{arg},
	})
	if err != nil {
		h.m.metrics.JoinFailed()
		h.logger.Error("join leaderboard group", zap.Error(err))
	}
}

// serve pumps records to the listener until the connection drops.
func (h *Handle) serve(ctx context.Context, s *session) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			rctx, cancel := context.WithTimeout(gctx, h.m.cfg.ServerTimeout)
			rec, err := s.next(rctx)
			cancel()
			if err != nil {
				return fmt.Errorf("receive: %w", err)
			}
			if err := h.dispatch(s, rec); err != nil {
				return err
			}
		}
	})
	if h.m.cfg.KeepAlive > 0 {
		g.Go(func() error {
			t := time.NewTicker(h.m.cfg.KeepAlive)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-t.C:
					if err := s.send(gctx, hubMessage{Type: typePing}); err != nil {
						return fmt.Errorf("keepalive: %w", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

func (h *Handle) dispatch(s *session, rec []byte) error {
	var msg hubMessage
	if err := json.Unmarshal(rec, &msg); err != nil {
		h.logger.Warn("undecodable hub record", zap.Error(err))
		return nil
	}

	switch msg.Type {
	case typeInvocation:
		h.listener.HandleInvocation(msg.Target, msg.Arguments)
	case typeCompletion:
		if msg.InvocationID == s.joinID && msg.Error != "" {
			h.m.metrics.JoinFailed()
			h.logger.Error("join leaderboard group rejected", zap.String("error", msg.Error))
		}
	case typePing:
	case typeClose:
		if msg.Error != "" {
			return fmt.Errorf("%w: %s", ErrServerClosed, msg.Error)
		}
		return ErrServerClosed
	default:
		h.logger.Debug("ignoring hub record", zap.Int("type", msg.Type))
	}
	return nil
}

// session is one live, handshaken transport connection.
type session struct {
	conn    Conn
	kind    TransportKind
	backlog [][]byte

	writeMu sync.Mutex
	nextID  int
	joinID  string
}

func (s *session) handshake(ctx context.Context) error {
	if err := s.conn.Send(ctx, handshakeRequest); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	for {
		frame, err := s.conn.Receive(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		recs := splitRecords(frame)
		if len(recs) == 0 {
			continue
		}
		var resp handshakeResponse
		if err := json.Unmarshal(recs[0], &resp); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if resp.Error != "" {
			return fmt.Errorf("%w: %s", ErrHandshake, resp.Error)
		}
		s.backlog = recs[1:]
		return nil
	}
}

func (s *session) next(ctx context.Context) ([]byte, error) {
	for len(s.backlog) == 0 {
		frame, err := s.conn.Receive(ctx)
		if err != nil {
			return nil, err
		}
		s.backlog = splitRecords(frame)
	}
	rec := s.backlog[0]
	s.backlog = s.backlog[1:]
	return rec, nil
}

func (s *session) send(ctx context.Context, msg hubMessage) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Send(ctx, data)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
