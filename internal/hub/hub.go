package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/leaderboard-sync/internal/board"
	"github.com/DoyleJ11/leaderboard-sync/internal/fetch"
	"github.com/DoyleJ11/leaderboard-sync/internal/freeze"
	"github.com/DoyleJ11/leaderboard-sync/internal/metrics"
	"github.com/DoyleJ11/leaderboard-sync/internal/push"
)

type HubMsg interface{ isHubMsg() }

type OpenView struct {
	ContestID  string
	PageNumber int
	PageSize   int
	Reply      chan OpenResult
}

type OpenResult struct {
	ID    string
	Board *board.Board
	Err   error
}

type GetView struct {
	ID    string
	Reply chan *board.Board // nil if unknown
}

type CloseView struct {
	ID    string
	Reply chan bool // false if unknown
}

type ListViews struct {
	Reply chan []ViewInfo
}

// SweepIdle closes views with no subscribers that have seen no activity for
// longer than TTL, and replies with their ids.
type SweepIdle struct {
	TTL   time.Duration
	Reply chan []string
}

type ShutdownHub struct {
	Done chan struct{}
}

func (OpenView) isHubMsg()    {}
func (GetView) isHubMsg()     {}
func (CloseView) isHubMsg()   {}
func (ListViews) isHubMsg()   {}
func (SweepIdle) isHubMsg()   {}
func (ShutdownHub) isHubMsg() {}

type ViewInfo struct {
	ID        string `json:"id"`
	ContestID string `json:"contestId"`
}

// Connector opens the push side of a view. The returned stop func must block
// until the connection has stopped calling the listener.
type Connector interface {
	Connect(ctx context.Context, contestID string, l push.Listener) (stop func())
}

// PushConnector adapts a push.Manager.
type PushConnector struct {
	Manager *push.Manager
}

func (p PushConnector) Connect(ctx context.Context, contestID string, l push.Listener) func() {
	h := p.Manager.Open(ctx, contestID, l)
	return func() { p.Manager.Close(h) }
}

type Config struct {
	PageSize     int
	FreezeSource freeze.Source
	ClockSkew    time.Duration
}

type Option func(*Hub)

func WithSink(s board.Sink) Option          { return func(h *Hub) { h.sink = s } }
func WithLogger(l *zap.Logger) Option       { return func(h *Hub) { h.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(h *Hub) { h.metrics = m } }

type view struct {
	id        string
	contestID string
	board     *board.Board
	stop      func()
}

type Hub struct {
	inbox  chan HubMsg
	views  map[string]*view
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cfg       Config
	fetcher   fetch.Fetcher
	connector Connector
	sink      board.Sink
	logger    *zap.Logger
	metrics   *metrics.Metrics
	newID     func() string
	now       func() time.Time
}

func NewHub(parent context.Context, cfg Config, fetcher fetch.Fetcher, connector Connector, opts ...Option) *Hub {
	if cfg.PageSize < 1 {
		cfg.PageSize = 50
	}
	if cfg.FreezeSource == "" {
		cfg.FreezeSource = freeze.SourceClient
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:     make(chan HubMsg, 64),
		views:     make(map[string]*view),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		cfg:       cfg,
		fetcher:   fetcher,
		connector: connector,
		logger:    zap.NewNop(),
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("hub")
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Done is closed once the hub and every view it owned have stopped.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Send delivers m unless the hub has stopped or ctx ends first.
func (h *Hub) Send(ctx context.Context, m HubMsg) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.inbox <- m:
		return true
	case <-h.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Ask sends msg and waits for the answer on reply. ok is false when the hub
// stopped or ctx ended before answering.
func Ask[T any](ctx context.Context, h *Hub, msg HubMsg, reply <-chan T) (v T, ok bool) {
	if !h.Send(ctx, msg) {
		return v, false
	}
	select {
	case v = <-reply:
		return v, true
	case <-h.done:
		select {
		case v = <-reply:
			return v, true
		default:
			return v, false
		}
	case <-ctx.Done():
		return v, false
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case OpenView:
				msg.Reply <- h.open(msg)

			case GetView:
				var b *board.Board
				if v := h.views[msg.ID]; v != nil {
					b = v.board
				}
				msg.Reply <- b // May be nil

			case CloseView:
				v := h.views[msg.ID]
				if v != nil {
					h.close(v)
				}
				if msg.Reply != nil {
					msg.Reply <- v != nil
				}

			case ListViews:
				out := make([]ViewInfo, 0, len(h.views))
				for _, v := range h.views {
					out = append(out, ViewInfo{ID: v.id, ContestID: v.contestID})
				}
				msg.Reply <- out

			case SweepIdle:
				msg.Reply <- h.sweep(msg.TTL)

			case ShutdownHub:
				h.shutdown()
				if msg.Done != nil {
					close(msg.Done)
				}
				return
			}
		}
	}
}

func (h *Hub) open(msg OpenView) OpenResult {
	if msg.ContestID == "" {
		return OpenResult{Err: fetch.ErrMissingContest}
	}
	if msg.PageNumber == 0 {
		msg.PageNumber = 1
	}
	if msg.PageSize == 0 {
		msg.PageSize = h.cfg.PageSize
	}
	if msg.PageNumber < 1 || msg.PageSize < 1 {
		return OpenResult{Err: fmt.Errorf("page %d size %d: %w", msg.PageNumber, msg.PageSize, fetch.ErrInvalidPage)}
	}

	id := h.newID()
	logger := h.logger.With(zap.String("view_id", id))
	b := board.New(h.ctx, board.Config{
		ContestID:    msg.ContestID,
		PageNumber:   msg.PageNumber,
		PageSize:     msg.PageSize,
		FreezeSource: h.cfg.FreezeSource,
		ClockSkew:    h.cfg.ClockSkew,
	}, h.fetcher, board.WithSink(h.sink), board.WithLogger(logger), board.WithMetrics(h.metrics))

	stop := h.connector.Connect(h.ctx, msg.ContestID, b)
	h.views[id] = &view{id: id, contestID: msg.ContestID, board: b, stop: stop}
	h.metrics.ViewOpened()
	logger.Info("view opened", zap.String("contest_id", msg.ContestID))
	return OpenResult{ID: id, Board: b}
}

// close stops the push side first so nothing reaches a closed board.
func (h *Hub) close(v *view) {
	v.stop()
	v.board.Close()
	delete(h.views, v.id)
	h.metrics.ViewClosed()
	h.logger.Info("view closed", zap.String("view_id", v.id))
}

func (h *Hub) sweep(ttl time.Duration) []string {
	var closed []string
	now := h.now()
	for _, v := range h.views {
		reply := make(chan board.View, 1)
		if !v.board.Send(board.GetView{Passive: true, Reply: reply}) {
			h.close(v)
			closed = append(closed, v.id)
			continue
		}
		var bv board.View
		select {
		case bv = <-reply:
		case <-v.board.Done():
			h.close(v)
			closed = append(closed, v.id)
			continue
		}
		if bv.NumClients == 0 && now.Sub(bv.LastActive) > ttl {
			h.close(v)
			closed = append(closed, v.id)
		}
	}
	return closed
}

func (h *Hub) shutdown() {
	for _, v := range h.views {
		h.close(v)
	}
	h.cancel()
}
