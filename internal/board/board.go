// Package board owns the standings of one open view. A single goroutine applies
// push events and fetch results in arrival order and fans snapshots out to
// subscribers.
package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/leaderboard-sync/internal/fetch"
	"github.com/DoyleJ11/leaderboard-sync/internal/freeze"
	"github.com/DoyleJ11/leaderboard-sync/internal/metrics"
	"github.com/DoyleJ11/leaderboard-sync/internal/normalize"
	"github.com/DoyleJ11/leaderboard-sync/internal/push"
	"github.com/DoyleJ11/leaderboard-sync/internal/standings"
	"github.com/DoyleJ11/leaderboard-sync/pkg/types"
)

var ErrClosed = errors.New("board is closed")

// Snapshot is what subscribers see. Rows is shared between subscribers and must
// not be modified.
type Snapshot struct {
	Version    int             `json:"version"`
	ContestID  string          `json:"contestId"`
	PageNumber int             `json:"pageNumber"`
	PageSize   int             `json:"pageSize"`
	Rows       []standings.Row `json:"rows"`
	Pagination types.PageMeta  `json:"pagination"`
	Frozen     bool            `json:"frozen"`
	Connection push.State      `json:"connection"`
	Loading    bool            `json:"loading"`
	Err        string          `json:"error,omitempty"`
}

type View struct {
	Snapshot
	NumClients int
	LastActive time.Time
}

// Sink receives every published snapshot. Publish must not block.
type Sink interface {
	Publish(snap Snapshot)
}

type Config struct {
	ContestID    string
	PageNumber   int
	PageSize     int
	FreezeSource freeze.Source
	ClockSkew    time.Duration
}

type Option func(*Board)

func WithSink(s Sink) Option                { return func(b *Board) { b.sink = s } }
func WithLogger(l *zap.Logger) Option       { return func(b *Board) { b.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(b *Board) { b.metrics = m } }

type Board struct {
	inbox chan Msg
	cfg   Config

	table      standings.Table
	gate       *freeze.Gate
	normalizer *normalize.Normalizer
	fetcher    fetch.Fetcher

	pageNumber int
	pageSize   int
	pagination types.PageMeta
	conn       push.State
	loading    bool
	lastErr    error
	version    int
	lastActive time.Time

	gen         uint64
	fetchCancel context.CancelFunc

	clients map[string]chan Snapshot
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ push.Listener = (*Board)(nil)

// New starts the board and its initial fetch.
func New(parent context.Context, cfg Config, fetcher fetch.Fetcher, opts ...Option) *Board {
	ctx, cancel := context.WithCancel(parent)
	if cfg.PageNumber < 1 {
		cfg.PageNumber = 1
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = 50
	}

	b := &Board{
		inbox:      make(chan Msg, 64),
		cfg:        cfg,
		table:      standings.NewTable(standings.WithClockSkew(cfg.ClockSkew)),
		gate:       freeze.NewGate(cfg.FreezeSource),
		normalizer: normalize.New(),
		fetcher:    fetcher,
		pageNumber: cfg.PageNumber,
		pageSize:   cfg.PageSize,
		clients:    make(map[string]chan Snapshot),
		logger:     zap.NewNop(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("contest_id", cfg.ContestID))
	b.lastActive = b.now()

	b.startFetch(true)
	go b.loop()
	return b
}

// Send delivers m to the loop. It reports false once the board has stopped.
func (b *Board) Send(m Msg) bool {
	if b.ctx.Err() != nil {
		return false
	}
	select {
	case b.inbox <- m:
		return true
	case <-b.ctx.Done():
		return false
	}
}

// Close stops the board and waits for the loop to exit.
func (b *Board) Close() {
	b.Send(Shutdown{})
	<-b.done
}

func (b *Board) Done() <-chan struct{} { return b.done }

func (b *Board) ContestID() string { return b.cfg.ContestID }

// HandleInvocation normalizes on the caller's goroutine so malformed payloads
// never reach the loop.
func (b *Board) HandleInvocation(target string, args []json.RawMessage) {
	ev, err := b.normalizer.Normalize(target, args)
	if err != nil {
		switch {
		case errors.Is(err, normalize.ErrUnknownTarget):
			b.metrics.Event("unknown", "ignored")
			b.logger.Debug("ignoring hub method", zap.String("target", target))
		default:
			b.metrics.Event(eventKind(target), "malformed")
			b.logger.Warn("dropping malformed push event", zap.String("target", target), zap.Error(err))
		}
		return
	}
	b.Send(Pushed{Event: ev, ReceivedAt: b.now()})
}

func (b *Board) HandleState(s push.State) { b.Send(ConnectionChanged{State: s}) }

func (b *Board) HandleConnected(reconnected bool) { b.Send(Connected{Reconnected: reconnected}) }

func (b *Board) loop() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			b.shutdown()
			return

		case m := <-b.inbox:
			switch msg := m.(type) {
			case Pushed:
				b.applyPushed(msg)

			case ConnectionChanged:
				if msg.State == b.conn {
					break
				}
				b.conn = msg.State
				b.publish()

			case Connected:
				b.autoRefresh(msg.Reconnected)

			case Fetched:
				b.applyFetched(msg)

			case Refresh:
				b.lastActive = b.now()
				b.startFetch(true)
				b.publish()

			case SetPage:
				err := b.setPage(msg.PageNumber, msg.PageSize)
				reply(msg.Reply, err)

			case SetFrozen:
				err := b.setFrozen(msg.Frozen, msg.From)
				reply(msg.Reply, err)

			case Join:
				b.lastActive = b.now()
				if prev, ok := b.clients[msg.ClientID]; ok && prev != msg.Outbox {
					close(prev)
				}
				b.clients[msg.ClientID] = msg.Outbox
				b.deliver(msg.ClientID, msg.Outbox, b.snapshot())

			case Leave:
				if ch, ok := b.clients[msg.ClientID]; ok {
					close(ch)
					delete(b.clients, msg.ClientID)
				}
				b.lastActive = b.now()

			case GetView:
				if !msg.Passive {
					b.lastActive = b.now()
				}
				msg.Reply <- View{
					Snapshot:   b.snapshot(),
					NumClients: len(b.clients),
					LastActive: b.lastActive,
				}

			case Shutdown:
				b.shutdown()
				return
			}
		}
	}
}

func (b *Board) applyPushed(msg Pushed) {
	switch ev := msg.Event.(type) {
	case normalize.FreezeChanged:
		if ev.ContestID != "" && ev.ContestID != b.cfg.ContestID {
			b.metrics.Event("freeze", "foreign")
			return
		}
		if b.gate.Source() != freeze.SourceServer {
			b.metrics.Event("freeze", "ignored")
			b.logger.Debug("freeze is client owned, ignoring server toggle", zap.Bool("frozen", ev.Frozen))
			return
		}
		if err := b.setFrozen(ev.Frozen, freeze.SourceServer); err != nil {
			b.logger.Warn("server freeze toggle", zap.Error(err))
			return
		}
		b.metrics.Event("freeze", "applied")

	case normalize.FullSnapshot:
		snap, ok := b.forThisContest(ev.Snapshot)
		if !ok {
			b.metrics.Event("snapshot", "foreign")
			return
		}
		if !b.gate.Allow(ev) {
			b.metrics.Event("snapshot", "dropped_frozen")
			return
		}
		next, outcome := b.table.ApplyFullSnapshot(snap)
		b.metrics.Event("snapshot", string(outcome))
		if outcome != standings.OutcomeApplied {
			b.logger.Debug("snapshot not applied", zap.String("outcome", string(outcome)))
			return
		}
		b.table = next
		b.publish()

	case normalize.ScoreDelta:
		if !b.gate.Allow(ev) {
			b.metrics.Event("delta", "dropped_frozen")
			return
		}
		next, outcome := b.table.ApplyScoreDelta(standings.Delta{
			TeamID:     ev.TeamID,
			Score:      ev.Score,
			Rank:       ev.Rank,
			ReceivedAt: msg.ReceivedAt,
		})
		b.metrics.Event("delta", string(outcome))
		if outcome != standings.OutcomeApplied {
			return
		}
		b.table = next
		b.publish()
	}
}

func (b *Board) applyFetched(msg Fetched) {
	if msg.Gen != b.gen {
		b.metrics.Event("fetch", "superseded")
		return
	}
	b.fetchCancel = nil
	b.loading = false

	if msg.Err != nil {
		if errors.Is(msg.Err, context.Canceled) {
			return
		}
		b.lastErr = msg.Err
		b.logger.Warn("fetch failed", zap.Error(msg.Err))
		b.publish()
		return
	}
	b.lastErr = nil

	ev := normalize.FullSnapshot{Snapshot: msg.Result.Snapshot}
	if !msg.User && !b.gate.Allow(ev) {
		b.metrics.Event("fetch", "dropped_frozen")
		b.publish()
		return
	}

	// A user load is the page the user asked for and always lands, even when
	// stamped older than what push already delivered.
	base := b.table
	if msg.User {
		base = base.ResetWatermark()
	}
	next, outcome := base.ApplyFullSnapshot(msg.Result.Snapshot)
	b.metrics.Event("fetch", string(outcome))
	if outcome == standings.OutcomeApplied {
		b.table = next
		b.pagination = msg.Result.Pagination
	}
	b.publish()
}

// autoRefresh reconciles after a connect. While frozen the refresh is held
// back and replayed on unfreeze.
func (b *Board) autoRefresh(reconnected bool) {
	if b.gate.Frozen() {
		b.gate.Defer()
		b.logger.Debug("deferring refresh while frozen", zap.Bool("reconnected", reconnected))
		return
	}
	b.startFetch(false)
	b.publish()
}

func (b *Board) setPage(pageNumber, pageSize int) error {
	if pageSize == 0 {
		pageSize = b.pageSize
	}
	if pageNumber < 1 || pageSize < 1 {
		return fmt.Errorf("page %d size %d: %w", pageNumber, pageSize, fetch.ErrInvalidPage)
	}
	b.lastActive = b.now()
	b.pageNumber, b.pageSize = pageNumber, pageSize
	b.startFetch(true)
	b.publish()
	return nil
}

func (b *Board) setFrozen(frozen bool, from freeze.Source) error {
	was := b.gate.Frozen()
	resync, err := b.gate.Set(frozen, from)
	if err != nil {
		return err
	}
	if was == frozen {
		return nil
	}
	b.logger.Info("freeze changed", zap.Bool("frozen", frozen), zap.String("source", string(from)))
	if resync {
		b.startFetch(false)
	}
	b.publish()
	return nil
}

// startFetch cancels any fetch in flight and starts a new generation.
func (b *Board) startFetch(user bool) {
	if b.fetchCancel != nil {
		b.fetchCancel()
	}
	b.gen++
	gen := b.gen
	ctx, cancel := context.WithCancel(b.ctx)
	b.fetchCancel = cancel
	b.loading = true

	contestID, pageNumber, pageSize := b.cfg.ContestID, b.pageNumber, b.pageSize
	go func() {
		defer cancel()
		res, err := b.fetcher.Fetch(ctx, contestID, pageNumber, pageSize)
		b.Send(Fetched{Gen: gen, User: user, Result: res, Err: err})
	}()
}

// forThisContest drops rows tagged with another contest. A snapshot that had
// rows but none for this contest is not ours at all.
func (b *Board) forThisContest(s standings.Snapshot) (standings.Snapshot, bool) {
	if b.cfg.ContestID == "" {
		return s, true
	}
	kept := make([]standings.Row, 0, len(s.Rows))
	for _, r := range s.Rows {
		if r.ContestID == "" || r.ContestID == b.cfg.ContestID {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 && len(s.Rows) > 0 {
		return s, false
	}
	s.Rows = kept
	return s, true
}

func (b *Board) snapshot() Snapshot {
	snap := Snapshot{
		Version:    b.version,
		ContestID:  b.cfg.ContestID,
		PageNumber: b.pageNumber,
		PageSize:   b.pageSize,
		Rows:       b.table.Project(),
		Pagination: b.pagination,
		Frozen:     b.gate.Frozen(),
		Connection: b.conn,
		Loading:    b.loading,
	}
	if b.lastErr != nil {
		snap.Err = b.lastErr.Error()
	}
	return snap
}

func (b *Board) publish() {
	b.version++
	snap := b.snapshot()
	b.broadcast(snap)
	if b.sink != nil {
		b.sink.Publish(snap)
	}
	b.metrics.BoardPublished()
}

func (b *Board) broadcast(snap Snapshot) {
	for id, ch := range b.clients {
		b.deliver(id, ch, snap)
	}
}

func (b *Board) deliver(id string, ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
	default:
		// Client is slow/full - drop them.
		close(ch)
		delete(b.clients, id)
		b.metrics.SubscriberDropped()
		b.logger.Info("dropped slow subscriber", zap.String("client_id", id))
	}
}

func (b *Board) shutdown() {
	if b.fetchCancel != nil {
		b.fetchCancel()
	}
	for id, ch := range b.clients {
		close(ch) // Tell client no more snapshots
		delete(b.clients, id)
	}
	b.cancel()
}

func reply(ch chan error, err error) {
	if ch != nil {
		ch <- err
	}
}

func eventKind(target string) string {
	switch {
	case strings.EqualFold(target, normalize.TargetLeaderboardUpdated):
		return "snapshot"
	case strings.EqualFold(target, normalize.TargetScoreUpdated):
		return "delta"
	case strings.EqualFold(target, normalize.TargetFreezeChanged):
		return "freeze"
	default:
		return "unknown"
	}
}
