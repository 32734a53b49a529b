package board

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/leaderboard-sync/internal/fetch"
	"github.com/DoyleJ11/leaderboard-sync/internal/freeze"
	"github.com/DoyleJ11/leaderboard-sync/internal/push"
	"github.com/DoyleJ11/leaderboard-sync/internal/standings"
	"github.com/DoyleJ11/leaderboard-sync/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fetchCall struct {
	pageNumber int
	pageSize   int
	reply      chan fetchReply
}

type fetchReply struct {
	res fetch.Result
	err error
}

func (c fetchCall) respond(rows ...standings.Row) {
	c.reply <- fetchReply{res: fetch.Result{
		Snapshot:   standings.Snapshot{Rows: rows, TakenAt: time.Now()},
		Pagination: types.PageMeta{PageNumber: c.pageNumber, PageSize: c.pageSize, TotalPages: 3},
	}}
}

// respondAt answers with a snapshot stamped by the server at the given time.
func (c fetchCall) respondAt(at time.Time, rows ...standings.Row) {
	c.reply <- fetchReply{res: fetch.Result{
		Snapshot:   standings.Snapshot{Rows: rows, TakenAt: at, Stamped: true},
		Pagination: types.PageMeta{PageNumber: c.pageNumber, PageSize: c.pageSize, TotalPages: 3},
	}}
}

func (c fetchCall) fail(err error) { c.reply <- fetchReply{err: err} }

// fakeFetcher hands every call to the test, which decides when and how it
// completes.
type fakeFetcher struct {
	calls chan fetchCall
}

func newFakeFetcher() *fakeFetcher { return &fakeFetcher{calls: make(chan fetchCall, 16)} }

func (f *fakeFetcher) Fetch(ctx context.Context, contestID string, pageNumber, pageSize int) (fetch.Result, error) {
	call := fetchCall{pageNumber: pageNumber, pageSize: pageSize, reply: make(chan fetchReply, 1)}
	f.calls <- call
	select {
	case r := <-call.reply:
		return r.res, r.err
	case <-ctx.Done():
		return fetch.Result{}, ctx.Err()
	}
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (s *recordingSink) Publish(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

func row(teamID, name string, rank int, score float64) standings.Row {
	return standings.Row{ContestID: "c1", TeamID: teamID, TeamName: name, Rank: rank, Score: score}
}

const leaderboardPayload = `[{"entryId":1,"contestId":"c1","contestName":"Open","teamIdList":[
	{"teamId":"A","teamName":"Alpha","rank":2,"score":10},
	{"teamId":"B","teamName":"Beta","rank":1,"score":20}]}]`

func args(raw string) []json.RawMessage { return []json.RawMessage{json.RawMessage(raw)} }

// helper: receive one snapshot with a timeout so tests never hang
func recvSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return snap
	case <-time.After(within):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{} // unreachable
	}
}

// waitSnapshot skips snapshots until one satisfies ok.
func waitSnapshot(t *testing.T, ch <-chan Snapshot, within time.Duration, ok func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case snap, open := <-ch:
			if !open {
				t.Fatalf("client outbox closed unexpectedly")
			}
			if ok(snap) {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching snapshot")
			return Snapshot{}
		}
	}
}

func recvCall(t *testing.T, f *fakeFetcher, within time.Duration) fetchCall {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(within):
		t.Fatalf("timed out waiting for fetch")
		return fetchCall{}
	}
}

func recvNoCall(t *testing.T, f *fakeFetcher, within time.Duration) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected fetch: %+v", c)
	case <-time.After(within):
	}
}

func getView(t *testing.T, b *Board) View {
	t.Helper()
	reply := make(chan View, 1)
	if !b.Send(GetView{Reply: reply}) {
		t.Fatalf("board closed")
	}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{}
	}
}

func setFrozen(t *testing.T, b *Board, frozen bool, from freeze.Source) error {
	t.Helper()
	reply := make(chan error, 1)
	b.Send(SetFrozen{Frozen: frozen, From: from, Reply: reply})
	select {
	case err := <-reply:
		return err
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for freeze reply")
		return nil
	}
}

func newTestBoard(t *testing.T, cfg Config, opts ...Option) (*Board, *fakeFetcher, chan Snapshot) {
	t.Helper()
	if cfg.ContestID == "" {
		cfg.ContestID = "c1"
	}
	if cfg.FreezeSource == "" {
		cfg.FreezeSource = freeze.SourceClient
	}
	f := newFakeFetcher()
	b := New(context.Background(), cfg, f, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	t.Cleanup(b.Close)

	out := make(chan Snapshot, 32)
	b.Send(Join{ClientID: "viewer", Outbox: out})
	return b, f, out
}

func names(rows []standings.Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.TeamName)
	}
	return out
}

func TestBoard_InitialFetchPopulates(t *testing.T) {
	b, f, out := newTestBoard(t, Config{PageNumber: 1, PageSize: 25})

	first := recvSnapshot(t, out, time.Second)
	if !first.Loading || len(first.Rows) != 0 {
		t.Fatalf("join snapshot: want loading and empty, got %+v", first)
	}

	call := recvCall(t, f, time.Second)
	if call.pageNumber != 1 || call.pageSize != 25 {
		t.Fatalf("initial fetch page %d size %d", call.pageNumber, call.pageSize)
	}
	call.respond(row("A", "Alpha", 2, 10), row("B", "Beta", 1, 20))

	snap := waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return !s.Loading })
	if got := names(snap.Rows); len(got) != 2 || got[0] != "Beta" {
		t.Fatalf("rows out of order: %v", got)
	}
	if snap.Pagination.TotalPages != 3 {
		t.Fatalf("pagination not passed through: %+v", snap.Pagination)
	}
	if v := getView(t, b); v.NumClients != 1 {
		t.Fatalf("want 1 client, got %d", v.NumClients)
	}
}

func TestBoard_PushEventsApply(t *testing.T) {
	b, f, out := newTestBoard(t, Config{})
	recvCall(t, f, time.Second).respond()
	waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return !s.Loading })

	b.HandleInvocation("leaderboardupdated", args(leaderboardPayload))
	snap := waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return len(s.Rows) == 2 })
	if snap.Rows[0].TeamID != "B" {
		t.Fatalf("want B first, got %+v", snap.Rows)
	}

	b.HandleInvocation("ScoreUpdated", args(`{"TeamId":"A","Score":"35","Rank":1}`))
	snap = waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return s.Rows[0].TeamID == "A" })
	if snap.Rows[0].Score != 35 {
		t.Fatalf("delta not applied: %+v", snap.Rows[0])
	}

	before := getView(t, b).Version
	b.HandleInvocation("ScoreUpdated", args(`{"teamId":"nonexistent-id","score":50,"rank":1}`))
	b.HandleInvocation("LeaderboardUpdated", args(`[{"entryId":1,"teamIdList":null}]`))
	if v := getView(t, b); v.Version != before || len(v.Rows) != 2 {
		t.Fatalf("no-op events changed the board: version %d -> %d", before, v.Version)
	}
}

func TestBoard_FreezeSuppressesAllMutation(t *testing.T) {
	b, f, out := newTestBoard(t, Config{})
	recvCall(t, f, time.Second).respond(row("A", "Alpha", 1, 10))
	waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return len(s.Rows) == 1 })

	if err := setFrozen(t, b, true, freeze.SourceClient); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	frozen := getView(t, b)

	b.HandleInvocation("LeaderboardUpdated", args(leaderboardPayload))
	b.HandleInvocation("ScoreUpdated", args(`{"teamId":"A","score":99,"rank":1}`))
	b.HandleConnected(true)

	v := getView(t, b)
	if v.Version != frozen.Version || len(v.Rows) != 1 || v.Rows[0].Score != 10 {
		t.Fatalf("frozen board mutated: %+v", v.Snapshot)
	}
	recvNoCall(t, f, 50*time.Millisecond)

	// Unfreezing reconciles, then live events apply again.
	if err := setFrozen(t, b, false, freeze.SourceClient); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	recvCall(t, f, time.Second).respond(row("A", "Alpha", 1, 99), row("B", "Beta", 2, 5))
	waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return len(s.Rows) == 2 })

	b.HandleInvocation("ScoreUpdated", args(`{"teamId":"B","score":120,"rank":1}`))
	snap := waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return s.Rows[0].TeamID == "B" })
	if snap.Rows[0].Score != 120 {
		t.Fatalf("delta after unfreeze not applied: %+v", snap.Rows)
	}
}

func TestBoard_UnfreezeWithoutDropsSkipsResync(t *testing.T) {
	b, f, _ := newTestBoard(t, Config{})
	recvCall(t, f, time.Second).respond()

	_ = setFrozen(t, b, true, freeze.SourceClient)
	_ = setFrozen(t, b, false, freeze.SourceClient)
	recvNoCall(t, f, 50*time.Millisecond)
}

func TestBoard_SupersededFetchDiscarded(t *testing.T) {
	b, f, out := newTestBoard(t, Config{})
	stale := recvCall(t, f, time.Second)

	reply := make(chan error, 1)
	b.Send(SetPage{PageNumber: 2, Reply: reply})
	if err := <-reply; err != nil {
		t.Fatalf("set page: %v", err)
	}
	current := recvCall(t, f, time.Second)
	if current.pageNumber != 2 {
		t.Fatalf("want page 2 fetch, got %d", current.pageNumber)
	}

	current.respond(row("B", "Beta", 1, 20))
	stale.respond(row("A", "Alpha", 1, 10))

	waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return !s.Loading })
	v := getView(t, b)
	if got := names(v.Rows); len(got) != 1 || got[0] != "Beta" || v.PageNumber != 2 {
		t.Fatalf("superseded result leaked: page %d rows %v", v.PageNumber, got)
	}
}

func TestBoard_SetPageValidates(t *testing.T) {
	b, f, _ := newTestBoard(t, Config{})
	recvCall(t, f, time.Second).respond()

	reply := make(chan error, 1)
	b.Send(SetPage{PageNumber: 0, Reply: reply})
	if err := <-reply; !errors.Is(err, fetch.ErrInvalidPage) {
		t.Fatalf("want ErrInvalidPage, got %v", err)
	}
}

func TestBoard_FetchErrorSurfaced(t *testing.T) {
	b, f, out := newTestBoard(t, Config{})
	recvCall(t, f, time.Second).respond(row("A", "Alpha", 1, 10))
	waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return len(s.Rows) == 1 })

	b.Send(Refresh{})
	recvCall(t, f, time.Second).fail(&fetch.StatusError{Code: 502})

	snap := waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return s.Err != "" })
	if snap.Loading || len(snap.Rows) != 1 {
		t.Fatalf("failed fetch should keep rows and clear loading: %+v", snap)
	}
	recvNoCall(t, f, 50*time.Millisecond)
}

func TestBoard_ConnectTriggersRefresh(t *testing.T) {
	b, f, out := newTestBoard(t, Config{})
	recvCall(t, f, time.Second).respond()

	b.HandleState(push.Connected)
	waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return s.Connection == push.Connected })

	b.HandleConnected(false)
	recvCall(t, f, time.Second).respond(row("A", "Alpha", 1, 1))
	b.HandleConnected(true)
	recvCall(t, f, time.Second).respond(row("A", "Alpha", 1, 2))
}

func TestBoard_ServerOwnedFreeze(t *testing.T) {
	b, f, out := newTestBoard(t, Config{FreezeSource: freeze.SourceServer})
	recvCall(t, f, time.Second).respond()

	if err := setFrozen(t, b, true, freeze.SourceClient); !errors.Is(err, freeze.ErrNotOwner) {
		t.Fatalf("want ErrNotOwner, got %v", err)
	}

	b.HandleInvocation("FreezeChanged", args(`{"contestId":"other","frozen":true}`))
	b.HandleInvocation("FreezeChanged", args(`{"contestId":"c1","frozen":true}`))
	waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return s.Frozen })

	b.HandleInvocation("ScoreUpdated", args(`{"teamId":"A","score":1}`))
	b.HandleInvocation("FreezeChanged", args(`{"contestId":"c1","frozen":false}`))
	recvCall(t, f, time.Second).respond()
}

func TestBoard_ForeignContestSnapshotIgnored(t *testing.T) {
	b, f, out := newTestBoard(t, Config{})
	recvCall(t, f, time.Second).respond(row("A", "Alpha", 1, 10))
	waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return len(s.Rows) == 1 })
	before := getView(t, b)

	b.HandleInvocation("LeaderboardUpdated", args(`[{"entryId":9,"contestId":"c2","teamIdList":[{"teamId":"Z","teamName":"Zed","rank":1}]}]`))
	if v := getView(t, b); v.Version != before.Version || v.Rows[0].TeamID != "A" {
		t.Fatalf("foreign contest applied: %+v", v.Rows)
	}
}

func TestBoard_SlowSubscriberDropped(t *testing.T) {
	b, f, _ := newTestBoard(t, Config{})
	recvCall(t, f, time.Second).respond()

	slow := make(chan Snapshot, 1)
	b.Send(Join{ClientID: "slow", Outbox: slow})
	b.Send(Refresh{})
	recvCall(t, f, time.Second).respond(row("A", "Alpha", 1, 1))

	if v := getView(t, b); v.NumClients != 1 {
		t.Fatalf("slow client still subscribed, clients=%d", v.NumClients)
	}
	<-slow // the join snapshot
	if _, ok := <-slow; ok {
		t.Fatalf("slow client outbox still open")
	}
}

func TestBoard_MirrorsToSink(t *testing.T) {
	sink := &recordingSink{}
	_, f, out := newTestBoard(t, Config{}, WithSink(sink))
	recvCall(t, f, time.Second).respond(row("A", "Alpha", 1, 1))
	waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return len(s.Rows) == 1 })

	if sink.count() == 0 {
		t.Fatalf("sink saw no snapshots")
	}
}

func TestBoard_CloseEndsSubscribers(t *testing.T) {
	f := newFakeFetcher()
	b := New(context.Background(), Config{ContestID: "c1", FreezeSource: freeze.SourceClient}, f)
	out := make(chan Snapshot, 4)
	b.Send(Join{ClientID: "x", Outbox: out})
	recvCall(t, f, time.Second)

	b.Close()
	for range out {
	}
	if b.Send(Refresh{}) {
		t.Fatalf("closed board accepted a message")
	}
}

func TestBoard_PageChangeAppliesOlderStampedPage(t *testing.T) {
	b, f, out := newTestBoard(t, Config{PageNumber: 1, PageSize: 2})
	taken := time.Now()
	recvCall(t, f, time.Second).respondAt(taken.Add(time.Second), row("A", "Alpha", 1, 30), row("B", "Beta", 2, 20))
	waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return len(s.Rows) == 2 })

	reply := make(chan error, 1)
	b.Send(SetPage{PageNumber: 2, Reply: reply})
	if err := <-reply; err != nil {
		t.Fatalf("set page: %v", err)
	}
	recvCall(t, f, time.Second).respondAt(taken, row("C", "Gamma", 3, 10), row("D", "Delta", 4, 5))

	snap := waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return !s.Loading })
	if got := names(snap.Rows); len(got) != 2 || got[0] != "Gamma" || got[1] != "Delta" {
		t.Fatalf("page 2 rows not applied: %v", got)
	}
	if snap.PageNumber != 2 || snap.Pagination.PageNumber != 2 || snap.Err != "" {
		t.Fatalf("inconsistent page: page %d pagination %d err %q", snap.PageNumber, snap.Pagination.PageNumber, snap.Err)
	}
}

func TestBoard_StaleRefreshKeepsPagination(t *testing.T) {
	b, f, out := newTestBoard(t, Config{PageNumber: 1, PageSize: 2})
	taken := time.Now()
	recvCall(t, f, time.Second).respondAt(taken.Add(time.Second), row("A", "Alpha", 1, 30))
	waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return len(s.Rows) == 1 })

	b.HandleConnected(true)
	call := recvCall(t, f, time.Second)
	call.reply <- fetchReply{res: fetch.Result{
		Snapshot:   standings.Snapshot{Rows: []standings.Row{row("Z", "Zeta", 1, 1)}, TakenAt: taken, Stamped: true},
		Pagination: types.PageMeta{PageNumber: 1, PageSize: 2, TotalPages: 9},
	}}

	snap := waitSnapshot(t, out, time.Second, func(s Snapshot) bool { return !s.Loading })
	if got := names(snap.Rows); len(got) != 1 || got[0] != "Alpha" {
		t.Fatalf("stale refresh replaced rows: %v", got)
	}
	if snap.Pagination.TotalPages != 3 {
		t.Fatalf("stale refresh replaced pagination: %+v", snap.Pagination)
	}
}

func TestBoard_RejoinClosesPreviousOutbox(t *testing.T) {
	b, f, _ := newTestBoard(t, Config{})
	recvCall(t, f, time.Second).respond()

	first := make(chan Snapshot, 4)
	b.Send(Join{ClientID: "dup", Outbox: first})
	second := make(chan Snapshot, 4)
	b.Send(Join{ClientID: "dup", Outbox: second})
	recvSnapshot(t, second, time.Second)

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-first:
			if !ok {
				if v := getView(t, b); v.NumClients != 2 {
					t.Fatalf("want 2 clients, got %d", v.NumClients)
				}
				return
			}
		case <-deadline:
			t.Fatalf("first outbox still open after rejoin")
		}
	}
}
