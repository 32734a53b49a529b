package board

import (
	"time"

	"github.com/DoyleJ11/leaderboard-sync/internal/fetch"
	"github.com/DoyleJ11/leaderboard-sync/internal/freeze"
	"github.com/DoyleJ11/leaderboard-sync/internal/normalize"
	"github.com/DoyleJ11/leaderboard-sync/internal/push"
)

type Msg interface{ isBoardMsg() }

// Pushed is a normalized hub event.
type Pushed struct {
	Event      normalize.Event
	ReceivedAt time.Time
}

type ConnectionChanged struct{ State push.State }

// Connected follows every successful (re)connect.
type Connected struct{ Reconnected bool }

// Fetched carries a finished fetch back to the loop. Results whose Gen is not
// the board's current generation are discarded.
type Fetched struct {
	Gen    uint64
	User   bool
	Result fetch.Result
	Err    error
}

// Refresh is an explicit reload request from a consumer.
type Refresh struct{}

type SetPage struct {
	PageNumber int
	PageSize   int // 0 keeps the current size
	Reply      chan error
}

type SetFrozen struct {
	Frozen bool
	From   freeze.Source
	Reply  chan error
}

type Join struct {
	ClientID string
	Outbox   chan Snapshot // where this client wants to receive snapshots
}

type Leave struct{ ClientID string }

// GetView reports the board's state. Passive reads, such as the janitor's, do
// not count as activity.
type GetView struct {
	Passive bool
	Reply   chan View
}

type Shutdown struct{}

func (Pushed) isBoardMsg()            {}
func (ConnectionChanged) isBoardMsg() {}
func (Connected) isBoardMsg()         {}
func (Fetched) isBoardMsg()           {}
func (Refresh) isBoardMsg()           {}
func (SetPage) isBoardMsg()           {}
func (SetFrozen) isBoardMsg()         {}
func (Join) isBoardMsg()              {}
func (Leave) isBoardMsg()             {}
func (GetView) isBoardMsg()           {}
func (Shutdown) isBoardMsg()          {}
