package freeze

import (
	"errors"
	"fmt"

	"github.com/DoyleJ11/leaderboard-sync/internal/normalize"
)

var ErrNotOwner = errors.New("freeze state is owned by another source")

// Source says who is allowed to freeze the board.
type Source string

const (
	// SourceClient: each viewer freezes its own board through the local API.
	SourceClient Source = "client"
	// SourceServer: only FreezeChanged pushes from the hub may freeze the board.
	SourceServer Source = "server"
)

func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceClient, SourceServer:
		return Source(s), nil
	case "":
		return SourceClient, nil
	default:
		return "", fmt.Errorf("unknown freeze source %q", s)
	}
}

// ShouldApply reports whether a standings mutation may reach the store. It is
// evaluated once, when the event arrives; anything dropped here is gone for good.
func ShouldApply(ev normalize.Event, frozen bool) bool {
	switch ev.(type) {
	case normalize.FullSnapshot, normalize.ScoreDelta:
		return !frozen
	default:
		return true
	}
}

// Gate holds the freeze flag for one board and remembers whether it dropped
// anything, so the owner knows to reconcile on unfreeze.
type Gate struct {
	source  Source
	frozen  bool
	dropped int
}

func NewGate(source Source) *Gate {
	return &Gate{source: source}
}

func (g *Gate) Frozen() bool   { return g.frozen }
func (g *Gate) Source() Source { return g.source }

// Allow is ShouldApply bound to the gate's current flag.
func (g *Gate) Allow(ev normalize.Event) bool {
	if ShouldApply(ev, g.frozen) {
		return true
	}
	g.dropped++
	return false
}

// Set changes the flag on behalf of from. It reports whether the board went from
// frozen to live with events dropped in between.
func (g *Gate) Set(frozen bool, from Source) (needsResync bool, err error) {
	if from != g.source {
		return false, fmt.Errorf("%s toggle: %w", from, ErrNotOwner)
	}
	if g.frozen && !frozen {
		needsResync = g.dropped > 0
		g.dropped = 0
	}
	g.frozen = frozen
	return needsResync, nil
}

// Defer records a skipped automatic refresh so it is replayed on unfreeze.
func (g *Gate) Defer() { g.dropped++ }
