package freeze

import (
	"errors"
	"testing"

	"github.com/DoyleJ11/leaderboard-sync/internal/normalize"
)

func TestShouldApply(t *testing.T) {
	cases := []struct {
		name   string
		ev     normalize.Event
		frozen bool
		want   bool
	}{
		{name: "snapshot live", ev: normalize.FullSnapshot{}, frozen: false, want: true},
		{name: "snapshot frozen", ev: normalize.FullSnapshot{}, frozen: true, want: false},
		{name: "delta live", ev: normalize.ScoreDelta{TeamID: "A"}, frozen: false, want: true},
		{name: "delta frozen", ev: normalize.ScoreDelta{TeamID: "A"}, frozen: true, want: false},
		{name: "freeze control always passes", ev: normalize.FreezeChanged{Frozen: false}, frozen: true, want: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldApply(tc.ev, tc.frozen); got != tc.want {
				t.Fatalf("ShouldApply = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGate_ResyncOnlyAfterDrops(t *testing.T) {
	g := NewGate(SourceClient)

	if _, err := g.Set(true, SourceClient); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	resync, _ := g.Set(false, SourceClient)
	if resync {
		t.Fatalf("nothing was dropped, no resync expected")
	}

	_, _ = g.Set(true, SourceClient)
	if g.Allow(normalize.ScoreDelta{TeamID: "A"}) {
		t.Fatalf("frozen gate let a delta through")
	}
	resync, _ = g.Set(false, SourceClient)
	if !resync {
		t.Fatalf("want resync after dropped events")
	}
	if !g.Allow(normalize.ScoreDelta{TeamID: "A"}) {
		t.Fatalf("live gate dropped a delta")
	}
}

func TestGate_RejectsForeignSource(t *testing.T) {
	g := NewGate(SourceServer)

	_, err := g.Set(true, SourceClient)
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("want ErrNotOwner, got %v", err)
	}
	if g.Frozen() {
		t.Fatalf("rejected toggle still froze the gate")
	}
}

func TestParseSource(t *testing.T) {
	if s, err := ParseSource(""); err != nil || s != SourceClient {
		t.Fatalf("empty: got %q, %v", s, err)
	}
	if s, err := ParseSource("server"); err != nil || s != SourceServer {
		t.Fatalf("server: got %q, %v", s, err)
	}
	if _, err := ParseSource("organizer"); err == nil {
		t.Fatalf("want error for unknown source")
	}
}
