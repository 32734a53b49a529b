package standings

import (
	"time"
)

// Row is one ranked team at a point in time.
type Row struct {
	EntryID     string    `json:"entryId"`
	ContestID   string    `json:"contestId"`
	ContestName string    `json:"contestName"`
	TeamID      string    `json:"teamId"`
	TeamName    string    `json:"teamName"`
	Rank        int       `json:"rank"` // 0 means unranked
	Score       float64   `json:"score"`
	SnapshotAt  time.Time `json:"snapshotAt"`
}

// Snapshot is a complete replacement set of rows.
//
// Stamped is true when TakenAt came from the server rather than from the local
// clock; only stamped snapshots take part in ordering checks.
type Snapshot struct {
	Rows    []Row
	TakenAt time.Time
	Stamped bool
}

// Delta is a single team's new score and rank. ReceivedAt is the local receipt
// time and is only used to decide whether a later snapshot is older than it.
type Delta struct {
	TeamID     string
	Score      float64
	Rank       int
	ReceivedAt time.Time
}

type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeStale       Outcome = "stale"
	OutcomeUnknownTeam Outcome = "unknown_team"
)

// Table is the authoritative set of rows for one view, keyed by team id.
//
// Table is a value: Apply* return a new Table and never modify the receiver, so a
// Table handed to another goroutine stays stable.
type Table struct {
	rows      map[string]Row
	touched   map[string]time.Time // team id -> receipt time of the last delta
	watermark time.Time            // newest server timestamp accepted
	skew      time.Duration
}

type Option func(*Table)

// WithClockSkew widens the window in which a stamped snapshot is still treated
// as newer than a locally received delta.
func WithClockSkew(d time.Duration) Option {
	return func(t *Table) { t.skew = d }
}

func NewTable(opts ...Option) Table {
	t := Table{
		rows:    map[string]Row{},
		touched: map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// ApplyFullSnapshot replaces every row at once.
//
// A stamped snapshot older than the newest stamped snapshot already applied is
// rejected whole. When a stamped snapshot is applied, teams whose last delta
// arrived after the snapshot was taken keep the delta's score and rank.
func (t Table) ApplyFullSnapshot(s Snapshot) (Table, Outcome) {
	if s.Stamped && !t.watermark.IsZero() && s.TakenAt.Before(t.watermark) {
		return t, OutcomeStale
	}

	next := Table{
		rows:      make(map[string]Row, len(s.Rows)),
		touched:   map[string]time.Time{},
		watermark: t.watermark,
		skew:      t.skew,
	}

	for _, row := range s.Rows {
		if row.TeamID == "" {
			continue
		}
		next.rows[row.TeamID] = row
	}

	if s.Stamped {
		if s.TakenAt.After(next.watermark) {
			next.watermark = s.TakenAt
		}
		cutoff := s.TakenAt.Add(t.skew)
		for teamID, at := range t.touched {
			row, ok := next.rows[teamID]
			if !ok || !at.After(cutoff) {
				continue
			}
			prev := t.rows[teamID]
			row.Score = prev.Score
			row.Rank = prev.Rank
			next.rows[teamID] = row
			next.touched[teamID] = at
		}
	}

	return next, OutcomeApplied
}

// ApplyScoreDelta updates score and rank of a known team. A delta for a team the
// table has never seen is ignored: it does not carry enough fields to build a row.
func (t Table) ApplyScoreDelta(d Delta) (Table, Outcome) {
	row, ok := t.rows[d.TeamID]
	if !ok {
		return t, OutcomeUnknownTeam
	}

	next := t.clone()
	row.Score = d.Score
	row.Rank = d.Rank
	next.rows[d.TeamID] = row
	if !d.ReceivedAt.IsZero() {
		next.touched[d.TeamID] = d.ReceivedAt
	}
	return next, OutcomeApplied
}

// Project returns the rows ordered for display.
func (t Table) Project() []Row {
	out := make([]Row, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, row)
	}
	SortRows(out)
	return out
}

func (t Table) Len() int { return len(t.rows) }

// Lookup returns the row for teamID.
func (t Table) Lookup(teamID string) (Row, bool) {
	row, ok := t.rows[teamID]
	return row, ok
}

// ResetWatermark forgets the newest accepted server timestamp, so the next
// stamped snapshot applies whatever its age. Delta receipt times are kept.
func (t Table) ResetWatermark() Table {
	next := t
	next.watermark = time.Time{}
	return next
}

// Watermark is the newest server timestamp the table has accepted.
func (t Table) Watermark() time.Time { return t.watermark }
