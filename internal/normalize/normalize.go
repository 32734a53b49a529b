// Package normalize turns raw push-channel invocations into the canonical events
// the board applies. It is the only place that knows about upstream field casing
// and payload shapes.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DoyleJ11/leaderboard-sync/internal/standings"
	"github.com/DoyleJ11/leaderboard-sync/pkg/types"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownTarget    = errors.New("unknown hub method")
)

const (
	TargetLeaderboardUpdated = "LeaderboardUpdated"
	TargetScoreUpdated       = "ScoreUpdated"
	TargetFreezeChanged      = "FreezeChanged"
)

type Event interface{ isEvent() }

type FullSnapshot struct {
	Snapshot standings.Snapshot
}

type ScoreDelta struct {
	TeamID string
	Score  float64
	Rank   int
}

type FreezeChanged struct {
	ContestID string
	Frozen    bool
}

func (FullSnapshot) isEvent()  {}
func (ScoreDelta) isEvent()    {}
func (FreezeChanged) isEvent() {}

type Normalizer struct {
	now func() time.Time
}

func New() *Normalizer {
	return &Normalizer{now: time.Now}
}

// Normalize converts one hub invocation. Method names match case-insensitively.
func (n *Normalizer) Normalize(target string, args []json.RawMessage) (Event, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: no arguments: %w", target, ErrMalformedPayload)
	}

	switch {
	case strings.EqualFold(target, TargetLeaderboardUpdated):
		return n.fullSnapshot(args[0])
	case strings.EqualFold(target, TargetScoreUpdated):
		return scoreDelta(args[0])
	case strings.EqualFold(target, TargetFreezeChanged):
		return freezeChanged(args[0])
	default:
		return nil, fmt.Errorf("%q: %w", target, ErrUnknownTarget)
	}
}

func (n *Normalizer) fullSnapshot(raw json.RawMessage) (Event, error) {
	entries, err := DecodeEntries(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", TargetLeaderboardUpdated, err)
	}
	snap, err := Flatten(entries, n.now())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", TargetLeaderboardUpdated, err)
	}
	return FullSnapshot{Snapshot: snap}, nil
}

// DecodeEntries reads a leaderboard entry list. Anything but a JSON array,
// including null, is malformed.
func DecodeEntries(raw json.RawMessage) ([]types.LeaderboardEntry, error) {
	var entries []types.LeaderboardEntry
	if err := decodeArray(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Flatten expands per-contest entries into one row per team, copying the
// entry-level fields onto each row. Entries without a server timestamp are
// stamped with now. Any entry whose team list is not an array fails the whole
// batch so a partial set is never applied.
func Flatten(entries []types.LeaderboardEntry, now time.Time) (standings.Snapshot, error) {
	snap := standings.Snapshot{TakenAt: now}

	var newest time.Time
	for i, entry := range entries {
		var teams []types.TeamStanding
		if err := decodeArray(entry.TeamIDList, &teams); err != nil {
			return standings.Snapshot{}, fmt.Errorf("entry %d teamIdList: %w", i, err)
		}

		at := now
		if entry.SnapshotAt.Valid {
			at = entry.SnapshotAt.Time
			if at.After(newest) {
				newest = at
			}
		}

		for _, team := range teams {
			if team.TeamID == "" {
				continue
			}
			snap.Rows = append(snap.Rows, standings.Row{
				EntryID:     string(entry.EntryID),
				ContestID:   string(entry.ContestID),
				ContestName: entry.ContestName,
				TeamID:      string(team.TeamID),
				TeamName:    team.TeamName,
				Rank:        int(team.Rank),
				Score:       float64(team.Score),
				SnapshotAt:  at,
			})
		}
	}

	if !newest.IsZero() {
		snap.TakenAt = newest
		snap.Stamped = true
	}
	return snap, nil
}

// scoreDelta is the single adapter for the ScoreUpdated payload. Keys are matched
// case-insensitively, preferring the camelCase spelling when both are present.
func scoreDelta(raw json.RawMessage) (Event, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", TargetScoreUpdated, err)
	}

	var update types.ScoreUpdate
	if err := decodeField(obj, "teamId", &update.TeamID); err != nil {
		return nil, fmt.Errorf("%s: %w", TargetScoreUpdated, err)
	}
	if update.TeamID == "" {
		return nil, fmt.Errorf("%s: missing teamId: %w", TargetScoreUpdated, ErrMalformedPayload)
	}
	if err := decodeField(obj, "score", &update.Score); err != nil {
		return nil, fmt.Errorf("%s: %w", TargetScoreUpdated, err)
	}
	if err := decodeField(obj, "rank", &update.Rank); err != nil {
		return nil, fmt.Errorf("%s: %w", TargetScoreUpdated, err)
	}

	return ScoreDelta{
		TeamID: string(update.TeamID),
		Score:  float64(update.Score),
		Rank:   int(update.Rank),
	}, nil
}

func freezeChanged(raw json.RawMessage) (Event, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", TargetFreezeChanged, err)
	}

	var update types.FreezeUpdate
	if err := decodeField(obj, "contestId", &update.ContestID); err != nil {
		return nil, fmt.Errorf("%s: %w", TargetFreezeChanged, err)
	}
	if _, ok := lookupFold(obj, "frozen"); !ok {
		return nil, fmt.Errorf("%s: missing frozen: %w", TargetFreezeChanged, ErrMalformedPayload)
	}
	if err := decodeField(obj, "frozen", &update.Frozen); err != nil {
		return nil, fmt.Errorf("%s: %w", TargetFreezeChanged, err)
	}
	return FreezeChanged{ContestID: string(update.ContestID), Frozen: update.Frozen}, nil
}

func decodeArray(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return fmt.Errorf("expected array: %w", ErrMalformedPayload)
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%v: %w", err, ErrMalformedPayload)
	}
	return nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("expected object: %w", ErrMalformedPayload)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrMalformedPayload)
	}
	return obj, nil
}

func decodeField(obj map[string]json.RawMessage, name string, v any) error {
	raw, ok := lookupFold(obj, name)
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("field %s: %v: %w", name, err, ErrMalformedPayload)
	}
	return nil
}

func lookupFold(obj map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	if raw, ok := obj[name]; ok {
		return raw, true
	}
	for key, raw := range obj {
		if strings.EqualFold(key, name) {
			return raw, true
		}
	}
	return nil, false
}
