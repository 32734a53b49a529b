package normalize

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/leaderboard-sync/internal/standings"
)

var fixedNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return &Normalizer{now: func() time.Time { return fixedNow }}
}

func args(payload string) []json.RawMessage {
	return []json.RawMessage{json.RawMessage(payload)}
}

func TestNormalize_LeaderboardUpdatedFlattens(t *testing.T) {
	payload := `[{"entryId":1,"contestId":"c1","teamIdList":[
		{"teamId":"t1","teamName":"Alpha","score":10,"rank":1},
		{"teamId":"t2","teamName":"Beta","score":8,"rank":2}]}]`

	ev, err := newTestNormalizer().Normalize("LeaderboardUpdated", args(payload))
	require.NoError(t, err)

	snap, ok := ev.(FullSnapshot)
	require.True(t, ok, "want FullSnapshot, got %T", ev)
	require.Len(t, snap.Snapshot.Rows, 2)

	for _, row := range snap.Snapshot.Rows {
		assert.Equal(t, "1", row.EntryID)
		assert.Equal(t, "c1", row.ContestID)
		assert.Equal(t, fixedNow, row.SnapshotAt, "missing snapshotAt defaults to receipt time")
	}
	assert.Equal(t, standings.Row{
		EntryID: "1", ContestID: "c1", TeamID: "t1", TeamName: "Alpha", Rank: 1, Score: 10, SnapshotAt: fixedNow,
	}, snap.Snapshot.Rows[0])
	assert.False(t, snap.Snapshot.Stamped)
}

func TestNormalize_LeaderboardUpdatedUsesServerTimestamp(t *testing.T) {
	payload := `[
		{"entryId":"e1","contestId":"c1","contestName":"Finals","snapshotAt":"2025-03-14T09:00:00Z",
		 "teamIdList":[{"teamId":"t1","teamName":"Alpha","score":"12.5","rank":"1"}]},
		{"entryId":"e2","contestId":"c1","snapshotAt":"2025-03-14T09:05:00.1234567",
		 "teamIdList":[{"teamId":"t2","teamName":"Beta","score":3,"rank":2}]}]`

	ev, err := newTestNormalizer().Normalize("leaderboardupdated", args(payload))
	require.NoError(t, err)

	snap := ev.(FullSnapshot).Snapshot
	require.Len(t, snap.Rows, 2)
	assert.True(t, snap.Stamped)
	assert.Equal(t, time.Date(2025, 3, 14, 9, 5, 0, 123456700, time.UTC), snap.TakenAt)
	assert.Equal(t, 12.5, snap.Rows[0].Score)
	assert.Equal(t, "Finals", snap.Rows[0].ContestName)
	assert.Equal(t, time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC), snap.Rows[0].SnapshotAt)
}

func TestNormalize_MalformedSnapshot(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{name: "null team list", payload: `[{"entryId":1,"contestId":"c1","teamIdList":null}]`},
		{name: "missing team list", payload: `[{"entryId":1,"contestId":"c1"}]`},
		{name: "team list is object", payload: `[{"entryId":1,"teamIdList":{"teamId":"t1"}}]`},
		{name: "data is null", payload: `null`},
		{name: "data is object", payload: `{"entryId":1}`},
		{name: "bad score", payload: `[{"entryId":1,"teamIdList":[{"teamId":"t1","score":"lots"}]}]`},
		{name: "second entry bad", payload: `[{"entryId":1,"teamIdList":[]},{"entryId":2,"teamIdList":null}]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := newTestNormalizer().Normalize(TargetLeaderboardUpdated, args(tc.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedPayload), "got %v", err)
			assert.Nil(t, ev)
		})
	}
}

func TestNormalize_ScoreUpdatedCasing(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    ScoreDelta
	}{
		{name: "camelCase", payload: `{"teamId":"A","score":25,"rank":1}`, want: ScoreDelta{TeamID: "A", Score: 25, Rank: 1}},
		{name: "PascalCase", payload: `{"TeamId":"A","Score":25,"Rank":1}`, want: ScoreDelta{TeamID: "A", Score: 25, Rank: 1}},
		{name: "numeric id", payload: `{"TeamId":42,"score":"7.5","RANK":3}`, want: ScoreDelta{TeamID: "42", Score: 7.5, Rank: 3}},
		{name: "missing rank is unranked", payload: `{"teamId":"A","score":1}`, want: ScoreDelta{TeamID: "A", Score: 1}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := newTestNormalizer().Normalize("ScoreUpdated", args(tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev)
		})
	}
}

func TestNormalize_ScoreUpdatedMissingTeam(t *testing.T) {
	_, err := newTestNormalizer().Normalize("ScoreUpdated", args(`{"score":3}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestNormalize_FreezeChanged(t *testing.T) {
	ev, err := newTestNormalizer().Normalize("FreezeChanged", args(`{"ContestId":"c1","Frozen":true}`))
	require.NoError(t, err)
	assert.Equal(t, FreezeChanged{ContestID: "c1", Frozen: true}, ev)

	_, err = newTestNormalizer().Normalize("FreezeChanged", args(`{"contestId":"c1"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestNormalize_UnknownTargetAndNoArgs(t *testing.T) {
	_, err := newTestNormalizer().Normalize("SomethingElse", args(`{}`))
	assert.ErrorIs(t, err, ErrUnknownTarget)

	_, err = newTestNormalizer().Normalize("ScoreUpdated", nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
