package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/DoyleJ11/leaderboard-sync/internal/board"
	"github.com/DoyleJ11/leaderboard-sync/internal/push"
	"github.com/DoyleJ11/leaderboard-sync/internal/standings"
	"github.com/DoyleJ11/leaderboard-sync/pkg/types"
)

func TestPrintSnapshot(t *testing.T) {
	var buf bytes.Buffer
	printSnapshot(&buf, board.Snapshot{
		Version:    4,
		ContestID:  "c1",
		PageNumber: 1,
		Pagination: types.PageMeta{TotalPages: 3},
		Frozen:     true,
		Connection: push.Connected,
		Rows: []standings.Row{
			{TeamName: "Null Pointers", Rank: 1, Score: 300},
			{TeamName: "Late Joiners", Score: 0},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "c1 v4 page 1/3 (connected, frozen)")
	assert.Contains(t, out, "Null Pointers")
	assert.Regexp(t, `-\s+Late Joiners`, out)
}
