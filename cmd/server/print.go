package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/DoyleJ11/leaderboard-sync/internal/board"
)

func printSnapshot(w io.Writer, snap board.Snapshot) {
	status := snap.Connection.String()
	if snap.Frozen {
		status += ", frozen"
	}
	if snap.Loading {
		status += ", loading"
	}
	fmt.Fprintf(w, "\n%s v%d page %d/%d (%s)\n", snap.ContestID, snap.Version, snap.PageNumber, snap.Pagination.TotalPages, status)
	if snap.Err != "" {
		fmt.Fprintf(w, "error: %s\n", snap.Err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tTEAM\tSCORE")
	for _, row := range snap.Rows {
		rank := "-"
		if row.Rank > 0 {
			rank = fmt.Sprint(row.Rank)
		}
		fmt.Fprintf(tw, "%s\t%s\t%g\n", rank, row.TeamName, row.Score)
	}
	tw.Flush()
}
