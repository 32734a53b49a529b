package standings

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// SortRows orders rows by rank ascending with unranked rows last, then by team
// name, then by team id so equal names still sort the same way every time.
func SortRows(rows []Row) {
	slices.SortFunc(rows, compareRows)
}

func compareRows(a, b Row) int {
	if c := compareRank(a.Rank, b.Rank); c != 0 {
		return c
	}
	if c := strings.Compare(a.TeamName, b.TeamName); c != 0 {
		return c
	}
	return strings.Compare(a.TeamID, b.TeamID)
}

func compareRank(a, b int) int {
	switch {
	case a == b, a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return 1
	case b <= 0:
		return -1
	case a < b:
		return -1
	default:
		return 1
	}
}

func (t Table) clone() Table {
	next := t
	next.rows = maps.Clone(t.rows)
	next.touched = maps.Clone(t.touched)
	if next.rows == nil {
		next.rows = map[string]Row{}
	}
	if next.touched == nil {
		next.touched = map[string]time.Time{}
	}
	return next
}
