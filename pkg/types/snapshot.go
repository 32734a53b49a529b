package types

import "encoding/json"

// LeaderboardEntry is one per-contest batch of standings, as sent both by the
// LeaderboardUpdated push and by GET /leaderboard.
//
// TeamIDList stays raw so a null or non-array list can be told apart from an
// empty one.
type LeaderboardEntry struct {
	EntryID     FlexString      `json:"entryId"`
	ContestID   FlexString      `json:"contestId"`
	ContestName string          `json:"contestName"`
	SnapshotAt  FlexTime        `json:"snapshotAt"`
	TeamIDList  json.RawMessage `json:"teamIdList"`
}

type TeamStanding struct {
	TeamID   FlexString `json:"teamId"`
	TeamName string     `json:"teamName"`
	Rank     FlexInt    `json:"rank"`
	Score    FlexFloat  `json:"score"`
}

// PageMeta is passed through to consumers exactly as the server sent it.
type PageMeta struct {
	PageNumber      int  `json:"pageNumber"`
	PageSize        int  `json:"pageSize"`
	TotalPages      int  `json:"totalPages"`
	TotalCount      int  `json:"totalCount"`
	HasPreviousPage bool `json:"hasPreviousPage"`
	HasNextPage     bool `json:"hasNextPage"`
}

type LeaderboardPage struct {
	Data           json.RawMessage `json:"data"`
	AdditionalData PageMeta        `json:"additionalData"`
}
