package types

// Hub -> Client (push channel, group "contest:<contestId>")
//
// LeaderboardUpdated:
//   arguments[0]: LeaderboardEntry[]        // full replacement set for the contest
//
// ScoreUpdated:
//   arguments[0]: ScoreUpdate               // one team, PascalCase or camelCase keys
//
// FreezeChanged:
//   arguments[0]: FreezeUpdate              // organizer toggled the public board
//
// Client -> Hub
//
// JoinLeaderboardGroup:
//   arguments[0]: contestId                 // re-sent after every (re)connect

// ScoreUpdate is a single-team delta. The upstream service is inconsistent about
// casing, so decoding goes through normalize rather than these tags directly.
type ScoreUpdate struct {
	TeamID FlexString `json:"teamId"`
	Score  FlexFloat  `json:"score"`
	Rank   FlexInt    `json:"rank"`
}

type FreezeUpdate struct {
	ContestID FlexString `json:"contestId"`
	Frozen    bool       `json:"frozen"`
}
