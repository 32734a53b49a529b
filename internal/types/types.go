package types

import "github.com/DoyleJ11/leaderboard-sync/internal/board"

// ClientMessage is what a downstream websocket client may send.
type ClientMessage struct {
	Type       string `json:"type"` // "SetPage" | "Refresh" | "Freeze"
	PageNumber int    `json:"pageNumber,omitempty"`
	PageSize   int    `json:"pageSize,omitempty"`
	Frozen     *bool  `json:"frozen,omitempty"`
}

type ServerMessage struct {
	Type    string          `json:"type"` // "Standings" | "Error"
	Version int             `json:"version,omitempty"`
	State   *board.Snapshot `json:"state,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func Standings(snap board.Snapshot) ServerMessage {
	return ServerMessage{Type: "Standings", Version: snap.Version, State: &snap}
}

func Error(msg string) ServerMessage {
	return ServerMessage{Type: "Error", Error: msg}
}
