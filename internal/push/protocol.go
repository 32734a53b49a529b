package push

import (
	"bytes"
	"encoding/json"
	"errors"
)

// SignalR JSON hub protocol, version 1.
//
// Every message is a JSON object terminated by 0x1e. A transport frame may carry
// several records, and the handshake reply may share a frame with the first
// invocation.
//
//  -> {"protocol":"json","version":1}
//  <- {}                                               handshake ok
//  <- {"error":"..."}                                  handshake refused
//  <- {"type":1,"target":"ScoreUpdated","arguments":[{...}]}
//  -> {"type":1,"invocationId":"1","target":"JoinLeaderboardGroup","arguments":["c1"]}
//  <- {"type":3,"invocationId":"1","error":"..."}     completion
//  <> {"type":6}                                       ping
//  <- {"type":7,"error":"...","allowReconnect":true}   close

const recordSeparator byte = 0x1e

const (
	typeInvocation = 1
	typeStreamItem = 2
	typeCompletion = 3
	typePing       = 6
	typeClose      = 7
)

const joinTarget = "JoinLeaderboardGroup"

var (
	ErrHandshake    = errors.New("hub handshake failed")
	ErrServerClosed = errors.New("hub closed the connection")
)

var handshakeRequest = append([]byte(`{"protocol":"json","version":1}`), recordSeparator)

type hubMessage struct {
	Type           int               `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

func encodeMessage(msg hubMessage) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(b, recordSeparator), nil
}

func splitRecords(frame []byte) [][]byte {
	var out [][]byte
	for _, rec := range bytes.Split(frame, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(rec)) > 0 {
			out = append(out, rec)
		}
	}
	return out
}
