package push

import "encoding/json"

// State is the lifecycle of one push connection.
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connected
//	                                                        -> Disconnected
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Listener receives everything a handle observes. Calls for one handle come from
// a single goroutine and never overlap, so implementations should not block.
type Listener interface {
	HandleInvocation(target string, args []json.RawMessage)
	HandleState(s State)
	// HandleConnected fires after every successful connect, once the group join
	// has been sent. reconnected is false only for the first connection.
	HandleConnected(reconnected bool)
}
