package client

// State is the connecting side's handshake state.
type State int

const (
	Disconnected State = iota
	RequestingConnection
	SendingChallengeResponse
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case RequestingConnection:
		return "requesting-connection"
	case SendingChallengeResponse:
		return "sending-challenge-response"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}
