// Package protocol defines the wire format of the salted UDP handshake.
//
// Every datagram is framed as:
//
//	protocolID [4]byte  // big-endian ProtocolID
//	type       byte     // one of the Type constants
//	body       [...]byte
//
// Connect and Response bodies are zero-padded to PaddedBodySize so that a
// spoofed request costs the sender at least as many bytes as the reply it
// provokes.
package protocol

import "fmt"

// ProtocolID tags every datagram of this protocol.
const ProtocolID uint32 = 0x27052004

// Type is the one-byte packet tag that follows the protocol ID.
type Type uint8

// Packet type tags.
const (
	TypeConnect    Type = 0
	TypeReject     Type = 1
	TypeChallenge  Type = 2
	TypeResponse   Type = 3
	TypeHeartbeat  Type = 4
	TypePayload    Type = 5
	TypeDisconnect Type = 6
)

func (t Type) String() string {
	switch t {
	case TypeConnect:
		return "connect"
	case TypeReject:
		return "reject"
	case TypeChallenge:
		return "challenge"
	case TypeResponse:
		return "response"
	case TypeHeartbeat:
		return "heartbeat"
	case TypePayload:
		return "payload"
	case TypeDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Framing sizes.
const (
	IDSize     = 4
	TagSize    = 1
	HeaderSize = IDSize + TagSize // protocol ID + type tag

	SaltSize = 8

	// PaddedBodySize is the exact body size of Connect and Response packets.
	PaddedBodySize = 508

	challengeBodySize = 2 * SaltSize
	heartbeatBodySize = SaltSize + 4
)

// Packet is a decoded protocol message. Values are only produced by Parse
// or constructed directly by the sender; raw bytes are never reinterpreted.
type Packet interface {
	// Type returns the wire tag of the packet.
	Type() Type
	// AppendMarshal appends the tag and body (without the protocol ID).
	AppendMarshal([]byte) []byte
}

// Connect opens a handshake. BodySize is the body length observed on the
// wire; it is ignored when marshaling, which always pads to PaddedBodySize.
type Connect struct {
	ClientSalt uint64
	BodySize   int
}

// Reject denies a connection attempt.
type Reject struct{}

// Challenge answers a Connect with the server's half of the salt pair.
type Challenge struct {
	ClientSalt uint64
	ServerSalt uint64
}

// Response proves the client observed the Challenge: Salt must equal
// ClientSalt ^ ServerSalt.
type Response struct {
	Salt     uint64
	BodySize int
}

// Heartbeat confirms an established session and keeps it alive. Slot is
// the client's session index on the server.
type Heartbeat struct {
	Salt uint64
	Slot uint32
}

// Payload carries application-defined bytes for an established session.
type Payload struct {
	Data []byte
}

// Disconnect announces that the sender is closing the session.
type Disconnect struct{}

func (*Connect) Type() Type    { return TypeConnect }
func (*Reject) Type() Type     { return TypeReject }
func (*Challenge) Type() Type  { return TypeChallenge }
func (*Response) Type() Type   { return TypeResponse }
func (*Heartbeat) Type() Type  { return TypeHeartbeat }
func (*Payload) Type() Type    { return TypePayload }
func (*Disconnect) Type() Type { return TypeDisconnect }

// SessionSalt combines both halves of a handshake into the value presented
// by Response and Heartbeat packets.
func SessionSalt(clientSalt, serverSalt uint64) uint64 {
	return clientSalt ^ serverSalt
}
