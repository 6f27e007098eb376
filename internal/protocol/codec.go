package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrProtocolID reports a datagram that does not start with ProtocolID.
	ErrProtocolID = errors.New("protocol id mismatch")
	// ErrTruncated reports a datagram shorter than its type requires.
	ErrTruncated = errors.New("truncated packet")
	// ErrUnknownType reports an unrecognised type tag.
	ErrUnknownType = errors.New("unknown packet type")
)

// Marshal serializes pkt into a complete datagram, protocol ID included.
func Marshal(pkt Packet) []byte {
	var b []byte
	switch pkt.Type() {
	case TypeConnect, TypeResponse:
		b = make([]byte, IDSize, HeaderSize+PaddedBodySize)
	default:
		b = make([]byte, IDSize, HeaderSize+64)
	}
	binary.BigEndian.PutUint32(b, ProtocolID)
	return pkt.AppendMarshal(b)
}

// StripHeader checks the protocol ID and minimum framing of a raw datagram
// and returns the remainder (tag and body) for Parse.
func StripHeader(datagram []byte) ([]byte, error) {
	if len(datagram) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrTruncated, len(datagram), HeaderSize)
	}
	if id := binary.BigEndian.Uint32(datagram); id != ProtocolID {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrProtocolID, id)
	}
	return datagram[IDSize:], nil
}

// Parse decodes a tag and body, as returned by StripHeader, into a Packet.
func Parse(p []byte) (Packet, error) {
	if len(p) < TagSize {
		return nil, fmt.Errorf("%w: missing type tag", ErrTruncated)
	}
	t, body := Type(p[0]), p[TagSize:]
	switch t {
	case TypeConnect:
		if err := need(t, body, SaltSize); err != nil {
			return nil, err
		}
		return &Connect{ClientSalt: binary.BigEndian.Uint64(body), BodySize: len(body)}, nil
	case TypeReject:
		return &Reject{}, nil
	case TypeChallenge:
		if err := need(t, body, challengeBodySize); err != nil {
			return nil, err
		}
		return &Challenge{
			ClientSalt: binary.BigEndian.Uint64(body[0:8]),
			ServerSalt: binary.BigEndian.Uint64(body[8:16]),
		}, nil
	case TypeResponse:
		if err := need(t, body, SaltSize); err != nil {
			return nil, err
		}
		return &Response{Salt: binary.BigEndian.Uint64(body), BodySize: len(body)}, nil
	case TypeHeartbeat:
		if err := need(t, body, heartbeatBodySize); err != nil {
			return nil, err
		}
		return &Heartbeat{
			Salt: binary.BigEndian.Uint64(body[0:8]),
			Slot: binary.BigEndian.Uint32(body[8:12]),
		}, nil
	case TypePayload:
		data := make([]byte, len(body))
		copy(data, body)
		return &Payload{Data: data}, nil
	case TypeDisconnect:
		return &Disconnect{}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(t))
	}
}

func need(t Type, body []byte, n int) error {
	if len(body) < n {
		return fmt.Errorf("%w: %s body is %d bytes (need %d)", ErrTruncated, t, len(body), n)
	}
	return nil
}

// appendHeader appends the tag and bodyLen zero bytes to b. body is the
// subslice of all that the caller fills in.
func appendHeader(b []byte, t Type, bodyLen int) (all, body []byte) {
	n := len(b)
	all = append(b, make([]byte, TagSize+bodyLen)...)
	all[n] = byte(t)
	body = all[n+TagSize:]
	return all, body
}

func (m *Connect) AppendMarshal(b []byte) []byte {
	ret, d := appendHeader(b, TypeConnect, PaddedBodySize)
	binary.BigEndian.PutUint64(d, m.ClientSalt)
	return ret
}

func (*Reject) AppendMarshal(b []byte) []byte {
	ret, _ := appendHeader(b, TypeReject, 0)
	return ret
}

func (m *Challenge) AppendMarshal(b []byte) []byte {
	ret, d := appendHeader(b, TypeChallenge, challengeBodySize)
	binary.BigEndian.PutUint64(d[0:8], m.ClientSalt)
	binary.BigEndian.PutUint64(d[8:16], m.ServerSalt)
	return ret
}

func (m *Response) AppendMarshal(b []byte) []byte {
	ret, d := appendHeader(b, TypeResponse, PaddedBodySize)
	binary.BigEndian.PutUint64(d, m.Salt)
	return ret
}

func (m *Heartbeat) AppendMarshal(b []byte) []byte {
	ret, d := appendHeader(b, TypeHeartbeat, heartbeatBodySize)
	binary.BigEndian.PutUint64(d[0:8], m.Salt)
	binary.BigEndian.PutUint32(d[8:12], m.Slot)
	return ret
}

func (m *Payload) AppendMarshal(b []byte) []byte {
	ret, d := appendHeader(b, TypePayload, len(m.Data))
	copy(d, m.Data)
	return ret
}

func (*Disconnect) AppendMarshal(b []byte) []byte {
	ret, _ := appendHeader(b, TypeDisconnect, 0)
	return ret
}

// Summary returns a short description of pkt for logging.
func Summary(pkt Packet) string {
	switch m := pkt.(type) {
	case *Connect:
		return fmt.Sprintf("connect salt=%016x size=%d", m.ClientSalt, m.BodySize)
	case *Challenge:
		return fmt.Sprintf("challenge client=%016x server=%016x", m.ClientSalt, m.ServerSalt)
	case *Response:
		return fmt.Sprintf("response salt=%016x size=%d", m.Salt, m.BodySize)
	case *Heartbeat:
		return fmt.Sprintf("heartbeat salt=%016x slot=%d", m.Salt, m.Slot)
	case *Payload:
		return fmt.Sprintf("payload %d bytes", len(m.Data))
	case nil:
		return "<nil>"
	default:
		return pkt.Type().String()
	}
}
