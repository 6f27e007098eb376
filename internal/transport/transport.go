// Package transport is the datagram boundary of the handshake core. A
// PacketConn moves raw bytes; an Adapter frames them with the protocol
// codec and filters everything that is not a well-formed packet.
package transport

import (
	"github.com/1ureka/saltshake/internal/endpoint"
	"github.com/1ureka/saltshake/internal/protocol"
	"github.com/1ureka/saltshake/internal/util"
)

// Datagram is one inbound datagram and its source.
type Datagram struct {
	From endpoint.Endpoint
	Data []byte
}

// PacketConn is a best-effort, non-blocking datagram socket.
//
// WriteTo may silently drop. TryRead returns immediately with ok=false
// when nothing is queued; callers drain a batch by calling it repeatedly.
type PacketConn interface {
	WriteTo(b []byte, to endpoint.Endpoint) error
	TryRead() (d Datagram, ok bool)
	LocalEndpoint() endpoint.Endpoint
	Close() error
}

// Adapter wraps a PacketConn with the wire codec. It is owned by the single
// goroutine that ticks the client or server.
type Adapter struct {
	conn PacketConn

	// OnDrop, if set, is called for every inbound datagram discarded before
	// dispatch.
	OnDrop func(from endpoint.Endpoint, err error)
}

// NewAdapter returns an Adapter over conn.
func NewAdapter(conn PacketConn) *Adapter {
	return &Adapter{conn: conn}
}

// Send marshals pkt and writes it to to. Write failures are logged and
// counted; the protocol treats them as packet loss.
func (a *Adapter) Send(to endpoint.Endpoint, pkt protocol.Packet) {
	data := protocol.Marshal(pkt)
	if err := a.conn.WriteTo(data, to); err != nil {
		util.Stats.AddSendError()
		util.LogDebug("send %s to %s failed: %v", pkt.Type(), to, err)
		return
	}
	util.Stats.AddSent(len(data))
}

// Receive returns the next well-formed packet in the inbound queue.
// Datagrams with a foreign protocol ID, truncated bodies or unknown tags
// are discarded here without reaching any state machine. ok is false once
// the queue is empty.
func (a *Adapter) Receive() (from endpoint.Endpoint, pkt protocol.Packet, ok bool) {
	for {
		d, ok := a.conn.TryRead()
		if !ok {
			return endpoint.Endpoint{}, nil, false
		}
		util.Stats.AddRecv(len(d.Data))

		body, err := protocol.StripHeader(d.Data)
		if err == nil {
			pkt, err = protocol.Parse(body)
		}
		if err != nil {
			a.drop(d.From, err)
			continue
		}
		return d.From, pkt, true
	}
}

func (a *Adapter) drop(from endpoint.Endpoint, err error) {
	util.Stats.AddDropped()
	util.LogDebug("discarding datagram from %s: %v", from, err)
	if a.OnDrop != nil {
		a.OnDrop(from, err)
	}
}

// LocalEndpoint returns the local address of the underlying conn.
func (a *Adapter) LocalEndpoint() endpoint.Endpoint { return a.conn.LocalEndpoint() }

// Close closes the underlying conn.
func (a *Adapter) Close() error { return a.conn.Close() }
