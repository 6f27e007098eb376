// Package client drives one connection attempt from the connecting side:
// Connect → Challenge → Response → Heartbeat, plus liveness once connected.
//
// A Client is not safe for concurrent use; it is owned by the goroutine that
// calls Tick.
package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/saltshake/internal/endpoint"
	"github.com/1ureka/saltshake/internal/protocol"
	"github.com/1ureka/saltshake/internal/salt"
	"github.com/1ureka/saltshake/internal/transport"
	"github.com/1ureka/saltshake/internal/util"
)

var (
	// ErrNotDisconnected is returned by Connect while an attempt is active.
	ErrNotDisconnected = errors.New("client is not disconnected")
	// ErrInvalidEndpoint is returned by Connect for an invalid server endpoint.
	ErrInvalidEndpoint = errors.New("invalid server endpoint")
	// ErrNotConnected is returned by SendPayload before the handshake completes.
	ErrNotConnected = errors.New("client is not connected")
)

// Config holds the client's timing parameters.
type Config struct {
	// RetransmitInterval is the resend cadence of Connect and Response.
	RetransmitInterval time.Duration
	// Timeout is how long the server may stay silent before the attempt
	// or session is abandoned.
	Timeout time.Duration
	// HeartbeatInterval is the keepalive cadence once connected.
	HeartbeatInterval time.Duration
	// DisconnectCopies is how many Disconnect packets a voluntary
	// disconnect sends, to survive loss.
	DisconnectCopies int
}

// DefaultConfig returns the protocol's standard timings.
func DefaultConfig() Config {
	return Config{
		RetransmitInterval: 100 * time.Millisecond,
		Timeout:            5 * time.Second,
		HeartbeatInterval:  time.Second,
		DisconnectCopies:   3,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithSaltSource sets the source of client salts (default salt.Crypto()).
func WithSaltSource(s salt.Source) Option {
	return func(c *Client) { c.salts = s }
}

// WithConfig overrides the default timings.
func WithConfig(cfg Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// WithStateHook registers fn to be called on every state transition.
func WithStateHook(fn func(from, to State)) Option {
	return func(c *Client) { c.onState = fn }
}

// WithPayloadHandler registers fn for Payload packets received while
// connected.
func WithPayloadHandler(fn func(data []byte)) Option {
	return func(c *Client) { c.onPayload = fn }
}

// Client is one handshake session from the connecting side.
type Client struct {
	tr    *transport.Adapter
	salts salt.Source
	cfg   Config

	onState   func(from, to State)
	onPayload func([]byte)

	state      State
	server     endpoint.Endpoint
	clientSalt uint64
	serverSalt uint64
	slot       uint32
	lastSend   time.Time
	lastRecv   time.Time
}

// New returns a disconnected Client sending through tr.
func New(tr *transport.Adapter, opts ...Option) *Client {
	c := &Client{
		tr:    tr,
		salts: salt.Crypto(),
		cfg:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Connect starts a handshake with server. It is only valid while
// Disconnected. A fresh client salt is drawn and the receive timer starts
// at now, so the attempt has the full timeout to hear back.
func (c *Client) Connect(server endpoint.Endpoint, now time.Time) error {
	if c.state != Disconnected {
		return fmt.Errorf("connect to %s: %w (state %s)", server, ErrNotDisconnected, c.state)
	}
	if !server.IsValid() {
		return ErrInvalidEndpoint
	}

	c.server = server
	c.clientSalt = c.salts.Salt()
	c.serverSalt = 0
	c.slot = 0
	c.lastRecv = now
	c.lastSend = time.Time{} // first Tick sends immediately
	util.LogInfo("client: connecting to %s (salt %016x)", server, c.clientSalt)
	c.setState(RequestingConnection)
	return nil
}

// Tick drains every queued inbound packet, then applies timeouts and
// retransmits for the current state.
func (c *Client) Tick(now time.Time) {
	for {
		from, pkt, ok := c.tr.Receive()
		if !ok {
			break
		}
		c.HandlePacket(from, pkt, now)
	}

	if c.state == Disconnected {
		return
	}

	if now.Sub(c.lastRecv) > c.cfg.Timeout {
		util.LogWarning("client: timed out in state %s (no packet from %s for %v)",
			c.state, c.server, now.Sub(c.lastRecv).Round(time.Millisecond))
		c.reset()
		return
	}

	interval := c.cfg.RetransmitInterval
	if c.state == Connected {
		interval = c.cfg.HeartbeatInterval
	}
	if now.Sub(c.lastSend) >= interval {
		c.sendStatePacket()
		c.lastSend = now
	}
}

// HandlePacket applies one inbound packet. Packets from anyone but the
// recorded server are ignored. Any packet from the server refreshes the
// receive timer before dispatch, whatever its type.
func (c *Client) HandlePacket(from endpoint.Endpoint, pkt protocol.Packet, now time.Time) {
	if c.state == Disconnected {
		return
	}
	if from != c.server {
		util.LogDebug("client: ignoring %s from unknown endpoint %s", pkt.Type(), from)
		return
	}
	c.lastRecv = now

	switch c.state {
	case RequestingConnection:
		switch p := pkt.(type) {
		case *protocol.Reject:
			util.LogWarning("client: connection rejected by %s", from)
			c.reset()
		case *protocol.Challenge:
			if p.ClientSalt != c.clientSalt {
				util.LogDebug("client: challenge for salt %016x is not ours (%016x)", p.ClientSalt, c.clientSalt)
				return
			}
			c.serverSalt = p.ServerSalt
			c.lastSend = time.Time{} // answer on this tick
			c.setState(SendingChallengeResponse)
		}

	case SendingChallengeResponse:
		switch p := pkt.(type) {
		case *protocol.Reject:
			util.LogWarning("client: connection rejected by %s", from)
			c.reset()
		case *protocol.Heartbeat:
			if p.Salt != c.sessionSalt() {
				util.LogDebug("client: heartbeat salt mismatch (%016x)", p.Salt)
				return
			}
			c.slot = p.Slot
			c.lastSend = now
			util.LogSuccess("client: connected to %s as slot %d", from, p.Slot)
			c.setState(Connected)
		}

	case Connected:
		switch p := pkt.(type) {
		case *protocol.Disconnect:
			util.LogInfo("client: server %s closed the session", from)
			c.reset()
		case *protocol.Heartbeat:
			if p.Salt != c.sessionSalt() {
				util.LogDebug("client: heartbeat salt mismatch (%016x)", p.Salt)
			}
		case *protocol.Payload:
			if c.onPayload != nil {
				c.onPayload(p.Data)
			}
		}
	}
}

// Disconnect abandons the current attempt or session. When connected, the
// server is told so it can free the slot at once instead of timing out.
func (c *Client) Disconnect(now time.Time) {
	if c.state == Disconnected {
		return
	}
	if c.state == Connected {
		for i := 0; i < c.cfg.DisconnectCopies; i++ {
			c.tr.Send(c.server, &protocol.Disconnect{})
		}
		c.lastSend = now
	}
	util.LogInfo("client: disconnecting from %s", c.server)
	c.reset()
}

// SendPayload sends application bytes on an established session.
func (c *Client) SendPayload(data []byte) error {
	if c.state != Connected {
		return ErrNotConnected
	}
	c.tr.Send(c.server, &protocol.Payload{Data: data})
	return nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (c *Client) State() State                      { return c.state }
func (c *Client) Slot() uint32                      { return c.slot }
func (c *Client) ClientSalt() uint64                { return c.clientSalt }
func (c *Client) ServerSalt() uint64                { return c.serverSalt }
func (c *Client) ServerEndpoint() endpoint.Endpoint { return c.server }

// SessionSalt returns clientSalt ^ serverSalt, the value both sides present
// once the challenge has been observed.
func (c *Client) SessionSalt() uint64 { return c.sessionSalt() }

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (c *Client) sessionSalt() uint64 {
	return protocol.SessionSalt(c.clientSalt, c.serverSalt)
}

// sendStatePacket sends the packet the current state retransmits.
func (c *Client) sendStatePacket() {
	switch c.state {
	case RequestingConnection:
		util.LogDebug("client: sending connect to %s", c.server)
		c.tr.Send(c.server, &protocol.Connect{ClientSalt: c.clientSalt})
	case SendingChallengeResponse:
		util.LogDebug("client: sending challenge response to %s", c.server)
		c.tr.Send(c.server, &protocol.Response{Salt: c.sessionSalt()})
	case Connected:
		c.tr.Send(c.server, &protocol.Heartbeat{Salt: c.sessionSalt(), Slot: c.slot})
	}
}

func (c *Client) reset() {
	c.clientSalt = 0
	c.serverSalt = 0
	c.slot = 0
	c.setState(Disconnected)
}

func (c *Client) setState(s State) {
	if s == c.state {
		return
	}
	old := c.state
	c.state = s
	util.LogDebug("client: %s -> %s", old, s)
	if c.onState != nil {
		c.onState(old, s)
	}
}
