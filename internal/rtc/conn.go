package rtc

import (
	"errors"
	"sync"

	"github.com/1ureka/saltshake/internal/endpoint"
	"github.com/1ureka/saltshake/internal/transport"
	"github.com/1ureka/saltshake/internal/util"
)

const inboxSize = 256 // queued inbound datagrams across all peers

// ErrClosed is returned by WriteTo after Close.
var ErrClosed = errors.New("rtc conn closed")

// Conn is a transport.PacketConn over a route table of Peers. Inbound
// messages from every peer land in one bounded queue, tagged with the
// peer's endpoint.
type Conn struct {
	local endpoint.Endpoint
	inbox chan transport.Datagram

	mu     sync.Mutex
	routes map[endpoint.Endpoint]*Peer
	closed bool

	// OnDetach, if set, is called after a peer leaves the route table.
	OnDetach func(endpoint.Endpoint)
}

var _ transport.PacketConn = (*Conn)(nil)

// NewConn returns an empty Conn identified locally as local.
func NewConn(local endpoint.Endpoint) *Conn {
	return &Conn{
		local:  local,
		inbox:  make(chan transport.Datagram, inboxSize),
		routes: make(map[endpoint.Endpoint]*Peer),
	}
}

// Attach adds p to the route table, replacing any previous peer at the same
// endpoint, and removes it again once p is done.
func (c *Conn) Attach(p *Peer) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.routes[p.remote]
	c.routes[p.remote] = p
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	p.onMessage(func(b []byte) { c.deliver(p.remote, b) })

	go func() {
		<-p.Done()
		c.mu.Lock()
		if c.routes[p.remote] == p {
			delete(c.routes, p.remote)
		}
		c.mu.Unlock()
		util.LogDebug("rtc: peer %s detached", p.remote)
		if c.OnDetach != nil {
			c.OnDetach(p.remote)
		}
	}()
	return nil
}

// deliver queues one inbound message. The callback runs on a pion
// goroutine, so a full queue drops rather than stalls it.
func (c *Conn) deliver(from endpoint.Endpoint, b []byte) {
	data := make([]byte, len(b))
	copy(data, b)

	select {
	case c.inbox <- transport.Datagram{From: from, Data: data}:
	default:
		util.Stats.AddDropped()
		util.LogDebug("rtc: inbox full, dropping datagram from %s", from)
	}
}

// WriteTo sends b to the peer at to. Datagrams for unknown endpoints vanish
// and queue overflow drops; both count as loss.
func (c *Conn) WriteTo(b []byte, to endpoint.Endpoint) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	p, ok := c.routes[to]
	c.mu.Unlock()

	if !ok {
		util.LogDebug("rtc: no peer at %s", to)
		return nil
	}
	data := make([]byte, len(b))
	copy(data, b)
	if !p.send(data) {
		util.Stats.AddDropped()
	}
	return nil
}

func (c *Conn) TryRead() (transport.Datagram, bool) {
	select {
	case d := <-c.inbox:
		return d, true
	default:
		return transport.Datagram{}, false
	}
}

func (c *Conn) LocalEndpoint() endpoint.Endpoint { return c.local }

// Peers returns the number of attached peers.
func (c *Conn) Peers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.routes)
}

// Close closes every attached peer. Safe to call multiple times.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peers := make([]*Peer, 0, len(c.routes))
	for _, p := range c.routes {
		peers = append(peers, p)
	}
	c.routes = make(map[endpoint.Endpoint]*Peer)
	c.mu.Unlock()

	var errs []error
	for _, p := range peers {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
