package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/saltshake/internal/endpoint"
)

// ErrClosed is returned by operations on a closed loopback conn.
var ErrClosed = errors.New("loopback conn closed")

// Loopback is an in-process datagram network for local harnesses and tests.
// Conns attached to the same Loopback may be driven from different
// goroutines; the network serializes all access itself.
type Loopback struct {
	mu    sync.Mutex
	conns map[endpoint.Endpoint]*LoopbackConn

	// Intercept, if set, sees every datagram before delivery and may drop
	// it by returning false. Called with the network lock held.
	Intercept func(from, to endpoint.Endpoint, b []byte) bool
}

// NewLoopback returns an empty network.
func NewLoopback() *Loopback {
	return &Loopback{conns: make(map[endpoint.Endpoint]*LoopbackConn)}
}

// Listen attaches a conn at ep.
func (l *Loopback) Listen(ep endpoint.Endpoint) (*LoopbackConn, error) {
	if !ep.IsValid() {
		return nil, fmt.Errorf("invalid loopback endpoint %s", ep)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.conns[ep]; ok {
		return nil, fmt.Errorf("loopback endpoint %s already in use", ep)
	}
	c := &LoopbackConn{net: l, local: ep}
	l.conns[ep] = c
	return c, nil
}

// MustListen is like Listen but panics on error.
func (l *Loopback) MustListen(ep endpoint.Endpoint) *LoopbackConn {
	c, err := l.Listen(ep)
	if err != nil {
		panic(err)
	}
	return c
}

// Inject queues a raw datagram for to as if it came from from, bypassing
// Intercept. Returns false if no conn listens at to.
func (l *Loopback) Inject(from, to endpoint.Endpoint, b []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.conns[to]
	if !ok {
		return false
	}
	c.queue = append(c.queue, Datagram{From: from, Data: append([]byte(nil), b...)})
	return true
}

// LoopbackConn is one endpoint on a Loopback network.
type LoopbackConn struct {
	net    *Loopback
	local  endpoint.Endpoint
	queue  []Datagram // guarded by net.mu
	closed bool       // guarded by net.mu
}

var _ PacketConn = (*LoopbackConn)(nil)

// WriteTo delivers a copy of b to the conn at to. Datagrams to unknown
// endpoints vanish, as they would on a real network.
func (c *LoopbackConn) WriteTo(b []byte, to endpoint.Endpoint) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if f := c.net.Intercept; f != nil && !f(c.local, to, b) {
		return nil
	}
	dst, ok := c.net.conns[to]
	if !ok {
		return nil
	}
	dst.queue = append(dst.queue, Datagram{From: c.local, Data: append([]byte(nil), b...)})
	return nil
}

func (c *LoopbackConn) TryRead() (Datagram, bool) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if len(c.queue) == 0 {
		return Datagram{}, false
	}
	d := c.queue[0]
	c.queue[0] = Datagram{}
	c.queue = c.queue[1:]
	return d, true
}

// Pending returns the number of queued inbound datagrams.
func (c *LoopbackConn) Pending() int {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return len(c.queue)
}

func (c *LoopbackConn) LocalEndpoint() endpoint.Endpoint { return c.local }

// Close detaches the conn from the network and discards its queue.
func (c *LoopbackConn) Close() error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.queue = nil
	delete(c.net.conns, c.local)
	return nil
}
