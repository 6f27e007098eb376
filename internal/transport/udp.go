package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/1ureka/saltshake/internal/endpoint"
	"github.com/1ureka/saltshake/internal/util"
)

// Tuning constants.
const (
	maxDatagramSize = 1500 // larger than any packet of this protocol
	inboxSize       = 256  // queued inbound datagrams before drops
)

// UDPConn is a PacketConn over a bound UDP socket. A reader goroutine
// hands datagrams to a bounded queue so the ticking goroutine remains the
// only one touching handshake state.
type UDPConn struct {
	conn  *net.UDPConn
	local endpoint.Endpoint
	inbox chan Datagram

	closeOnce sync.Once
	done      chan struct{}
}

var _ PacketConn = (*UDPConn)(nil)

// ListenUDP binds a UDP socket on addr ("host:port"; port 0 picks one).
func ListenUDP(addr string) (*UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	u := &UDPConn{
		conn:  conn,
		local: endpoint.FromUDPAddr(conn.LocalAddr().(*net.UDPAddr)),
		inbox: make(chan Datagram, inboxSize),
		done:  make(chan struct{}),
	}
	go u.readLoop()
	return u, nil
}

// readLoop is the single reader goroutine. It exits when the socket closes.
func (u *UDPConn) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP errors surface here on some platforms; treat as loss.
			util.LogDebug("udp read error: %v", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case u.inbox <- Datagram{From: endpoint.FromUDPAddr(from), Data: data}:
		case <-u.done:
			return
		default:
			util.Stats.AddDropped()
			util.LogDebug("udp inbox full, dropping datagram from %s", from)
		}
	}
}

func (u *UDPConn) WriteTo(b []byte, to endpoint.Endpoint) error {
	addr := to.UDPAddr()
	if addr == nil {
		return fmt.Errorf("invalid destination %s", to)
	}
	_, err := u.conn.WriteToUDP(b, addr)
	return err
}

func (u *UDPConn) TryRead() (Datagram, bool) {
	select {
	case d := <-u.inbox:
		return d, true
	default:
		return Datagram{}, false
	}
}

func (u *UDPConn) LocalEndpoint() endpoint.Endpoint { return u.local }

// Close closes the socket. Safe to call multiple times.
func (u *UDPConn) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.done)
		err = u.conn.Close()
	})
	return err
}
