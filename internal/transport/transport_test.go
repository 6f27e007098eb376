package transport

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/1ureka/saltshake/internal/endpoint"
	"github.com/1ureka/saltshake/internal/protocol"
	"github.com/1ureka/saltshake/internal/util"
)

func init() { util.DisableLogging() }

var (
	epA = endpoint.IPv4(10, 0, 0, 1, 1000)
	epB = endpoint.IPv4(10, 0, 0, 2, 2000)
)

// TestAdapterRoundTrip sends every packet type across a loopback link.
func TestAdapterRoundTrip(t *testing.T) {
	lo := NewLoopback()
	a := NewAdapter(lo.MustListen(epA))
	b := NewAdapter(lo.MustListen(epB))

	sent := []protocol.Packet{
		&protocol.Connect{ClientSalt: 1},
		&protocol.Challenge{ClientSalt: 1, ServerSalt: 2},
		&protocol.Heartbeat{Salt: 3, Slot: 4},
		&protocol.Disconnect{},
	}
	for _, p := range sent {
		a.Send(epB, p)
	}
	for i, want := range sent {
		from, got, ok := b.Receive()
		if !ok {
			t.Fatalf("packet %d: queue empty", i)
		}
		if from != epA {
			t.Errorf("packet %d: from = %v, want %v", i, from, epA)
		}
		if got.Type() != want.Type() {
			t.Errorf("packet %d: type = %v, want %v", i, got.Type(), want.Type())
		}
	}
	if _, _, ok := b.Receive(); ok {
		t.Error("Receive returned a packet from an empty queue")
	}
}

// TestAdapterDiscardsMalformed checks that foreign, truncated and unknown
// datagrams never reach the caller, and that valid ones behind them do.
func TestAdapterDiscardsMalformed(t *testing.T) {
	lo := NewLoopback()
	conn := lo.MustListen(epB)
	a := NewAdapter(conn)

	var drops []error
	a.OnDrop = func(_ endpoint.Endpoint, err error) { drops = append(drops, err) }

	foreign := protocol.Marshal(&protocol.Reject{})
	binary.BigEndian.PutUint32(foreign, 0x01020304)
	truncated := protocol.Marshal(&protocol.Heartbeat{})[:protocol.HeaderSize+3]
	unknown := append(protocol.Marshal(&protocol.Reject{})[:protocol.IDSize], 0x42)

	lo.Inject(epA, epB, foreign)
	lo.Inject(epA, epB, truncated)
	lo.Inject(epA, epB, unknown)
	lo.Inject(epA, epB, []byte{1, 2})
	lo.Inject(epA, epB, protocol.Marshal(&protocol.Reject{}))

	_, pkt, ok := a.Receive()
	if !ok || pkt.Type() != protocol.TypeReject {
		t.Fatalf("Receive = %v, %v; want reject", pkt, ok)
	}
	if len(drops) != 4 {
		t.Fatalf("dropped %d datagrams, want 4", len(drops))
	}
	wantErrs := []error{protocol.ErrProtocolID, protocol.ErrTruncated, protocol.ErrUnknownType, protocol.ErrTruncated}
	for i, want := range wantErrs {
		if !errors.Is(drops[i], want) {
			t.Errorf("drop %d: err = %v, want %v", i, drops[i], want)
		}
	}
}

func TestLoopbackIntercept(t *testing.T) {
	lo := NewLoopback()
	a := lo.MustListen(epA)
	b := lo.MustListen(epB)

	n := 0
	lo.Intercept = func(from, to endpoint.Endpoint, _ []byte) bool {
		n++
		return n%2 == 0 // drop every other datagram
	}
	for i := 0; i < 4; i++ {
		if err := a.WriteTo([]byte{byte(i)}, epB); err != nil {
			t.Fatal(err)
		}
	}
	if got := b.Pending(); got != 2 {
		t.Fatalf("delivered %d datagrams, want 2", got)
	}
	d, _ := b.TryRead()
	if d.Data[0] != 1 {
		t.Errorf("first delivered datagram = %d, want 1", d.Data[0])
	}
}

func TestLoopbackListenConflicts(t *testing.T) {
	lo := NewLoopback()
	c := lo.MustListen(epA)
	if _, err := lo.Listen(epA); err == nil {
		t.Error("second Listen on the same endpoint succeeded")
	}
	if _, err := lo.Listen(endpoint.Endpoint{}); err == nil {
		t.Error("Listen on the invalid endpoint succeeded")
	}
	c.Close()
	if err := c.WriteTo([]byte{1}, epB); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteTo after Close = %v, want ErrClosed", err)
	}
	if _, err := lo.Listen(epA); err != nil {
		t.Errorf("Listen after Close: %v", err)
	}
}

// TestUDPConn exchanges a packet over real loopback sockets.
func TestUDPConn(t *testing.T) {
	srv, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer srv.Close()
	cli, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	if srv.LocalEndpoint().Port() == 0 {
		t.Fatal("server bound to port 0")
	}

	a := NewAdapter(cli)
	b := NewAdapter(srv)
	a.Send(srv.LocalEndpoint(), &protocol.Connect{ClientSalt: 99})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		from, pkt, ok := b.Receive()
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if from != cli.LocalEndpoint() {
			t.Errorf("from = %v, want %v", from, cli.LocalEndpoint())
		}
		c, isConnect := pkt.(*protocol.Connect)
		if !isConnect || c.ClientSalt != 99 || c.BodySize != protocol.PaddedBodySize {
			t.Errorf("received %s, want padded connect salt=99", protocol.Summary(pkt))
		}
		return
	}
	t.Fatal("no datagram received within 2s")
}
