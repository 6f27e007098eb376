package server

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go4.org/netipx"

	"github.com/1ureka/saltshake/internal/endpoint"
	"github.com/1ureka/saltshake/internal/metrics"
	"github.com/1ureka/saltshake/internal/protocol"
	"github.com/1ureka/saltshake/internal/salt"
	"github.com/1ureka/saltshake/internal/transport"
	"github.com/1ureka/saltshake/internal/util"
)

func init() { util.DisableLogging() }

var (
	srvEP = endpoint.IPv4(192, 168, 0, 1, 40000)
	cliA  = endpoint.IPv4(10, 0, 0, 1, 50001)
	cliB  = endpoint.IPv4(10, 0, 0, 2, 50002)

	t0 = time.Date(2024, 5, 27, 0, 0, 0, 0, time.UTC)
)

// harness is a server plus raw peers on a loopback network. Peers send
// hand-built packets and read back exactly what the server emitted.
type harness struct {
	t     *testing.T
	lo    *transport.Loopback
	srv   *Server
	m     *metrics.Metrics
	reg   *prometheus.Registry
	peers map[endpoint.Endpoint]*transport.Adapter
}

func newHarness(t *testing.T, cfg Config, salts salt.Source, opts ...Option) *harness {
	t.Helper()
	lo := transport.NewLoopback()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "test")
	opts = append([]Option{WithSaltSource(salts), WithMetrics(m)}, opts...)
	srv, err := New(transport.NewAdapter(lo.MustListen(srvEP)), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{t: t, lo: lo, srv: srv, m: m, reg: reg, peers: map[endpoint.Endpoint]*transport.Adapter{}}
}

func (h *harness) peer(ep endpoint.Endpoint) *transport.Adapter {
	if a, ok := h.peers[ep]; ok {
		return a
	}
	a := transport.NewAdapter(h.lo.MustListen(ep))
	h.peers[ep] = a
	return a
}

// send delivers pkt from ep and ticks the server at now.
func (h *harness) send(ep endpoint.Endpoint, pkt protocol.Packet, now time.Time) {
	h.peer(ep).Send(srvEP, pkt)
	h.srv.Tick(now)
}

// recv drains every packet the server sent to ep.
func (h *harness) recv(ep endpoint.Endpoint) []protocol.Packet {
	var out []protocol.Packet
	a := h.peer(ep)
	for {
		from, pkt, ok := a.Receive()
		if !ok {
			return out
		}
		if from != srvEP {
			h.t.Fatalf("packet from %v, want server", from)
		}
		out = append(out, pkt)
	}
}

func (h *harness) recvOne(ep endpoint.Endpoint) protocol.Packet {
	h.t.Helper()
	pkts := h.recv(ep)
	if len(pkts) != 1 {
		h.t.Fatalf("got %d packets for %v, want 1: %v", len(pkts), ep, pkts)
	}
	return pkts[0]
}

// handshake runs Connect/Challenge/Response for ep with clientSalt and
// returns the confirming heartbeat.
func (h *harness) handshake(ep endpoint.Endpoint, clientSalt uint64, now time.Time) *protocol.Heartbeat {
	h.t.Helper()
	h.send(ep, &protocol.Connect{ClientSalt: clientSalt}, now)
	ch, ok := h.recvOne(ep).(*protocol.Challenge)
	if !ok {
		h.t.Fatalf("connect from %v: no challenge", ep)
	}
	h.send(ep, &protocol.Response{Salt: ch.ClientSalt ^ ch.ServerSalt}, now)
	hb, ok := h.recvOne(ep).(*protocol.Heartbeat)
	if !ok {
		h.t.Fatalf("response from %v: no heartbeat", ep)
	}
	return hb
}

func TestHandshake(t *testing.T) {
	h := newHarness(t, DefaultConfig(), salt.NewSequence(0xB0B0B0B0B0B0B0B0))
	const clientSalt = 0xA1A1A1A1A1A1A1A1

	h.send(cliA, &protocol.Connect{ClientSalt: clientSalt}, t0)
	want := &protocol.Challenge{ClientSalt: clientSalt, ServerSalt: 0xB0B0B0B0B0B0B0B0}
	if diff := cmp.Diff(want, h.recvOne(cliA)); diff != "" {
		t.Fatalf("challenge mismatch (-want +got):\n%s", diff)
	}
	if h.srv.PendingCount() != 1 || h.srv.ConnectedCount() != 0 {
		t.Fatalf("pending=%d connected=%d, want 1/0", h.srv.PendingCount(), h.srv.ConnectedCount())
	}

	session := uint64(clientSalt ^ 0xB0B0B0B0B0B0B0B0)
	h.send(cliA, &protocol.Response{Salt: session}, t0.Add(10*time.Millisecond))
	if diff := cmp.Diff(&protocol.Heartbeat{Salt: session, Slot: 0}, h.recvOne(cliA)); diff != "" {
		t.Fatalf("heartbeat mismatch (-want +got):\n%s", diff)
	}
	if h.srv.PendingCount() != 0 || h.srv.ConnectedCount() != 1 {
		t.Fatalf("pending=%d connected=%d, want 0/1", h.srv.PendingCount(), h.srv.ConnectedCount())
	}

	info, ok := h.srv.SlotOf(cliA)
	if !ok {
		t.Fatal("SlotOf: not found")
	}
	wantInfo := SlotInfo{
		Index:        0,
		Peer:         cliA,
		ClientSalt:   clientSalt,
		ServerSalt:   0xB0B0B0B0B0B0B0B0,
		LastReceived: t0.Add(10 * time.Millisecond),
		LastSent:     t0.Add(10 * time.Millisecond),
	}
	if diff := cmp.Diff(wantInfo, info, cmp.Comparer(endpoint.Endpoint.Equal)); diff != "" {
		t.Errorf("slot info mismatch (-want +got):\n%s", diff)
	}

	if got := testutil.ToFloat64(h.m.Handshakes()); got != 1 {
		t.Errorf("handshakes = %v, want 1", got)
	}
}

// TestDuplicateConnect checks that retransmitted Connects neither grow the
// pending table nor change the server salt.
func TestDuplicateConnect(t *testing.T) {
	h := newHarness(t, DefaultConfig(), salt.NewSequence(1, 2, 3))

	for i := 0; i < 3; i++ {
		h.send(cliA, &protocol.Connect{ClientSalt: 42}, t0.Add(time.Duration(i)*100*time.Millisecond))
		ch, ok := h.recvOne(cliA).(*protocol.Challenge)
		if !ok {
			t.Fatalf("attempt %d: no challenge", i)
		}
		if ch.ServerSalt != 1 {
			t.Errorf("attempt %d: server salt = %d, want 1", i, ch.ServerSalt)
		}
	}
	if got := h.srv.PendingCount(); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
}

// TestRestartedConnect checks that a new client salt from the same endpoint
// replaces its pending entry.
func TestRestartedConnect(t *testing.T) {
	h := newHarness(t, DefaultConfig(), salt.NewSequence(1, 2))

	h.send(cliA, &protocol.Connect{ClientSalt: 42}, t0)
	h.recv(cliA)
	h.send(cliA, &protocol.Connect{ClientSalt: 43}, t0.Add(time.Second))
	ch := h.recvOne(cliA).(*protocol.Challenge)
	if ch.ClientSalt != 43 || ch.ServerSalt != 2 {
		t.Errorf("challenge = %+v, want client 43 server 2", ch)
	}
	if got := h.srv.PendingCount(); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
}

func TestServerFull(t *testing.T) {
	h := newHarness(t, DefaultConfig(), salt.NewSequence(7))
	h.handshake(cliA, 1, t0)

	h.send(cliB, &protocol.Connect{ClientSalt: 2}, t0)
	if _, ok := h.recvOne(cliB).(*protocol.Reject); !ok {
		t.Fatal("full server did not reject")
	}
	if got := h.srv.PendingCount(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	if got := testutil.ToFloat64(h.m.Denials(metrics.DenyServerFull)); got != 1 {
		t.Errorf("server_full denials = %v, want 1", got)
	}
}

func TestPendingFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 2
	cfg.MaxPending = 1
	h := newHarness(t, cfg, salt.NewSequence(7, 8))

	h.send(cliA, &protocol.Connect{ClientSalt: 1}, t0)
	h.recv(cliA)
	h.send(cliB, &protocol.Connect{ClientSalt: 2}, t0)
	if _, ok := h.recvOne(cliB).(*protocol.Reject); !ok {
		t.Fatal("full pending table did not reject")
	}
	if got := testutil.ToFloat64(h.m.Denials(metrics.DenyPendingFull)); got != 1 {
		t.Errorf("pending_full denials = %v, want 1", got)
	}
}

// TestResponseReplay checks that a repeated Response from a connected peer
// is answered with a heartbeat and allocates nothing.
func TestResponseReplay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 4
	h := newHarness(t, cfg, salt.NewSequence(9))
	hb := h.handshake(cliA, 5, t0)

	h.send(cliA, &protocol.Response{Salt: hb.Salt}, t0.Add(50*time.Millisecond))
	if diff := cmp.Diff(hb, h.recvOne(cliA)); diff != "" {
		t.Errorf("replayed heartbeat mismatch (-want +got):\n%s", diff)
	}
	if got := h.srv.ConnectedCount(); got != 1 {
		t.Errorf("connected = %d, want 1", got)
	}

	// Wrong salt on a connected endpoint is dropped.
	h.send(cliA, &protocol.Response{Salt: hb.Salt + 1}, t0.Add(60*time.Millisecond))
	if pkts := h.recv(cliA); len(pkts) != 0 {
		t.Errorf("bad replay answered with %v", pkts)
	}
}

// TestConnectWhileConnected covers a Connect from an endpoint that already
// holds a slot.
func TestConnectWhileConnected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 2
	h := newHarness(t, cfg, salt.NewSequence(9))
	hb := h.handshake(cliA, 5, t0)

	h.send(cliA, &protocol.Connect{ClientSalt: 5}, t0)
	if diff := cmp.Diff(hb, h.recvOne(cliA)); diff != "" {
		t.Errorf("same salt: heartbeat mismatch (-want +got):\n%s", diff)
	}

	h.send(cliA, &protocol.Connect{ClientSalt: 6}, t0)
	if _, ok := h.recvOne(cliA).(*protocol.Reject); !ok {
		t.Error("different salt: want reject")
	}
	if got := h.srv.ConnectedCount(); got != 1 {
		t.Errorf("connected = %d, want 1", got)
	}
}

func TestWrongSalt(t *testing.T) {
	h := newHarness(t, DefaultConfig(), salt.NewSequence(0xFF))

	h.send(cliA, &protocol.Connect{ClientSalt: 0x11}, t0)
	h.recv(cliA)
	h.send(cliA, &protocol.Response{Salt: 0x11}, t0)
	if pkts := h.recv(cliA); len(pkts) != 0 {
		t.Errorf("bad response answered with %v", pkts)
	}
	if h.srv.ConnectedCount() != 0 || h.srv.PendingCount() != 1 {
		t.Errorf("connected=%d pending=%d, want 0/1", h.srv.ConnectedCount(), h.srv.PendingCount())
	}
	if got := testutil.ToFloat64(h.m.Drops(metrics.DropBadSalt)); got != 1 {
		t.Errorf("bad_salt drops = %v, want 1", got)
	}
}

func TestResponseWithoutPending(t *testing.T) {
	h := newHarness(t, DefaultConfig(), salt.NewSequence(1))
	h.send(cliA, &protocol.Response{Salt: 1}, t0)
	if pkts := h.recv(cliA); len(pkts) != 0 {
		t.Errorf("unsolicited response answered with %v", pkts)
	}
	if got := testutil.ToFloat64(h.m.Drops(metrics.DropNoPending)); got != 1 {
		t.Errorf("no_pending drops = %v, want 1", got)
	}
}

// TestUnpaddedConnect checks that a Connect shorter than the padded size
// creates no state, even though it decodes.
func TestUnpaddedConnect(t *testing.T) {
	h := newHarness(t, DefaultConfig(), salt.NewSequence(1))

	raw := make([]byte, protocol.HeaderSize+100)
	binary.BigEndian.PutUint32(raw, protocol.ProtocolID)
	raw[protocol.IDSize] = byte(protocol.TypeConnect)
	binary.BigEndian.PutUint64(raw[protocol.HeaderSize:], 42)
	h.peer(cliA)
	h.lo.Inject(cliA, srvEP, raw)
	h.srv.Tick(t0)

	if pkts := h.recv(cliA); len(pkts) != 0 {
		t.Errorf("short connect answered with %v", pkts)
	}
	if got := h.srv.PendingCount(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	if got := testutil.ToFloat64(h.m.Drops(metrics.DropBadSize)); got != 1 {
		t.Errorf("bad_size drops = %v, want 1", got)
	}
}

func TestSlotTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig(), salt.NewSequence(3, 4))
	h.handshake(cliA, 1, t0)

	h.srv.Tick(t0.Add(5 * time.Second))
	if got := h.srv.ConnectedCount(); got != 1 {
		t.Fatalf("evicted at exactly the timeout: connected = %d", got)
	}
	h.srv.Tick(t0.Add(5*time.Second + time.Millisecond))
	if got := h.srv.ConnectedCount(); got != 0 {
		t.Fatalf("connected = %d after timeout, want 0", got)
	}
	h.recv(cliA)

	// The evicted endpoint can handshake again straight away.
	later := t0.Add(5*time.Second + 2*time.Millisecond)
	hb := h.handshake(cliA, 2, later)
	if hb.Slot != 0 {
		t.Errorf("slot = %d, want 0", hb.Slot)
	}
	if got := testutil.ToFloat64(h.m.Evictions(metrics.EvictSlotTimeout)); got != 1 {
		t.Errorf("slot_timeout evictions = %v, want 1", got)
	}
}

func TestHeartbeatKeepsSlot(t *testing.T) {
	h := newHarness(t, DefaultConfig(), salt.NewSequence(3))
	hb := h.handshake(cliA, 1, t0)

	for i := 1; i <= 10; i++ {
		h.send(cliA, &protocol.Heartbeat{Salt: hb.Salt, Slot: hb.Slot}, t0.Add(time.Duration(i)*time.Second))
	}
	if got := h.srv.ConnectedCount(); got != 1 {
		t.Errorf("connected = %d, want 1", got)
	}

	// A heartbeat with the wrong salt does not refresh the slot.
	h.send(cliA, &protocol.Heartbeat{Salt: hb.Salt ^ 1}, t0.Add(14*time.Second))
	h.srv.Tick(t0.Add(15*time.Second + time.Millisecond))
	if got := h.srv.ConnectedCount(); got != 0 {
		t.Errorf("connected = %d, want 0", got)
	}
}

func TestPeriodicHeartbeats(t *testing.T) {
	h := newHarness(t, DefaultConfig(), salt.NewSequence(3))
	hb := h.handshake(cliA, 1, t0)

	h.srv.Tick(t0.Add(999 * time.Millisecond))
	if pkts := h.recv(cliA); len(pkts) != 0 {
		t.Fatalf("heartbeat before the interval: %v", pkts)
	}
	h.srv.Tick(t0.Add(time.Second))
	if diff := cmp.Diff(hb, h.recvOne(cliA)); diff != "" {
		t.Errorf("periodic heartbeat mismatch (-want +got):\n%s", diff)
	}
}

func TestPendingTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig(), salt.NewSequence(3))
	h.send(cliA, &protocol.Connect{ClientSalt: 1}, t0)

	// Retransmits do not extend the deadline.
	h.send(cliA, &protocol.Connect{ClientSalt: 1}, t0.Add(3*time.Second))
	h.srv.Tick(t0.Add(4 * time.Second))
	if got := h.srv.PendingCount(); got != 1 {
		t.Fatalf("pending = %d at exactly the timeout, want 1", got)
	}
	h.srv.Tick(t0.Add(4*time.Second + time.Millisecond))
	if got := h.srv.PendingCount(); got != 0 {
		t.Fatalf("pending = %d after timeout, want 0", got)
	}
}

func TestDisconnect(t *testing.T) {
	var got []int
	h := newHarness(t, DefaultConfig(), salt.NewSequence(3),
		WithPayloadHandler(func(slot int, data []byte) { got = append(got, slot, len(data)) }))
	h.handshake(cliA, 1, t0)

	h.send(cliA, &protocol.Payload{Data: []byte("hello")}, t0)
	if diff := cmp.Diff([]int{0, 5}, got); diff != "" {
		t.Errorf("payload handler mismatch (-want +got):\n%s", diff)
	}

	h.send(cliA, &protocol.Disconnect{}, t0)
	if n := h.srv.ConnectedCount(); n != 0 {
		t.Errorf("connected = %d after disconnect, want 0", n)
	}
	if _, ok := h.srv.Slot(0); ok {
		t.Error("slot 0 still occupied")
	}

	// Payload from an unconnected endpoint is not delivered.
	h.send(cliB, &protocol.Payload{Data: []byte("x")}, t0)
	if len(got) != 2 {
		t.Errorf("payload from unconnected peer delivered: %v", got)
	}
}

func TestAllowList(t *testing.T) {
	var b netipx.IPSetBuilder
	b.AddPrefix(netip.MustParsePrefix("10.0.0.0/31"))
	set, err := b.IPSet()
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, DefaultConfig(), salt.NewSequence(3), WithAllowList(set))

	h.send(cliB, &protocol.Connect{ClientSalt: 1}, t0)
	if pkts := h.recv(cliB); len(pkts) != 0 {
		t.Errorf("peer outside allow list answered with %v", pkts)
	}
	h.send(cliA, &protocol.Connect{ClientSalt: 1}, t0)
	if _, ok := h.recvOne(cliA).(*protocol.Challenge); !ok {
		t.Error("allowed peer got no challenge")
	}
}

func TestMultipleClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 3
	h := newHarness(t, cfg, salt.NewSequence(11, 22, 33))

	eps := []endpoint.Endpoint{cliA, cliB, endpoint.IPv4(10, 0, 0, 3, 50003)}
	for i, ep := range eps {
		hb := h.handshake(ep, uint64(100+i), t0)
		if int(hb.Slot) != i {
			t.Errorf("%v: slot = %d, want %d", ep, hb.Slot, i)
		}
	}
	// Slot 1 leaves; the next peer takes the lowest free index.
	h.send(cliB, &protocol.Disconnect{}, t0)
	hb := h.handshake(endpoint.IPv4(10, 0, 0, 4, 50004), 200, t0)
	if hb.Slot != 1 {
		t.Errorf("slot = %d, want 1", hb.Slot)
	}
	if got := len(h.srv.Slots()); got != 3 {
		t.Errorf("len(Slots()) = %d, want 3", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"zero clients", func(c *Config) { c.MaxClients = 0 }, false},
		{"negative pending", func(c *Config) { c.MaxPending = -1 }, false},
		{"zero slot timeout", func(c *Config) { c.SlotTimeout = 0 }, false},
		{"zero pending timeout", func(c *Config) { c.PendingTimeout = 0 }, false},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
