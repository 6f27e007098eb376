// Package server accepts salted handshakes from many peers, tracks a bounded
// set of connection slots, and evicts peers that fall silent.
//
// A Server is not safe for concurrent use. The goroutine that calls Tick
// owns every table; transports hand inbound datagrams over through their
// own queues.
package server

import (
	"errors"
	"fmt"
	"time"

	"go4.org/netipx"

	"github.com/1ureka/saltshake/internal/endpoint"
	"github.com/1ureka/saltshake/internal/metrics"
	"github.com/1ureka/saltshake/internal/protocol"
	"github.com/1ureka/saltshake/internal/salt"
	"github.com/1ureka/saltshake/internal/transport"
	"github.com/1ureka/saltshake/internal/util"
)

// Config holds capacity and timing parameters.
type Config struct {
	MaxClients int
	// MaxPending bounds concurrent unauthenticated handshakes. Zero
	// means MaxClients.
	MaxPending int

	SlotTimeout       time.Duration // silence before a connected slot is freed
	PendingTimeout    time.Duration // age before a pending handshake is dropped
	HeartbeatInterval time.Duration // keepalive cadence towards connected peers
}

// DefaultConfig returns a single-slot server with the protocol's standard
// timings.
func DefaultConfig() Config {
	return Config{
		MaxClients:        1,
		SlotTimeout:       5 * time.Second,
		PendingTimeout:    4 * time.Second,
		HeartbeatInterval: time.Second,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.MaxClients < 1:
		return fmt.Errorf("max clients must be positive, got %d", c.MaxClients)
	case c.MaxPending < 0:
		return fmt.Errorf("max pending must not be negative, got %d", c.MaxPending)
	case c.SlotTimeout <= 0:
		return errors.New("slot timeout must be positive")
	case c.PendingTimeout <= 0:
		return errors.New("pending timeout must be positive")
	case c.HeartbeatInterval <= 0:
		return errors.New("heartbeat interval must be positive")
	}
	return nil
}

// Option configures a Server.
type Option func(*Server)

// WithSaltSource sets the source of server salts (default salt.Crypto()).
func WithSaltSource(s salt.Source) Option {
	return func(srv *Server) { srv.salts = s }
}

// WithMetrics records handshake activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// WithAllowList drops every packet whose source address is outside set.
func WithAllowList(set *netipx.IPSet) Option {
	return func(srv *Server) { srv.allow = set }
}

// WithPayloadHandler registers fn for Payload packets from connected peers.
func WithPayloadHandler(fn func(slot int, data []byte)) Option {
	return func(srv *Server) { srv.onPayload = fn }
}

// SlotInfo is a read-only view of a connected slot.
type SlotInfo struct {
	Index        int
	Peer         endpoint.Endpoint
	ClientSalt   uint64
	ServerSalt   uint64
	LastReceived time.Time
	LastSent     time.Time
}

// Server is the accepting side of the handshake.
type Server struct {
	tr        *transport.Adapter
	cfg       Config
	salts     salt.Source
	metrics   *metrics.Metrics
	allow     *netipx.IPSet
	onPayload func(int, []byte)

	pending *pendingTable
	slots   *slotTable
	now     time.Time
}

// New returns a Server sending through tr.
func New(tr *transport.Adapter, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = cfg.MaxClients
	}

	s := &Server{
		tr:      tr,
		cfg:     cfg,
		salts:   salt.Crypto(),
		pending: newPendingTable(cfg.MaxPending),
		slots:   newSlotTable(cfg.MaxClients),
	}
	for _, opt := range opts {
		opt(s)
	}
	if tr != nil {
		tr.OnDrop = func(endpoint.Endpoint, error) { s.metrics.Drop(metrics.DropDecode) }
	}
	util.LogInfo("server: started with %d slots, %d pending", cfg.MaxClients, cfg.MaxPending)
	return s, nil
}

// ---------------------------------------------------------------------------
// Tick
// ---------------------------------------------------------------------------

// Tick drains every queued inbound packet, then evicts silent slots and
// stale pending handshakes and sends due heartbeats.
func (s *Server) Tick(now time.Time) {
	for {
		from, pkt, ok := s.tr.Receive()
		if !ok {
			break
		}
		s.HandlePacket(from, pkt, now)
	}

	s.now = now
	s.evictSilentSlots(now)
	s.sweepPending(now)
	s.sendDueHeartbeats(now)
	s.metrics.SetOccupancy(s.slots.count(), s.pending.len())
}

// HandlePacket routes one decoded packet by type.
func (s *Server) HandlePacket(from endpoint.Endpoint, pkt protocol.Packet, now time.Time) {
	s.now = now
	if s.allow != nil && !s.allow.Contains(from.Addr()) {
		s.metrics.Drop(metrics.DropNotAllowed)
		util.LogDebug("server: %s from %s is outside the allow list", pkt.Type(), from)
		return
	}

	switch p := pkt.(type) {
	case *protocol.Connect:
		s.onConnect(from, p.ClientSalt, p.BodySize)
	case *protocol.Response:
		s.onChallengeResponse(from, p.Salt, p.BodySize)
	case *protocol.Heartbeat:
		s.onHeartbeat(from, p)
	case *protocol.Payload:
		s.onPayloadPacket(from, p)
	case *protocol.Disconnect:
		s.onDisconnect(from)
	default:
		s.metrics.Drop(metrics.DropUnexpected)
		util.LogDebug("server: ignoring %s from %s", pkt.Type(), from)
	}
}

// ---------------------------------------------------------------------------
// Handshake handlers
// ---------------------------------------------------------------------------

func (s *Server) onConnect(from endpoint.Endpoint, clientSalt uint64, bodySize int) {
	if bodySize != protocol.PaddedBodySize {
		s.metrics.Drop(metrics.DropBadSize)
		util.LogDebug("server: connect from %s has body size %d, want %d", from, bodySize, protocol.PaddedBodySize)
		return
	}

	if i, sl, ok := s.slots.lookup(from); ok {
		if sl.clientSalt != clientSalt {
			// Confirming would hand the live session salt to whoever sent the new salt.
			util.LogWarning("server: %s is connected as slot %d with another salt, denying", from, i)
			s.deny(from, metrics.DenyAlreadyAttached)
			return
		}
		util.LogDebug("server: %s already connected as slot %d, resending confirmation", from, i)
		s.sendHeartbeat(i)
		return
	}

	if s.slots.full() {
		util.LogInfo("server: full, denying connect from %s", from)
		s.deny(from, metrics.DenyServerFull)
		return
	}

	if i := s.pending.find(from); i >= 0 {
		p := s.pending.at(i)
		if p.clientSalt == clientSalt {
			// Retransmit: answer with the stored salt, never a new one.
			s.sendChallenge(p)
			return
		}
		// Same endpoint, new attempt. It replaces the old record.
		util.LogDebug("server: %s restarted its handshake", from)
		s.pending.removeAt(i)
	}

	if s.pending.full() {
		util.LogInfo("server: pending table full, denying connect from %s", from)
		s.deny(from, metrics.DenyPendingFull)
		return
	}

	p := pendingConn{
		peer:        from,
		clientSalt:  clientSalt,
		serverSalt:  s.salts.Salt(),
		requestedAt: s.now,
	}
	s.pending.insert(p)
	util.LogDebug("server: pending connection from %s (client %016x, server %016x)", from, p.clientSalt, p.serverSalt)
	s.sendChallenge(&p)
}

func (s *Server) onChallengeResponse(from endpoint.Endpoint, presented uint64, bodySize int) {
	if bodySize != protocol.PaddedBodySize {
		s.metrics.Drop(metrics.DropBadSize)
		util.LogDebug("server: response from %s has body size %d, want %d", from, bodySize, protocol.PaddedBodySize)
		return
	}

	if i, sl, ok := s.slots.lookup(from); ok {
		if presented != sl.sessionSalt() {
			s.metrics.Drop(metrics.DropBadSalt)
			util.LogDebug("server: response from connected %s carries the wrong salt", from)
			return
		}
		sl.lastRecv = s.now
		s.sendHeartbeat(i)
		return
	}

	pi := s.pending.find(from)
	if pi < 0 {
		s.metrics.Drop(metrics.DropNoPending)
		util.LogDebug("server: response from %s without a pending connection", from)
		return
	}
	p := *s.pending.at(pi)
	if presented != protocol.SessionSalt(p.clientSalt, p.serverSalt) {
		s.metrics.Drop(metrics.DropBadSalt)
		util.LogWarning("server: response from %s failed salt check", from)
		return
	}

	s.pending.removeAt(pi)
	i, ok := s.slots.allocate(p, s.now)
	if !ok {
		util.LogInfo("server: no free slot for authenticated %s, denying", from)
		s.deny(from, metrics.DenyServerFull)
		return
	}

	s.metrics.Handshake()
	util.LogSuccess("server: client %s connected at slot %d", from, i)
	s.sendHeartbeat(i)
}

// ---------------------------------------------------------------------------
// Session handlers
// ---------------------------------------------------------------------------

func (s *Server) onHeartbeat(from endpoint.Endpoint, p *protocol.Heartbeat) {
	_, sl, ok := s.slots.lookup(from)
	if !ok {
		s.metrics.Drop(metrics.DropUnconnected)
		return
	}
	if p.Salt != sl.sessionSalt() {
		s.metrics.Drop(metrics.DropBadSalt)
		util.LogDebug("server: heartbeat from %s carries the wrong salt", from)
		return
	}
	sl.lastRecv = s.now
}

func (s *Server) onPayloadPacket(from endpoint.Endpoint, p *protocol.Payload) {
	i, sl, ok := s.slots.lookup(from)
	if !ok {
		s.metrics.Drop(metrics.DropUnconnected)
		return
	}
	sl.lastRecv = s.now
	if s.onPayload != nil {
		s.onPayload(i, p.Data)
	}
}

func (s *Server) onDisconnect(from endpoint.Endpoint) {
	if i, _, ok := s.slots.lookup(from); ok {
		s.slots.free(i)
		s.metrics.Evict(metrics.EvictDisconnect)
		util.LogInfo("server: client %s disconnected from slot %d", from, i)
		return
	}
	if i := s.pending.find(from); i >= 0 {
		s.pending.removeAt(i)
		s.metrics.Evict(metrics.EvictDisconnect)
		util.LogDebug("server: pending %s abandoned its handshake", from)
	}
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

func (s *Server) evictSilentSlots(now time.Time) {
	for i := range s.slots.slots {
		sl := &s.slots.slots[i]
		if !sl.occupied || now.Sub(sl.lastRecv) <= s.cfg.SlotTimeout {
			continue
		}
		util.LogInfo("server: client %s at slot %d timed out", sl.peer, i)
		s.slots.free(i)
		s.metrics.Evict(metrics.EvictSlotTimeout)
	}
}

func (s *Server) sweepPending(now time.Time) {
	for _, p := range s.pending.sweep(now, s.cfg.PendingTimeout) {
		util.LogDebug("server: pending connection from %s expired", p.peer)
		s.metrics.Evict(metrics.EvictPendingTimeout)
	}
}

func (s *Server) sendDueHeartbeats(now time.Time) {
	for i := range s.slots.slots {
		sl := &s.slots.slots[i]
		if sl.occupied && now.Sub(sl.lastSent) >= s.cfg.HeartbeatInterval {
			s.sendHeartbeat(i)
		}
	}
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

func (s *Server) sendChallenge(p *pendingConn) {
	s.metrics.Challenge()
	s.tr.Send(p.peer, &protocol.Challenge{ClientSalt: p.clientSalt, ServerSalt: p.serverSalt})
}

// sendHeartbeat confirms slot i to its peer: the session salt plus the
// slot index the peer should use as its ID.
func (s *Server) sendHeartbeat(i int) {
	sl := &s.slots.slots[i]
	sl.lastSent = s.now
	s.tr.Send(sl.peer, &protocol.Heartbeat{Salt: sl.sessionSalt(), Slot: uint32(i)})
}

func (s *Server) deny(to endpoint.Endpoint, reason string) {
	s.metrics.Deny(reason)
	s.tr.Send(to, &protocol.Reject{})
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (s *Server) ConnectedCount() int { return s.slots.count() }
func (s *Server) PendingCount() int   { return s.pending.len() }
func (s *Server) MaxClients() int     { return s.cfg.MaxClients }

// Slot returns slot i if it is occupied.
func (s *Server) Slot(i int) (SlotInfo, bool) {
	if i < 0 || i >= len(s.slots.slots) || !s.slots.slots[i].occupied {
		return SlotInfo{}, false
	}
	return s.slotInfo(i), true
}

// SlotOf returns the slot held by ep.
func (s *Server) SlotOf(ep endpoint.Endpoint) (SlotInfo, bool) {
	i, _, ok := s.slots.lookup(ep)
	if !ok {
		return SlotInfo{}, false
	}
	return s.slotInfo(i), true
}

// Slots returns every occupied slot in index order.
func (s *Server) Slots() []SlotInfo {
	var out []SlotInfo
	for i := range s.slots.slots {
		if s.slots.slots[i].occupied {
			out = append(out, s.slotInfo(i))
		}
	}
	return out
}

func (s *Server) slotInfo(i int) SlotInfo {
	sl := s.slots.slots[i]
	return SlotInfo{
		Index:        i,
		Peer:         sl.peer,
		ClientSalt:   sl.clientSalt,
		ServerSalt:   sl.serverSalt,
		LastReceived: sl.lastRecv,
		LastSent:     sl.lastSent,
	}
}
