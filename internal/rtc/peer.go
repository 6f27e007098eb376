// Package rtc carries handshake datagrams over WebRTC DataChannels. Each
// remote peer gets its own PeerConnection; a Conn multiplexes them behind
// the transport.PacketConn interface, keyed by the endpoint the signaling
// layer assigned.
package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/saltshake/internal/endpoint"
	"github.com/1ureka/saltshake/internal/util"
)

// DefaultSTUNServers are used for ICE candidate gathering. No TURN; peers
// are expected to reach each other directly.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	var config webrtc.Configuration
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated channel with UDP semantics:
// unordered and never retransmitted. Negotiated mode (ID 0) lets both
// sides create it without waiting on OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	maxRetransmits := uint16(0)
	id := uint16(0)

	return pc.CreateDataChannel("saltshake", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
		Negotiated:     &negotiated,
		ID:             &id,
	})
}

// Peer is one PeerConnection and its datagram channel.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction. The PeerConnection state is recorded for diagnostics.
type Peer struct {
	remote endpoint.Endpoint

	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewPeer creates a Peer for remote. With no iceServers only host
// candidates are gathered. The caller performs signaling through the
// exposed methods and then attaches the peer to a Conn.
func NewPeer(ctx context.Context, remote endpoint.Endpoint, iceServers []string) (*Peer, error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	pCtx, pCancel := context.WithCancel(ctx)

	p := &Peer{
		remote:     remote,
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        pCtx,
		cancel:     pCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(p.openSignal) })
	})

	dc.OnClose(func() {
		util.LogDebug("rtc: channel to %s closed", remote)
		pCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("rtc: peer %s connection state %s", remote, state)
		p.mu.Lock()
		p.pcState = state
		p.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			pCancel()
		}
	})

	p.sender = newSender(pCtx, dc, p.openSignal)
	return p, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Remote returns the endpoint this peer is addressed by.
func (p *Peer) Remote() endpoint.Endpoint { return p.remote }

// Ready is closed once the DataChannel is open.
func (p *Peer) Ready() <-chan struct{} { return p.openSignal }

// Done is closed when the channel closes or the parent context ends.
func (p *Peer) Done() <-chan struct{} { return p.ctx.Done() }

// Close shuts down the DataChannel and PeerConnection.
func (p *Peer) Close() error {
	p.cancel()
	return errors.Join(p.dc.Close(), p.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *Peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers fn for every gathered local candidate. A nil
// candidate signals the end of gathering.
func (p *Peer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// send queues b for the channel. It never blocks; see sender.enqueue.
func (p *Peer) send(b []byte) bool { return p.sender.enqueue(b) }

// onMessage registers fn for every inbound channel message.
func (p *Peer) onMessage(fn func([]byte)) {
	p.dc.OnMessage(func(msg webrtc.DataChannelMessage) { fn(msg.Data) })
}
