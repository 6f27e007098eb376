package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/saltshake/internal/rtc"
	"github.com/1ureka/saltshake/internal/util"
)

// negotiateTimeout bounds one exchange from first message to both channels
// being open.
var negotiateTimeout = 20 * time.Second

var errNegotiateTimeout = errors.New("negotiation timed out")

// exchange drives SDP/ICE negotiation for one peer over one WebSocket.
type exchange struct {
	peer *rtc.Peer
	ws   *websocket.Conn
	mu   sync.Mutex // serializes writes to ws

	described   atomic.Bool   // remote description applied
	remoteReady chan struct{} // closed when the other side reports its channel open
	readyOnce   sync.Once
}

func (e *exchange) send(msg message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ws.WriteJSON(msg)
}

func (e *exchange) sendOffer() error {
	offer, err := e.peer.CreateOffer()
	if err != nil {
		return err
	}
	if err := e.peer.SetLocalDescription(offer); err != nil {
		return err
	}
	return e.send(message{Type: msgTypeOffer, SDP: offer.SDP})
}

func (e *exchange) sendAnswer() error {
	answer, err := e.peer.CreateAnswer()
	if err != nil {
		return err
	}
	if err := e.peer.SetLocalDescription(answer); err != nil {
		return err
	}
	return e.send(message{Type: msgTypeAnswer, SDP: answer.SDP})
}

// watch applies inbound signaling messages until the WebSocket fails.
func (e *exchange) watch() error {
	for {
		var msg message
		if err := e.ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read signaling message: %w", err)
		}

		switch msg.Type {
		case msgTypeOffer:
			if err := e.peer.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			e.described.Store(true)
			if err := e.sendAnswer(); err != nil {
				return err
			}

		case msgTypeAnswer:
			if err := e.peer.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			e.described.Store(true)

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("parse ICE candidate: %w", err)
			}
			if err := e.peer.AddICECandidate(init); err != nil {
				return err
			}

		case msgTypeReady:
			e.readyOnce.Do(func() { close(e.remoteReady) })
		}
	}
}

// run negotiates until the DataChannel is open locally and the other side
// has reported the same, so neither side closes the WebSocket early. The
// offering side sends the first message; the other waits for it. Once the
// remote description is applied, losing the WebSocket only ends the wait for
// the other side's report; the local channel may still open.
func (e *exchange) run(ctx context.Context, offer bool) error {
	e.remoteReady = make(chan struct{})
	e.peer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		if err := e.send(message{Type: msgTypeCandidate, Candidate: string(data)}); err != nil {
			// The socket closes once both channels are open; late candidates are moot.
			util.LogDebug("signaling: candidate not sent: %v", err)
		}
	})

	errCh := make(chan error, 1)
	go func(ch chan<- error) { ch <- e.watch() }(errCh)

	if offer {
		if err := e.sendOffer(); err != nil {
			return fmt.Errorf("send offer: %w", err)
		}
	}

	timeout := time.NewTimer(negotiateTimeout)
	defer timeout.Stop()

	local, remote := e.peer.Ready(), (<-chan struct{})(e.remoteReady)
	for local != nil || remote != nil {
		select {
		case <-local:
			local = nil
			if err := e.send(message{Type: msgTypeReady}); err != nil {
				util.LogDebug("signaling: ready not sent: %v", err)
			}
		case <-remote:
			remote = nil
		case err := <-errCh:
			errCh = nil
			if !e.described.Load() {
				return fmt.Errorf("signaling failed: %w", err)
			}
			util.LogDebug("signaling: websocket gone after negotiation: %v", err)
			remote = nil
		case <-timeout.C:
			return errNegotiateTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
