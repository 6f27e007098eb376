package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/saltshake/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing datagram queue capacity
)

// sender serializes all writes to a single DataChannel behind an open gate
// and backpressure control.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
}

// newSender wires the backpressure callbacks on dc and starts the write
// loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case b := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(b); err != nil {
				util.Stats.AddSendError()
				util.LogDebug("rtc: send failed: %v", err)
				continue
			}
		case <-ctx.Done():
			return
		}
	}
}

// enqueue queues b without blocking. A full queue drops b and reports
// false; the handshake retransmits on its own schedule.
func (s *sender) enqueue(b []byte) bool {
	select {
	case s.inbox <- b:
		return true
	default:
		return false
	}
}
