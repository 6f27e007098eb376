package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide datagram counter.
var Stats = &stats{}

type stats struct {
	PacketsSent    atomic.Int64 // datagrams handed to the transport
	PacketsRecv    atomic.Int64 // datagrams read from the transport
	PacketsDropped atomic.Int64 // inbound datagrams discarded before dispatch
	SendErrors     atomic.Int64 // transport write failures (treated as loss)
	BytesSent      atomic.Int64
	BytesRecv      atomic.Int64
}

func (s *stats) AddSent(n int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *stats) AddDropped()   { s.PacketsDropped.Add(1) }
func (s *stats) AddSendError() { s.SendErrors.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs traffic statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevPkts, prevDropped int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				pkts := Stats.PacketsRecv.Load()
				dropped := Stats.PacketsDropped.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs

				if pkts != prevPkts || dropped != prevDropped {
					pterm.DefaultLogger.Info(formatStats(inS, outS, pkts-prevPkts, dropped-prevDropped))
				}

				prevSent = sent
				prevRecv = recv
				prevPkts = pkts
				prevDropped = dropped

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, pkts, dropped int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Datagrams: %4d recv %3d dropped",
		formatBytes(inS),
		formatBytes(outS),
		pkts,
		dropped,
	)
}
