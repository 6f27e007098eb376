package server

import (
	"time"

	"github.com/1ureka/saltshake/internal/endpoint"
)

// pendingConn is an accepted but not yet authenticated handshake.
type pendingConn struct {
	peer        endpoint.Endpoint
	clientSalt  uint64
	serverSalt  uint64
	requestedAt time.Time
}

// pendingTable is a capacity-bounded, gap-free list of pending handshakes
// with at most one entry per endpoint. Removal compacts the list and keeps
// arrival order.
type pendingTable struct {
	entries []pendingConn
	limit   int
}

func newPendingTable(limit int) *pendingTable {
	return &pendingTable{entries: make([]pendingConn, 0, limit), limit: limit}
}

func (t *pendingTable) len() int   { return len(t.entries) }
func (t *pendingTable) full() bool { return len(t.entries) >= t.limit }

// find returns the index of ep's entry, or -1.
func (t *pendingTable) find(ep endpoint.Endpoint) int {
	for i := range t.entries {
		if t.entries[i].peer == ep {
			return i
		}
	}
	return -1
}

func (t *pendingTable) at(i int) *pendingConn { return &t.entries[i] }

// insert adds p. It reports false when the table is full or ep already has
// an entry.
func (t *pendingTable) insert(p pendingConn) bool {
	if t.full() || t.find(p.peer) >= 0 {
		return false
	}
	t.entries = append(t.entries, p)
	return true
}

// removeAt deletes entry i, shifting later entries down.
func (t *pendingTable) removeAt(i int) pendingConn {
	p := t.entries[i]
	n := len(t.entries)
	copy(t.entries[i:], t.entries[i+1:])
	t.entries[n-1] = pendingConn{}
	t.entries = t.entries[:n-1]
	return p
}

// sweep removes every entry older than timeout and returns them.
func (t *pendingTable) sweep(now time.Time, timeout time.Duration) []pendingConn {
	var expired []pendingConn
	kept := t.entries[:0]
	for _, p := range t.entries {
		if now.Sub(p.requestedAt) > timeout {
			expired = append(expired, p)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = pendingConn{}
	}
	t.entries = kept
	return expired
}
