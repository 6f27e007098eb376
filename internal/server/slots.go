package server

import (
	"time"

	"github.com/1ureka/saltshake/internal/endpoint"
	"github.com/1ureka/saltshake/internal/protocol"
)

// slot is one connected peer. Its index is the peer's session ID for the
// lifetime of the connection.
type slot struct {
	occupied   bool
	peer       endpoint.Endpoint
	clientSalt uint64
	serverSalt uint64
	lastRecv   time.Time
	lastSent   time.Time
}

func (s *slot) sessionSalt() uint64 {
	return protocol.SessionSalt(s.clientSalt, s.serverSalt)
}

// slotTable is a fixed-capacity array of slots plus an endpoint index.
type slotTable struct {
	slots []slot
	index map[endpoint.Endpoint]int
}

func newSlotTable(n int) *slotTable {
	return &slotTable{
		slots: make([]slot, n),
		index: make(map[endpoint.Endpoint]int, n),
	}
}

func (t *slotTable) count() int { return len(t.index) }
func (t *slotTable) full() bool { return len(t.index) >= len(t.slots) }

// lookup returns the slot held by ep.
func (t *slotTable) lookup(ep endpoint.Endpoint) (int, *slot, bool) {
	i, ok := t.index[ep]
	if !ok {
		return -1, nil, false
	}
	return i, &t.slots[i], true
}

// allocate fills the lowest free slot from an authenticated pending entry.
func (t *slotTable) allocate(p pendingConn, now time.Time) (int, bool) {
	if _, ok := t.index[p.peer]; ok {
		return -1, false
	}
	for i := range t.slots {
		if t.slots[i].occupied {
			continue
		}
		t.slots[i] = slot{
			occupied:   true,
			peer:       p.peer,
			clientSalt: p.clientSalt,
			serverSalt: p.serverSalt,
			lastRecv:   now,
			lastSent:   now,
		}
		t.index[p.peer] = i
		return i, true
	}
	return -1, false
}

// free releases slot i.
func (t *slotTable) free(i int) {
	s := &t.slots[i]
	if !s.occupied {
		return
	}
	delete(t.index, s.peer)
	*s = slot{}
}
