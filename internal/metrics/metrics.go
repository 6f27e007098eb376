// Package metrics exposes server handshake counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Denial reasons.
const (
	DenyServerFull      = "server_full"
	DenyPendingFull     = "pending_full"
	DenyAlreadyAttached = "endpoint_in_use"
)

// Drop reasons for packets that reach the server but change nothing.
const (
	DropBadSize     = "bad_size"
	DropNoPending   = "no_pending"
	DropBadSalt     = "bad_salt"
	DropNotAllowed  = "not_allowed"
	DropUnconnected = "not_connected"
	DropUnexpected  = "unexpected_type"
	DropDecode      = "decode"
)

// Eviction kinds.
const (
	EvictSlotTimeout    = "slot_timeout"
	EvictPendingTimeout = "pending_timeout"
	EvictDisconnect     = "disconnect"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	challenges prometheus.Counter
	handshakes prometheus.Counter
	denials    *prometheus.CounterVec
	drops      *prometheus.CounterVec
	evictions  *prometheus.CounterVec
	connected  prometheus.Gauge
	pending    prometheus.Gauge
}

// New registers the collectors with reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		challenges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_sent_total",
			Help:      "Challenge packets sent in answer to Connect",
		}),
		handshakes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_completed_total",
			Help:      "Pending connections promoted to a connected slot",
		}),
		denials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "denials_total",
			Help:      "Connection attempts answered with Reject",
		}, []string{"reason"}),
		drops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_packets_total",
			Help:      "Inbound packets ignored by the connection manager",
		}, []string{"reason"}),
		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Slots and pending records removed",
		}, []string{"kind"}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Occupied connection slots",
		}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_connections",
			Help:      "Handshakes awaiting a challenge response",
		}),
	}
}

func (m *Metrics) Challenge() {
	if m != nil {
		m.challenges.Inc()
	}
}

func (m *Metrics) Handshake() {
	if m != nil {
		m.handshakes.Inc()
	}
}

func (m *Metrics) Deny(reason string) {
	if m != nil {
		m.denials.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Drop(reason string) {
	if m != nil {
		m.drops.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Evict(kind string) {
	if m != nil {
		m.evictions.WithLabelValues(kind).Inc()
	}
}

// SetOccupancy publishes the current table sizes.
func (m *Metrics) SetOccupancy(connected, pending int) {
	if m != nil {
		m.connected.Set(float64(connected))
		m.pending.Set(float64(pending))
	}
}

// Handshakes returns the completed-handshake counter.
func (m *Metrics) Handshakes() prometheus.Counter { return m.handshakes }

// Denials returns the denial counter for reason.
func (m *Metrics) Denials(reason string) prometheus.Counter {
	return m.denials.WithLabelValues(reason)
}

// Drops returns the drop counter for reason.
func (m *Metrics) Drops(reason string) prometheus.Counter {
	return m.drops.WithLabelValues(reason)
}

// Evictions returns the eviction counter for kind.
func (m *Metrics) Evictions(kind string) prometheus.Counter {
	return m.evictions.WithLabelValues(kind)
}
