// Package config holds the CLI configuration types.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go4.org/netipx"

	"github.com/1ureka/saltshake/internal/client"
	"github.com/1ureka/saltshake/internal/endpoint"
	"github.com/1ureka/saltshake/internal/server"
)

// Role is the side of the handshake this process plays.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
	RoleDemo   Role = "demo"
)

// TransportKind selects the datagram carrier.
type TransportKind string

const (
	TransportUDP TransportKind = "udp"
	TransportRTC TransportKind = "rtc"
)

// Config stores every parameter gathered from flags, environment or the
// interactive prompts.
type Config struct {
	Role      Role
	Transport TransportKind

	ListenAddr string // server: UDP bind address, or WS signaling address for rtc
	ServerAddr string // client: UDP server address, or WS URL for rtc
	PIN        string // rtc: signaling PIN, empty to disable
	STUN       []string

	MaxClients     int
	MaxPending     int
	SlotTimeout    time.Duration
	PendingTimeout time.Duration
	Heartbeat      time.Duration
	Retransmit     time.Duration
	ClientTimeout  time.Duration
	TickInterval   time.Duration

	AllowCIDRs  []string // server: source prefixes allowed to connect; empty allows all
	MetricsAddr string   // server: Prometheus listen address, empty to disable
	Demo        int      // demo: number of simulated clients
	Debug       bool
}

// Default returns a Config populated with the protocol's standard values.
func Default() Config {
	s := server.DefaultConfig()
	c := client.DefaultConfig()
	return Config{
		Role:           RoleServer,
		Transport:      TransportUDP,
		ListenAddr:     "0.0.0.0:40000",
		MaxClients:     s.MaxClients,
		SlotTimeout:    s.SlotTimeout,
		PendingTimeout: s.PendingTimeout,
		Heartbeat:      s.HeartbeatInterval,
		Retransmit:     c.RetransmitInterval,
		ClientTimeout:  c.Timeout,
		TickInterval:   10 * time.Millisecond,
		Demo:           4,
	}
}

// Validate checks the fields relevant to the configured role.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportUDP, TransportRTC:
	default:
		return fmt.Errorf("unknown transport %q (want udp or rtc)", c.Transport)
	}
	if c.TickInterval <= 0 {
		return errors.New("tick interval must be positive")
	}

	switch c.Role {
	case RoleServer:
		if c.ListenAddr == "" {
			return errors.New("missing listen address")
		}
		if c.Transport == TransportUDP {
			if _, err := endpoint.Parse(c.ListenAddr); err != nil {
				return fmt.Errorf("invalid listen address: %w", err)
			}
		}
		if _, err := c.AllowList(); err != nil {
			return err
		}
		return c.Server().Validate()
	case RoleClient:
		if c.ServerAddr == "" {
			return errors.New("missing server address")
		}
		if c.Transport == TransportUDP {
			if _, err := endpoint.Parse(c.ServerAddr); err != nil {
				return fmt.Errorf("invalid server address: %w", err)
			}
		}
		if c.Retransmit <= 0 || c.ClientTimeout <= 0 || c.Heartbeat <= 0 {
			return errors.New("client intervals must be positive")
		}
		return nil
	case RoleDemo:
		if c.Demo < 1 {
			return fmt.Errorf("demo needs at least one client, got %d", c.Demo)
		}
		return c.Server().Validate()
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}
}

// Server returns the connection manager settings.
func (c Config) Server() server.Config {
	return server.Config{
		MaxClients:        c.MaxClients,
		MaxPending:        c.MaxPending,
		SlotTimeout:       c.SlotTimeout,
		PendingTimeout:    c.PendingTimeout,
		HeartbeatInterval: c.Heartbeat,
	}
}

// Client returns the client timings.
func (c Config) Client() client.Config {
	cfg := client.DefaultConfig()
	cfg.RetransmitInterval = c.Retransmit
	cfg.Timeout = c.ClientTimeout
	cfg.HeartbeatInterval = c.Heartbeat
	return cfg
}

// AllowList builds the server's source filter from AllowCIDRs. Entries are
// prefixes or bare addresses. It returns nil when no entries are set.
func (c Config) AllowList() (*netipx.IPSet, error) {
	if len(c.AllowCIDRs) == 0 {
		return nil, nil
	}
	var b netipx.IPSetBuilder
	for _, s := range c.AllowCIDRs {
		s = strings.TrimSpace(s)
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid allow entry: %w", err)
			}
			b.AddPrefix(p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid allow entry: %w", err)
		}
		b.Add(a.Unmap())
	}
	return b.IPSet()
}
