// Package endpoint provides the comparable transport address used to key
// handshake state.
package endpoint

import (
	"fmt"
	"net"
	"net/netip"

	"go4.org/netipx"
)

// Family identifies the address family of an Endpoint.
type Family uint8

const (
	FamilyInvalid Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "invalid"
	}
}

// Endpoint is an immutable (family, address, port) value. The zero value is
// invalid. Endpoints are comparable with == and usable as map keys.
type Endpoint struct {
	addr netip.Addr
	port uint16
}

// New returns the endpoint for addr and port. IPv4-mapped IPv6 addresses
// are unmapped so that both spellings compare equal.
func New(addr netip.Addr, port uint16) Endpoint {
	if !addr.IsValid() {
		return Endpoint{}
	}
	return Endpoint{addr: addr.Unmap().WithZone(""), port: port}
}

// IPv4 returns the endpoint a.b.c.d:port.
func IPv4(a, b, c, d byte, port uint16) Endpoint {
	return New(netip.AddrFrom4([4]byte{a, b, c, d}), port)
}

// FromAddrPort converts a netip.AddrPort.
func FromAddrPort(ap netip.AddrPort) Endpoint {
	return New(ap.Addr(), ap.Port())
}

// FromUDPAddr converts a *net.UDPAddr. A nil or malformed address yields
// the invalid endpoint.
func FromUDPAddr(a *net.UDPAddr) Endpoint {
	if a == nil {
		return Endpoint{}
	}
	ap, ok := netipx.FromStdAddr(a.IP, a.Port, a.Zone)
	if !ok {
		return Endpoint{}
	}
	return FromAddrPort(ap)
}

// Parse parses "ip:port" or "[ip6]:port".
func Parse(s string) (Endpoint, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", s, err)
	}
	return FromAddrPort(ap), nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// constant tables.
func MustParse(s string) Endpoint {
	e, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return e
}

// Family reports the address family.
func (e Endpoint) Family() Family {
	switch {
	case e.addr.Is4():
		return FamilyIPv4
	case e.addr.Is6():
		return FamilyIPv6
	default:
		return FamilyInvalid
	}
}

// IsValid reports whether e holds an address.
func (e Endpoint) IsValid() bool { return e.addr.IsValid() }

// Bytes returns the 4 or 16 address bytes, or nil when invalid.
func (e Endpoint) Bytes() []byte {
	if !e.addr.IsValid() {
		return nil
	}
	return e.addr.AsSlice()
}

func (e Endpoint) Port() uint16     { return e.port }
func (e Endpoint) Addr() netip.Addr { return e.addr }

// AddrPort returns e as a netip.AddrPort.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.addr, e.port)
}

// UDPAddr returns e as a *net.UDPAddr, or nil when invalid.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	if !e.IsValid() {
		return nil
	}
	return net.UDPAddrFromAddrPort(e.AddrPort())
}

// Equal compares family, address bytes and port.
func (e Endpoint) Equal(o Endpoint) bool { return e == o }

func (e Endpoint) String() string {
	if !e.IsValid() {
		return "invalid"
	}
	return e.AddrPort().String()
}
