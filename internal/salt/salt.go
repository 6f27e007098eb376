// Package salt produces the unpredictable 64-bit values exchanged during a
// handshake.
package salt

import (
	"sync"

	"github.com/pion/randutil"

	"github.com/1ureka/saltshake/internal/util"
)

// Source yields salts. Client and server receive one at construction so
// tests can substitute a deterministic sequence.
type Source interface {
	Salt() uint64
}

// Func adapts an ordinary function to Source.
type Func func() uint64

func (f Func) Salt() uint64 { return f() }

type cryptoSource struct {
	fallback randutil.MathRandomGenerator
}

// Crypto returns a Source backed by the operating system's CSPRNG. If the
// entropy source fails, it logs and falls back to a seeded math generator
// rather than stalling the caller.
func Crypto() Source {
	return &cryptoSource{fallback: randutil.NewMathRandomGenerator()}
}

func (s *cryptoSource) Salt() uint64 {
	v, err := randutil.CryptoUint64()
	if err != nil {
		util.LogWarning("crypto salt unavailable, using math generator: %v", err)
		return s.fallback.Uint64()
	}
	return v
}

// Sequence is a deterministic Source that cycles through fixed values.
type Sequence struct {
	mu     sync.Mutex
	values []uint64
	next   int
}

// NewSequence returns a Sequence over values. It panics if values is empty.
func NewSequence(values ...uint64) *Sequence {
	if len(values) == 0 {
		panic("salt: empty sequence")
	}
	return &Sequence{values: values}
}

func (s *Sequence) Salt() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.values[s.next]
	s.next = (s.next + 1) % len(s.values)
	return v
}
