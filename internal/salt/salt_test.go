package salt

import "testing"

func TestSequenceCycles(t *testing.T) {
	s := NewSequence(1, 2, 3)
	want := []uint64{1, 2, 3, 1, 2}
	for i, w := range want {
		if got := s.Salt(); got != w {
			t.Fatalf("call %d: Salt() = %d, want %d", i, got, w)
		}
	}
}

func TestFunc(t *testing.T) {
	var n uint64
	src := Func(func() uint64 { n++; return n * 10 })
	if a, b := src.Salt(), src.Salt(); a != 10 || b != 20 {
		t.Errorf("Func salts = %d, %d; want 10, 20", a, b)
	}
}

// TestCryptoDistinct is a smoke test: a handful of crypto salts should
// never collide.
func TestCryptoDistinct(t *testing.T) {
	src := Crypto()
	seen := make(map[uint64]bool)
	for i := 0; i < 64; i++ {
		v := src.Salt()
		if seen[v] {
			t.Fatalf("duplicate salt %016x after %d draws", v, i)
		}
		seen[v] = true
	}
}

func TestEmptySequencePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewSequence() did not panic")
		}
	}()
	NewSequence()
}
