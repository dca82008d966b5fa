package xoshiro256_test

import (
	"testing"

	"github.com/diaflow/diaflow/cmn/xoshiro256"
)

func TestHashDeterministic(t *testing.T) {
	inputs := []uint64{0, 1, 4573842, 1 << 40}
	for _, in := range inputs {
		a := xoshiro256.Hash(in)
		b := xoshiro256.Hash(in)
		if a != b {
			t.Fatalf("Hash(%d) not deterministic: %d != %d", in, a, b)
		}
	}
}

func TestHashDistinctInputsDiffer(t *testing.T) {
	seen := make(map[uint64]uint64)
	for i := uint64(0); i < 1000; i++ {
		h := xoshiro256.Hash(i)
		if prior, ok := seen[h]; ok {
			t.Fatalf("collision: Hash(%d) == Hash(%d) == %d", i, prior, h)
		}
		seen[h] = i
	}
}

func TestHashAvalanche(t *testing.T) {
	// flipping one bit of input should change roughly half the output bits;
	// this is a coarse smoke test, not a full avalanche criterion.
	a := xoshiro256.Hash(12345)
	b := xoshiro256.Hash(12345 ^ 1)
	diff := a ^ b
	bits := 0
	for diff != 0 {
		bits += int(diff & 1)
		diff >>= 1
	}
	if bits < 8 {
		t.Fatalf("too few bits changed on single-bit input flip: %d", bits)
	}
}
