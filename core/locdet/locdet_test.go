package locdet_test

import (
	"sync"
	"testing"

	"github.com/OneOfOne/xxhash"

	"github.com/diaflow/diaflow/core/locdet"
)

func runOnAll(p int, f func(rank int)) {
	var wg sync.WaitGroup
	wg.Add(p)
	for r := 0; r < p; r++ {
		r := r
		go func() {
			defer wg.Done()
			f(r)
		}()
	}
	wg.Wait()
}

// TestLocalCountsCuckooPreFilterDoesNotChangeCounts verifies the stage-1
// pre-filter is purely a fast path: the number of unique keys counted comes
// out the same whether or not it's enabled.
func TestLocalCountsCuckooPreFilterDoesNotChangeCounts(t *testing.T) {
	keys := []string{"x", "y", "x", "x", "z", "y"}

	plain := locdet.NewLocalCounts[string](hashString)
	for _, k := range keys {
		plain.Observe(k, 1)
	}

	filtered := locdet.NewLocalCounts[string](hashString).WithCuckooPreFilter(func(s string) []byte { return []byte(s) }, 16)
	for _, k := range keys {
		filtered.Observe(k, 1)
	}

	if plain.Len() != filtered.Len() {
		t.Fatalf("unique count mismatch: plain=%d filtered=%d", plain.Len(), filtered.Len())
	}
}

// hashString is the key -> sketch-slot hash locdet.Detect projects through
// h mod (b*U); xxhash is the same non-cryptographic 64-bit hash group uses
// for groupIDOf (group/group.go).
func hashString(s string) uint64 {
	return xxhash.ChecksumString64(s)
}
