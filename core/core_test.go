package core_test

import (
	"testing"

	"github.com/diaflow/diaflow/cmn/xoshiro256"
	"github.com/diaflow/diaflow/core"
	"github.com/diaflow/diaflow/group"
	"github.com/diaflow/diaflow/memsys"
)

func hashString(s string) uint64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return xoshiro256.Hash(h)
}

type captureSink struct {
	got map[string]int
}

func (s *captureSink) Put(k string, v int) { s.got[k] += v }
func (s *captureSink) Close()               {}

func TestPreReduceTableCombinesDuplicateKeys(t *testing.T) {
	sinks := make([]*captureSink, 4)
	for i := range sinks {
		sinks[i] = &captureSink{got: make(map[string]int)}
	}
	cfg := core.Config[string, int]{
		HashKey: hashString, Reduce: func(a, b int) int { return a + b },
		NumPartitions: 4, NumBuckets: 8, BlockCap: 4, FillRate: 100, // never trigger a fill-rate flush
	}
	tbl := core.NewPreReduceTable(cfg, func(p int) core.Sink[string, int] { return sinks[p] }, 0)

	words := []string{"a", "b", "a", "c", "b", "a"}
	for _, w := range words {
		tbl.Insert(w, 1)
	}
	tbl.Flush()

	want := map[string]int{"a": 3, "b": 2, "c": 1}
	got := map[string]int{}
	for _, s := range sinks {
		for k, v := range s.got {
			got[k] = v
		}
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("key %q: got %d, want %d", k, got[k], v)
		}
	}
}

func TestPostReduceTableSpillsAndReReduces(t *testing.T) {
	pool := &memsys.BlockPool{BlockSize: 64} // tiny blocks force frequent spilling
	got := make(map[int64]int64)
	cfg := core.Config[int64, int64]{
		HashKey:       func(k int64) uint64 { return xoshiro256.Hash(uint64(k)) },
		Reduce:        func(a, b int64) int64 { return a + b },
		NumPartitions: 2, NumBuckets: 4, BlockCap: 2, FillRate: 0.1,
	}
	tbl := core.NewPostReduceTable(cfg, group.Int64Codec{}, group.Int64Codec{}, pool, 256, func(k, v int64) {
		got[k] += v
	})

	keys := []int64{1, 2, 1, 3, 2, 1, 4, 5, 6, 7, 1, 2, 3}
	for _, k := range keys {
		tbl.Insert(k, 1)
	}
	tbl.Flush()

	want := map[int64]int64{1: 4, 2: 3, 3: 2, 4: 1, 5: 1, 6: 1, 7: 1}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("key %d: got %d, want %d", k, got[k], v)
		}
	}
}

func TestReduceToIndexTableDenseOutputWithNeutral(t *testing.T) {
	pool := &memsys.BlockPool{BlockSize: 64}
	var emitted []int64
	neutral := int64(-1)
	cfg := core.IndexConfig{LocalBegin: 0, LocalEnd: 10, NumPartitions: 3, FillRate: 0.1}
	tbl := core.NewReduceToIndexTable[int64](cfg, func(a, b int64) int64 { return a + b }, neutral,
		group.Int64Codec{}, pool, 64, func(idx, v int64) {
			emitted = append(emitted, v)
		})

	tbl.Insert(0, 1)
	tbl.Insert(0, 1)
	tbl.Insert(3, 5)
	tbl.Insert(9, 7)
	tbl.Flush()

	if len(emitted) != 10 {
		t.Fatalf("emitted %d values, want 10 (dense [0,10))", len(emitted))
	}
	want := map[int]int64{0: 2, 3: 5, 9: 7}
	for i, v := range emitted {
		if w, ok := want[i]; ok {
			if v != w {
				t.Errorf("index %d = %d, want %d", i, v, w)
			}
		} else if v != neutral {
			t.Errorf("index %d = %d, want neutral %d", i, v, neutral)
		}
	}
}
