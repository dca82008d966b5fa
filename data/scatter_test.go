package data_test

import (
	"context"
	"testing"

	"github.com/diaflow/diaflow/data"
	"github.com/diaflow/diaflow/dispatcher"
	"github.com/diaflow/diaflow/memsys"
)

// fixedItems is a flat []string of 4-byte records, used to build Blocks
// by hand for Scatter's whole-block-move and per-item paths.
var fixedItems = []string{"aaaa", "bbbb", "cccc"}

func itemAt(i int) []byte { return []byte(fixedItems[i]) }

func newBlockWith(t *testing.T, pool *memsys.BlockPool, items ...string) *memsys.Block {
	t.Helper()
	b, err := pool.Allocate(context.Background())
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	for _, it := range items {
		if !b.Append([]byte(it)) {
			t.Fatalf("append %q: block full", it)
		}
	}
	return b
}

// TestScatterWholeBlockMoveAndPerItem exercises both of Scatter's paths
// (spec §4.3.7): a destination range that aligns exactly with a Block
// boundary moves the Block by reference; one that doesn't falls back to
// per-item Send. Both destinations are local workers of a single-host
// Multiplexer, so Scatter's output is observable purely through the
// loopback inbound queues.
func TestScatterWholeBlockMoveAndPerItem(t *testing.T) {
	pool := &memsys.BlockPool{BlockSize: 256}
	disp, err := dispatcher.New()
	if err != nil {
		t.Fatalf("dispatcher.New: %v", err)
	}
	defer disp.Close()

	mux := data.NewMultiplexer(disp, pool, 0, 2, 1)
	src := mux.NewStream(9, 0)
	sinkB := mux.NewStream(9, 1) // worker 1's own Stream instance, registered for lookup(id, 1)

	f := memsys.NewFile()
	w := f.Writer()
	blockA := newBlockWith(t, pool, "aaaa")
	blockB := newBlockWith(t, pool, "bbbb", "cccc")
	w.Append(blockA)
	w.Append(blockB)
	w.Close()

	// offsets[0]=1: worker 0 gets item range [0,1), exactly blockA.
	// offsets[1]=3: worker 1 gets item range [1,3), exactly blockB.
	data.Scatter(f, []int{1, 3}, src, itemAt)
	src.CloseSink(0)
	src.CloseSink(1)

	q0 := src.Inbound(0)
	b0, ok := q0.Pop()
	if !ok {
		t.Fatal("expected a block for worker 0")
	}
	if string(b0.Bytes()) != "aaaa" || b0.ItemCount() != 1 {
		t.Fatalf("worker 0 got %q (%d items), want %q (1 item)", b0.Bytes(), b0.ItemCount(), "aaaa")
	}

	q1 := sinkB.Inbound(0)
	b1, ok := q1.Pop()
	if !ok {
		t.Fatal("expected a block for worker 1")
	}
	if string(b1.Bytes()) != "bbbbcccc" || b1.ItemCount() != 2 {
		t.Fatalf("worker 1 got %q (%d items), want %q (2 items)", b1.Bytes(), b1.ItemCount(), "bbbbcccc")
	}
}

// TestScatterEmptyRangeIsNoOp covers the open question: an offsets range
// with upto <= prev sends nothing, and the caller (not Scatter) is still
// responsible for closing that destination's sink.
func TestScatterEmptyRangeIsNoOp(t *testing.T) {
	pool := &memsys.BlockPool{BlockSize: 256}
	disp, err := dispatcher.New()
	if err != nil {
		t.Fatalf("dispatcher.New: %v", err)
	}
	defer disp.Close()

	mux := data.NewMultiplexer(disp, pool, 0, 2, 1)
	src := mux.NewStream(11, 0)

	f := memsys.NewFile()
	w := f.Writer()
	w.Append(newBlockWith(t, pool, "aaaa", "bbbb", "cccc"))
	w.Close()

	// worker 0 gets everything; worker 1's range is empty.
	data.Scatter(f, []int{3, 3}, src, itemAt)
	src.CloseSink(0)
	src.CloseSink(1)

	q1 := src.Inbound(1)
	if b, ok := q1.Pop(); ok {
		t.Fatalf("worker 1's empty range delivered a block with %d items, want an empty queue", b.ItemCount())
	}
	if !q1.WriteClosed() {
		t.Fatal("worker 1's sink queue should be closed after CloseSink")
	}
}
