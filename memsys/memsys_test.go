package memsys_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/diaflow/diaflow/memsys"
)

func TestBlockPoolAllocateRelease(t *testing.T) {
	p := &memsys.BlockPool{BlockSize: 1024}
	b, err := p.Allocate(context.Background())
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if b.Cap() != 1024 {
		t.Fatalf("cap = %d, want 1024", b.Cap())
	}
	if p.InUse() != 1 {
		t.Fatalf("in-use = %d, want 1", p.InUse())
	}
	b.Release()
	if p.InUse() != 0 {
		t.Fatalf("in-use after release = %d, want 0", p.InUse())
	}
}

func TestBlockPoolSoftLimitBlocksAllocation(t *testing.T) {
	p := &memsys.BlockPool{BlockSize: 64, MaxBlocks: 1}
	b1, err := p.Allocate(context.Background())
	if err != nil {
		t.Fatalf("allocate 1: %v", err)
	}

	done := make(chan struct{})
	go func() {
		b2, err := p.Allocate(context.Background())
		if err != nil {
			t.Errorf("allocate 2: %v", err)
			return
		}
		b2.Release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second allocation completed before first was released")
	case <-time.After(50 * time.Millisecond):
	}

	b1.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second allocation never unblocked after release")
	}
}

func TestBlockAppendAndBytes(t *testing.T) {
	p := &memsys.BlockPool{BlockSize: 16}
	b, _ := p.Allocate(context.Background())
	defer b.Release()

	if !b.Append([]byte("hello")) {
		t.Fatal("append should have fit")
	}
	if !b.Append([]byte("world!")) {
		t.Fatal("second append should have fit")
	}
	if string(b.Bytes()) != "helloworld!" {
		t.Fatalf("bytes = %q", b.Bytes())
	}
	if b.ItemCount() != 2 {
		t.Fatalf("item count = %d, want 2", b.ItemCount())
	}
	if b.Append(make([]byte, 100)) {
		t.Fatal("oversize append should fail")
	}
}

func TestBlockQueueFIFOAndClose(t *testing.T) {
	q := memsys.NewBlockQueue()
	p := &memsys.BlockPool{BlockSize: 8}
	var blocks []*memsys.Block
	for i := 0; i < 3; i++ {
		b, _ := p.Allocate(context.Background())
		blocks = append(blocks, b)
		q.Append(b)
	}
	q.Close()

	for i := 0; i < 3; i++ {
		b, ok := q.Pop()
		if !ok || b != blocks[i] {
			t.Fatalf("pop %d: ok=%v", i, ok)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("pop after drain+close should report !ok")
	}
	if !q.WriteClosed() {
		t.Fatal("write_closed should be true")
	}
}

func TestBlockQueuePopBlocksUntilAppend(t *testing.T) {
	q := memsys.NewBlockQueue()
	p := &memsys.BlockPool{BlockSize: 8}

	var wg sync.WaitGroup
	wg.Add(1)
	var got *memsys.Block
	go func() {
		defer wg.Done()
		b, ok := q.Pop()
		if ok {
			got = b
		}
	}()

	time.Sleep(20 * time.Millisecond)
	b, _ := p.Allocate(context.Background())
	q.Append(b)
	wg.Wait()
	if got != b {
		t.Fatal("consumer did not receive the appended block")
	}
}

func TestFileWriterAndKeepingReader(t *testing.T) {
	f := memsys.NewFile()
	w := f.Writer()
	p := &memsys.BlockPool{BlockSize: 8}
	for i := 0; i < 3; i++ {
		b, _ := p.Allocate(context.Background())
		b.Append([]byte{byte(i)})
		w.Append(b)
	}
	w.Close()

	if f.Items() != 3 || f.NumBlocks() != 3 {
		t.Fatalf("items=%d blocks=%d, want 3/3", f.Items(), f.NumBlocks())
	}

	r := f.NewReader(false)
	count := 0
	for {
		_, ok := r.NextBlock()
		if !ok {
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("keeping reader saw %d blocks, want 3", count)
	}

	// a keeping reader can be re-read from the start.
	r.Reset()
	if _, ok := r.NextBlock(); !ok {
		t.Fatal("keeping reader should be re-readable after Reset")
	}
}

func TestFileReaderRandomAccessByBlock(t *testing.T) {
	f := memsys.NewFile()
	w := f.Writer()
	p := &memsys.BlockPool{BlockSize: 8}
	for i := 0; i < 4; i++ {
		b, _ := p.Allocate(context.Background())
		b.Append([]byte{byte(i)})
		w.Append(b)
	}
	w.Close()

	r := f.NewReader(false)
	b, ok := r.BlockAt(2)
	if !ok || b.Bytes()[0] != 2 {
		t.Fatalf("block at 2: ok=%v bytes=%v", ok, b.Bytes())
	}
	if _, ok := r.BlockAt(10); ok {
		t.Fatal("out-of-range block access should report !ok")
	}
}
