// Package memsys provides fixed-size pinned buffer allocation with a soft
// memory limit, and the SPSC queue and append-only File built on top of it
// (spec §4.4, C4). Modeled on the teacher's MMSA/Slab/SGL scatter-gather
// design, simplified to memsys's single fixed block size.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"sync/atomic"

	"github.com/diaflow/diaflow/cmn/debug"
)

// Block is a pinned, fixed-size byte region returned by a BlockPool. Pinned
// means the pool owns its lifetime explicitly via Ref/Release — it is never
// paged out or reclaimed implicitly.
type Block struct {
	pool *BlockPool
	buf  []byte

	refs atomic.Int32

	// begin/end delimit the valid payload within buf; items are packed
	// starting at begin (spec §4.4 / §4.5 "pack records into Blocks up to
	// the target block size").
	begin int
	end   int

	// itemCount is the number of logical items packed into [begin:end);
	// firstItemOffset lets a reader locate the first item boundary when
	// a Block is moved by reference instead of copied (spec §4.3.7).
	itemCount        int
	firstItemOffset int
}

func newBlock(p *BlockPool, size int) *Block {
	b := &Block{pool: p, buf: make([]byte, size)}
	b.refs.Store(1)
	return b
}

// Bytes returns the valid payload region. Satisfies dispatcher.ByteSink.
func (b *Block) Bytes() []byte { return b.buf[b.begin:b.end] }

// Cap returns the full pinned region's capacity, for callers packing new
// items into an empty or partially-filled Block.
func (b *Block) Cap() int { return len(b.buf) }

func (b *Block) ItemCount() int       { return b.itemCount }
func (b *Block) FirstItemOffset() int { return b.firstItemOffset }

// Append packs item-delimited payload p into the Block starting at its
// current end, returning false if there isn't room.
func (b *Block) Append(p []byte) bool {
	if b.end+len(p) > len(b.buf) {
		return false
	}
	if b.itemCount == 0 {
		b.firstItemOffset = b.end
	}
	copy(b.buf[b.end:], p)
	b.end += len(p)
	b.itemCount++
	return true
}

// Grow ensures the Block's backing storage is at least n bytes, sets
// [begin:end) to [0:n), and returns that view for an async reader to fill
// in place — used on a Stream's receive side, where the payload size is
// known from the wire header before the bytes themselves arrive
// (spec §4.5).
func (b *Block) Grow(n int) []byte {
	if cap(b.buf) < n {
		b.buf = make([]byte, n)
	} else {
		b.buf = b.buf[:cap(b.buf)]
	}
	b.begin, b.end = 0, n
	return b.Bytes()
}

// SetItemCount stamps the item count carried in a received wire header;
// item boundaries inside a Block filled via Grow are opaque to memsys.
func (b *Block) SetItemCount(n int) { b.itemCount = n }

func (b *Block) Reset() {
	b.begin, b.end, b.itemCount, b.firstItemOffset = 0, 0, 0, 0
}

// Ref increments the Block's reference count; used when a Block is shared
// by reference across a whole-block Scatter move (spec §4.3.7) instead of
// being re-serialized per destination.
func (b *Block) Ref() { b.refs.Add(1) }

// Release drops a reference; once it reaches zero the Block returns to its
// pool for reuse.
func (b *Block) Release() {
	n := b.refs.Add(-1)
	debug.Assert(n >= 0)
	if n == 0 {
		b.Reset()
		b.pool.release(b)
	}
}
