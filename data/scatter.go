package data

import "github.com/diaflow/diaflow/memsys"

// Scatter reads records from f and hands each to the Stream sink of its
// destination worker, per offsets (spec §4.3.7 / §4.5). offsets has
// length NumWorkers; offsets[i] is the exclusive upper bound of worker
// i's range, with offsets[-1] implicitly 0 — so worker i receives the
// half-open item range [offsets[i-1], offsets[i]).
//
// itemAt must return the record at a given item index counted across the
// whole File; it exists because memsys doesn't track per-item byte
// boundaries inside a Block (only itemCount), so the caller's own record
// framing supplies them. Scatter computes, for f's sequence of Blocks, the
// cumulative item count each Block ends at — used to detect when an
// [offsets[i-1], offsets[i]) range is exactly one whole Block, in which
// case Scatter moves it by reference instead of re-serializing; a range
// spanning several Blocks is sent item by item (spec §4.3.7
// "Implementations MAY move entire blocks... when the range aligns with
// block boundaries").
func Scatter(f *memsys.File, offsets []int, s *Stream, itemAt func(globalItem int) []byte) {
	r := f.NewReader(false)
	cumulative := make([]int, 0, f.NumBlocks())
	total := 0
	for {
		b, ok := r.BlockAt(len(cumulative))
		if !ok {
			break
		}
		total += b.ItemCount()
		cumulative = append(cumulative, total)
	}

	prev := 0
	for worker, upto := range offsets {
		to := uint32(worker)
		if upto <= prev {
			// an empty scatter range is a no-op: no Send calls for this
			// worker (open question resolved in DESIGN.md). Closing the
			// sink is the caller's job, same as for a non-empty range —
			// Scatter only ever moves items, never closes streams.
			prev = upto
			continue
		}
		if blk, first, ok := wholeBlockRange(cumulative, prev, upto); ok {
			b, _ := r.BlockAt(blk)
			b.Ref()
			s.SendBlock(to, b)
			_ = first
		} else {
			for item := prev; item < upto; item++ {
				s.Send(to, itemAt(item))
			}
		}
		prev = upto
	}
}

// wholeBlockRange reports whether [lo, hi) is exactly the item range of a
// single Block in cumulative (the running item-count total after each
// Block), returning that Block's index.
func wholeBlockRange(cumulative []int, lo, hi int) (blockIdx, firstItem int, ok bool) {
	start := 0
	for i, end := range cumulative {
		if lo == start && hi == end {
			return i, start, true
		}
		start = end
	}
	return 0, 0, false
}
