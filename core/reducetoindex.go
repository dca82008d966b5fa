package core

import (
	"github.com/diaflow/diaflow/group"
	"github.com/diaflow/diaflow/memsys"
)

// IndexConfig parameterizes ReduceToIndexTable (spec §4.7 "ReduceToIndex
// variant"): keys are dense indices in [LocalBegin, LocalEnd), tiled
// contiguously across NumPartitions.
type IndexConfig struct {
	LocalBegin, LocalEnd int64
	NumPartitions        int
	FillRate              float64
}

func (c IndexConfig) partitionWidth() int64 {
	r := c.LocalEnd - c.LocalBegin
	w := r / int64(c.NumPartitions)
	if r%int64(c.NumPartitions) != 0 {
		w++
	}
	return w
}

func (c IndexConfig) partitionOf(k int64) int {
	idx := int((k - c.LocalBegin) / c.partitionWidth())
	if idx >= c.NumPartitions {
		idx = c.NumPartitions - 1
	}
	return idx
}

func (c IndexConfig) partitionRange(idx int) (begin, end int64) {
	w := c.partitionWidth()
	begin = c.LocalBegin + int64(idx)*w
	end = begin + w
	if end > c.LocalEnd {
		end = c.LocalEnd
	}
	return begin, end
}

type indexPartition[V any] struct {
	begin, end  int64
	present     []bool
	vals        []V
	spillFile   *memsys.File
	spillWriter *memsys.Writer
}

func newIndexPartition[V any](begin, end int64) *indexPartition[V] {
	n := end - begin
	return &indexPartition[V]{begin: begin, end: end, present: make([]bool, n), vals: make([]V, n)}
}

// ReduceToIndexTable produces a dense, index-ordered output over
// [LocalBegin, LocalEnd), filling indices that never received a value
// with a caller-provided neutral element (spec §4.7).
type ReduceToIndexTable[V any] struct {
	cfg        IndexConfig
	reduce     func(a, b V) V
	neutral    V
	valCodec   group.Codec[V]
	pool       *memsys.BlockPool
	limitBytes int64
	emit       func(idx int64, v V)

	partitions map[int]*indexPartition[V]
	level      int
}

func NewReduceToIndexTable[V any](cfg IndexConfig, reduce func(a, b V) V, neutral V, valCodec group.Codec[V],
	pool *memsys.BlockPool, limitBytes int64, emit func(idx int64, v V)) *ReduceToIndexTable[V] {
	return &ReduceToIndexTable[V]{
		cfg: cfg, reduce: reduce, neutral: neutral, valCodec: valCodec, pool: pool, limitBytes: limitBytes, emit: emit,
		partitions: make(map[int]*indexPartition[V]),
	}
}

func (t *ReduceToIndexTable[V]) partition(idx int) *indexPartition[V] {
	p, ok := t.partitions[idx]
	if !ok {
		begin, end := t.cfg.partitionRange(idx)
		p = newIndexPartition[V](begin, end)
		t.partitions[idx] = p
	}
	return p
}

// Insert implements spec §4.7's index function: bucket =
// (k - local_begin) * num_buckets / range, here realized directly as the
// dense array offset within the owning partition.
func (t *ReduceToIndexTable[V]) Insert(k int64, v V) {
	partIdx := t.cfg.partitionOf(k)
	p := t.partition(partIdx)
	off := k - p.begin
	if p.present[off] {
		p.vals[off] = t.reduce(p.vals[off], v)
	} else {
		p.vals[off] = v
		p.present[off] = true
	}

	// a single-index partition can't shrink further on recursion, so it's
	// always left resident regardless of budget: the recursive halving
	// (spec §4.7) bottoms out here.
	if p.end-p.begin <= 1 {
		return
	}
	budget := int64(float64(t.limitBytes) * t.cfg.FillRate / float64(t.cfg.NumPartitions))
	share := presentCount(p.present) * int64(t.valCodec.Size()+8) // +8 for the index itself
	if share > budget {
		t.spillPartition(partIdx)
	}
}

func presentCount(present []bool) int64 {
	var n int64
	for _, b := range present {
		if b {
			n++
		}
	}
	return n
}

func (t *ReduceToIndexTable[V]) spillPartition(idx int) {
	p := t.partitions[idx]
	if p.spillFile == nil {
		f := memsys.NewFile()
		p.spillFile = f
		p.spillWriter = f.Writer()
	}
	recSize := 8 + t.valCodec.Size()
	var cur *memsys.Block
	flush := func() {
		if cur != nil && cur.ItemCount() > 0 {
			p.spillWriter.Append(cur)
			cur = nil
		}
	}
	for off := range p.vals {
		if !p.present[off] {
			continue
		}
		rec := make([]byte, recSize)
		putInt64(rec[:8], p.begin+int64(off))
		t.valCodec.Encode(p.vals[off], rec[8:])
		if cur == nil {
			cur, _ = t.pool.Allocate(allocCtx)
		}
		if !cur.Append(rec) {
			flush()
			cur, _ = t.pool.Allocate(allocCtx)
			cur.Append(rec)
		}
	}
	flush()
	n := p.end - p.begin
	p.present = make([]bool, n)
	p.vals = make([]V, n)
}

// Flush walks partitions in ascending id (spec §4.7), emitting each
// index in [LocalBegin, LocalEnd) exactly once: from the resident table
// if present, from spilled records otherwise, and the neutral element for
// indices nothing ever touched.
func (t *ReduceToIndexTable[V]) Flush() {
	for idx := 0; idx < t.cfg.NumPartitions; idx++ {
		begin, end := t.cfg.partitionRange(idx)
		if end <= begin {
			continue
		}
		p, touched := t.partitions[idx]
		if !touched {
			for i := begin; i < end; i++ {
				t.emit(i, t.neutral)
			}
			continue
		}
		if p.spillFile == nil {
			for off, present := range p.present {
				if present {
					t.emit(p.begin+int64(off), p.vals[off])
				} else {
					t.emit(p.begin+int64(off), t.neutral)
				}
			}
			continue
		}
		t.spillPartition(idx) // flush remaining resident entries into the same file
		t.reReduceSpilledRange(p)
	}
}

// reReduceSpilledRange re-reduces a spilled partition by recursing on its
// own sub-range, preserving index order (spec §4.7).
func (t *ReduceToIndexTable[V]) reReduceSpilledRange(p *indexPartition[V]) {
	sub := IndexConfig{LocalBegin: p.begin, LocalEnd: p.end, NumPartitions: t.cfg.NumPartitions, FillRate: t.cfg.FillRate}
	secondary := NewReduceToIndexTable[V](sub, t.reduce, t.neutral, t.valCodec, t.pool, t.limitBytes, t.emit)
	secondary.level = t.level + 1

	recSize := 8 + t.valCodec.Size()
	r := p.spillFile.NewReader(true)
	for {
		b, ok := r.NextBlock()
		if !ok {
			break
		}
		payload := b.Bytes()
		for off := 0; off+recSize <= len(payload); off += recSize {
			rec := payload[off : off+recSize]
			k := getInt64(rec[:8])
			v := t.valCodec.Decode(rec[8:])
			secondary.Insert(k, v)
		}
	}
	secondary.Flush()
}

func putInt64(buf []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		buf[i] = byte(u >> (8 * i))
	}
}

func getInt64(buf []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(buf[i]) << (8 * i)
	}
	return int64(u)
}
