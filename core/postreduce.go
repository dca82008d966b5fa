package core

import (
	"context"

	"github.com/diaflow/diaflow/group"
	"github.com/diaflow/diaflow/memsys"
)

var allocCtx = context.Background()

// PostReduceTable completes the reduction after shuffle with bounded
// memory (spec §4.7): a partition whose memory share is exceeded spills
// its bucket-blocks to a File instead of emitting, and at Flush time an
// over-budget partition is re-reduced through a secondary PostReduceTable
// restricted to the next radix digit of the hash — the general-K
// analogue of "halving the key range" for recursive re-reduction over
// non-numeric keys. Keys and values are spilled via fixed-size Codecs so
// a spilled partition can be read back and re-hashed without a
// general-purpose serializer.
type PostReduceTable[K comparable, V any] struct {
	cfg         Config[K, V]
	keyCodec    group.Codec[K]
	valCodec    group.Codec[V]
	pool        *memsys.BlockPool
	limitBytes  int64
	level       int // radix digit already consumed by ancestors, for recursive re-reduction
	partitions  []*partition[K, V]
	spillFiles  []*memsys.File
	spillWriter []*memsys.Writer
	emit        func(k K, v V)
}

func NewPostReduceTable[K comparable, V any](cfg Config[K, V], keyCodec group.Codec[K], valCodec group.Codec[V],
	pool *memsys.BlockPool, limitBytes int64, emit func(k K, v V)) *PostReduceTable[K, V] {
	t := &PostReduceTable[K, V]{
		cfg: cfg, keyCodec: keyCodec, valCodec: valCodec, pool: pool, limitBytes: limitBytes, emit: emit,
	}
	t.partitions = make([]*partition[K, V], cfg.NumPartitions)
	t.spillFiles = make([]*memsys.File, cfg.NumPartitions)
	t.spillWriter = make([]*memsys.Writer, cfg.NumPartitions)
	for i := range t.partitions {
		t.partitions[i] = newPartition[K, V](cfg.NumBuckets, cfg.BlockCap)
	}
	return t
}

func (t *PostReduceTable[K, V]) hashPartition(h uint64) (int, uint64) {
	div := uint64(1)
	for i := 0; i < t.level; i++ {
		div *= uint64(t.cfg.NumPartitions)
	}
	remaining := h / div
	return int(remaining % uint64(t.cfg.NumPartitions)), remaining / uint64(t.cfg.NumPartitions)
}

func (t *PostReduceTable[K, V]) recordBytes() int64 {
	return int64(t.keyCodec.Size() + t.valCodec.Size())
}

// Insert combines k into the primary table, spilling the owning
// partition if its in-memory share now exceeds this table's budget.
func (t *PostReduceTable[K, V]) Insert(k K, v V) {
	h := t.cfg.HashKey(k)
	partIdx, _ := t.hashPartition(h)
	bucketIdx := int((h / uint64(t.cfg.NumPartitions)) % uint64(t.cfg.NumBuckets))

	p := t.partitions[partIdx]
	head := p.buckets[bucketIdx]
	for blk := head; blk != nil; blk = blk.next {
		for i := range blk.pairs {
			if blk.pairs[i].Key == k {
				blk.pairs[i].Val = t.cfg.Reduce(blk.pairs[i].Val, v)
				return
			}
		}
	}
	if len(head.pairs) == cap(head.pairs) {
		newHead := newBucketBlock[K, V](t.cfg.BlockCap)
		newHead.next = head
		p.buckets[bucketIdx] = newHead
		p.numBlocks++
		head = newHead
	}
	head.pairs = append(head.pairs, Pair[K, V]{Key: k, Val: v})
	p.items++

	// beyond maxReduceLevel the hash has no entropy left to split further
	// (each level consumes one radix digit); stop recursing and accept
	// the resident memory rather than spill forever.
	if t.level >= maxReduceLevel || p.items <= 1 {
		return
	}
	share := int64(p.items) * t.recordBytes()
	budget := int64(float64(t.limitBytes) * t.cfg.FillRate / float64(t.cfg.NumPartitions))
	if share > budget {
		t.spillPartition(partIdx)
	}
}

// maxReduceLevel bounds PostReduceTable's recursive re-reduction: a
// 64-bit hash supports at most ~32 radix digits under NumPartitions=4;
// this is a generous safety margin against recursing past that.
const maxReduceLevel = 48

// spillPartition writes every pair currently in partition idx to its
// spill File (opening one on first spill) and clears the in-memory
// table, keeping resident memory bounded (spec §4.7).
func (t *PostReduceTable[K, V]) spillPartition(idx int) {
	if t.spillFiles[idx] == nil {
		f := memsys.NewFile()
		t.spillFiles[idx] = f
		t.spillWriter[idx] = f.Writer()
	}
	w := t.spillWriter[idx]
	p := t.partitions[idx]

	recSize := int(t.recordBytes())
	var cur *memsys.Block
	flushCur := func() {
		if cur != nil && cur.ItemCount() > 0 {
			w.Append(cur)
			cur = nil
		}
	}
	for b := range p.buckets {
		for blk := p.buckets[b]; blk != nil; blk = blk.next {
			for _, pair := range blk.pairs {
				if cur == nil {
					cur, _ = t.pool.Allocate(allocCtx)
				}
				rec := make([]byte, recSize)
				t.keyCodec.Encode(pair.Key, rec[:t.keyCodec.Size()])
				t.valCodec.Encode(pair.Val, rec[t.keyCodec.Size():])
				if !cur.Append(rec) {
					flushCur()
					cur, _ = t.pool.Allocate(allocCtx)
					cur.Append(rec)
				}
			}
		}
		p.buckets[b] = newBucketBlock[K, V](t.cfg.BlockCap)
	}
	flushCur()
	p.items = 0
	p.numBlocks = t.cfg.NumBuckets
}

// Flush implements spec §4.7's per-partition flush decision: an
// untouched, in-budget partition emits directly; a spilled one is fed
// through a secondary table recursing on the next radix digit of the
// hash, narrowing the effective key range it must hold resident by a
// factor of NumPartitions each level, as ReduceToIndex narrows its
// numeric index range.
func (t *PostReduceTable[K, V]) Flush() {
	for idx, p := range t.partitions {
		if t.spillFiles[idx] == nil {
			t.emitPartition(p)
			continue
		}
		// flush any remainder resident in memory into the same spill
		// file so the secondary pass sees every record for this
		// partition in one place.
		t.spillPartition(idx)
		t.reReduceSpilled(idx)
	}
}

func (t *PostReduceTable[K, V]) emitPartition(p *partition[K, V]) {
	for b := range p.buckets {
		for blk := p.buckets[b]; blk != nil; blk = blk.next {
			for _, pair := range blk.pairs {
				t.emit(pair.Key, pair.Val)
			}
		}
	}
}

func (t *PostReduceTable[K, V]) reReduceSpilled(idx int) {
	f := t.spillFiles[idx]
	recSize := int(t.recordBytes())

	secondary := NewPostReduceTable[K, V](t.cfg, t.keyCodec, t.valCodec, t.pool, t.limitBytes, t.emit)
	secondary.level = t.level + 1

	r := f.NewReader(true) // consuming: every spill File is read exactly once (spec §4.7)
	for {
		b, ok := r.NextBlock()
		if !ok {
			break
		}
		payload := b.Bytes()
		for off := 0; off+recSize <= len(payload); off += recSize {
			rec := payload[off : off+recSize]
			k := t.keyCodec.Decode(rec[:t.keyCodec.Size()])
			v := t.valCodec.Decode(rec[t.keyCodec.Size():])
			secondary.Insert(k, v)
		}
	}
	secondary.Flush()
}
