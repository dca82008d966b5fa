package core

// PreReduceTable combines records sharing a key before shuffle (spec
// §4.6), so the network carries O(distinct keys) rather than O(records).
// The reduce operator MUST be associative and commutative at this layer:
// pre-reduction reorders freely within a partition.
type PreReduceTable[K comparable, V any] struct {
	cfg        Config[K, V]
	partitions []*partition[K, V]
	sinkFor    func(partition int) Sink[K, V]
	totalItems int
	totalCap   int // global item cap; 0 = unlimited
}

func NewPreReduceTable[K comparable, V any](cfg Config[K, V], sinkFor func(partition int) Sink[K, V], totalCap int) *PreReduceTable[K, V] {
	t := &PreReduceTable[K, V]{cfg: cfg, sinkFor: sinkFor, totalCap: totalCap}
	t.partitions = make([]*partition[K, V], cfg.NumPartitions)
	for i := range t.partitions {
		t.partitions[i] = newPartition[K, V](cfg.NumBuckets, cfg.BlockCap)
	}
	return t
}

// Insert implements spec §4.6 steps 1-5.
func (t *PreReduceTable[K, V]) Insert(k K, v V) {
	h := t.cfg.HashKey(k)
	partIdx := int(h % uint64(t.cfg.NumPartitions))
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
	t.totalItems++

	if t.cfg.MaxBlocksTable > 0 && t.totalAllocatedBlocks() > t.cfg.MaxBlocksTable {
		t.flushLargestPartition()
		return
	}
	if t.totalCap > 0 && t.totalItems > t.totalCap {
		t.flushLargestPartition()
		return
	}
	if float64(p.items)/float64(t.cfg.expectedCapacity()) > t.cfg.FillRate {
		t.FlushPartition(partIdx)
	}
}

func (t *PreReduceTable[K, V]) totalAllocatedBlocks() int {
	n := 0
	for _, p := range t.partitions {
		n += p.numBlocks
	}
	return n
}

func (t *PreReduceTable[K, V]) flushLargestPartition() {
	largest, largestItems := -1, -1
	for i, p := range t.partitions {
		if p.items > largestItems {
			largest, largestItems = i, p.items
		}
	}
	if largest >= 0 && largestItems > 0 {
		t.FlushPartition(largest)
	}
}

// FlushPartition emits every (k, v) in partition idx through its sink,
// then deallocates its bucket-blocks and resets its counters (spec §4.6
// step 4). Order across keys within the partition is unspecified.
func (t *PreReduceTable[K, V]) FlushPartition(idx int) {
	p := t.partitions[idx]
	sink := t.sinkFor(idx)
	emitted := 0
	for b := range p.buckets {
		for blk := p.buckets[b]; blk != nil; blk = blk.next {
			for _, pair := range blk.pairs {
				sink.Put(pair.Key, pair.Val)
				emitted++
			}
		}
		p.buckets[b] = newBucketBlock[K, V](t.cfg.BlockCap)
	}
	t.totalItems -= emitted
	p.items = 0
	p.numBlocks = t.cfg.NumBuckets
}

// Flush flushes every partition in id order, then closes every sink
// (spec §4.6 "After Flush, all sinks are closed").
func (t *PreReduceTable[K, V]) Flush() {
	for i := range t.partitions {
		t.FlushPartition(i)
	}
	for i := range t.partitions {
		t.sinkFor(i).Close()
	}
}
