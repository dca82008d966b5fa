package examples

import (
	"encoding/binary"

	"github.com/diaflow/diaflow/cmn/nlog"
	"github.com/diaflow/diaflow/core"
	"github.com/diaflow/diaflow/ctx"
	"github.com/diaflow/diaflow/group"
)

// indexSpaceSize is the dense global index range this job reduces over,
// block-partitioned across workers the same way IndexConfig partitions a
// single worker's own range (spec §4.7).
const indexSpaceSize = 64

// indexRecordSize is the shuffle stream's fixed item size: an 8-byte
// little-endian index followed by an 8-byte little-endian value.
const indexRecordSize = 16

func ownerRange(numWorkers, me int) (begin, end int64) {
	width := indexSpaceSize / numWorkers
	if indexSpaceSize%numWorkers != 0 {
		width++
	}
	begin = int64(me) * int64(width)
	end = begin + int64(width)
	if end > indexSpaceSize {
		end = indexSpaceSize
	}
	if begin > indexSpaceSize {
		begin = indexSpaceSize
	}
	return begin, end
}

func ownerOf(numWorkers int, idx int64) int {
	width := indexSpaceSize / numWorkers
	if indexSpaceSize%numWorkers != 0 {
		width++
	}
	owner := int(idx / int64(width))
	if owner >= numWorkers {
		owner = numWorkers - 1
	}
	return owner
}

// indexStreamSink shuffles (index, value) pairs to the worker that owns
// that index's range, mirroring streamSink's role for the word-key job.
type indexStreamSink struct {
	stream indexStream
	to     uint32
}

// indexStream is the minimal subset of *data.Stream this job needs, kept
// as an interface so the sink stays independent of the concrete Stream
// type's other methods.
type indexStream interface {
	Send(to uint32, item []byte) error
	CloseSink(to uint32)
}

func (s *indexStreamSink) Put(k int64, v int64) {
	buf := make([]byte, indexRecordSize)
	binary.LittleEndian.PutUint64(buf[:8], uint64(k))
	group.Int64Codec{}.Encode(v, buf[8:])
	if err := s.stream.Send(s.to, buf); err != nil {
		nlog.Warningf("reduceindex: send to worker %d: %v", s.to, err)
	}
}

func (s *indexStreamSink) Close() { s.stream.CloseSink(s.to) }

// myIndexContributions stands in for the per-worker observations a real
// job would derive from its input shard (spec Non-goals exclude a
// file-input module); every worker contributes a handful of increments
// scattered across the whole index space so every owner sees traffic
// from every source.
func myIndexContributions(w *ctx.Worker) []core.Pair[int64, int64] {
	me := int64(w.GlobalID())
	out := make([]core.Pair[int64, int64], 0, 8)
	for i := int64(0); i < 8; i++ {
		idx := (me*11 + i*3) % indexSpaceSize
		out = append(out, core.Pair[int64, int64]{Key: idx, Val: 1})
	}
	return out
}

// ReduceToIndexJob exercises ReduceToIndexTable end to end (spec §4.7):
// shuffle-by-owner over a dense global index range, then a dense,
// index-ordered emit per owning worker with neutral fill for untouched
// indices.
func ReduceToIndexJob(w *ctx.Worker) error {
	numWorkers := w.NumGlobalWorkers()
	me := int(w.GlobalID())

	stream := w.GetNewStream(2)

	// HashKey returns the owning worker's id directly (already < NumPartitions),
	// so Insert's own partIdx = h % NumPartitions reproduces ownerOf's
	// block-range partitioning exactly rather than a modulo-by-index
	// assignment that would disagree with it.
	preCfg := core.Config[int64, int64]{
		HashKey:       func(k int64) uint64 { return uint64(ownerOf(numWorkers, k)) },
		Reduce:        func(a, b int64) int64 { return a + b },
		NumPartitions: numWorkers,
		NumBuckets:    8,
		BlockCap:      32,
		FillRate:      0.75,
	}
	pre := core.NewPreReduceTable[int64, int64](preCfg, func(idx int) core.Sink[int64, int64] {
		return &indexStreamSink{stream: stream, to: uint32(idx)}
	}, 0)

	for _, c := range myIndexContributions(w) {
		pre.Insert(c.Key, c.Val)
	}
	pre.Flush()

	begin, end := ownerRange(numWorkers, me)
	results := make(map[int64]int64)
	idxCfg := core.IndexConfig{LocalBegin: begin, LocalEnd: end, NumPartitions: 4, FillRate: 0.75}
	table := core.NewReduceToIndexTable[int64](idxCfg, func(a, b int64) int64 { return a + b }, 0, group.Int64Codec{},
		w.Pool, 1<<20, func(idx int64, v int64) { results[idx] = v })

	for from := 0; from < numWorkers; from++ {
		q := stream.Inbound(uint32(from))
		for {
			b, ok := q.Pop()
			if !ok {
				break
			}
			buf := b.Bytes()
			n := b.ItemCount()
			for i := 0; i < n; i++ {
				rec := buf[i*indexRecordSize : (i+1)*indexRecordSize]
				idx := int64(binary.LittleEndian.Uint64(rec[:8]))
				v := group.Int64Codec{}.Decode(rec[8:])
				if idx >= begin && idx < end {
					table.Insert(idx, v)
				}
			}
			b.Release()
		}
	}
	table.Flush()

	for idx := begin; idx < end; idx++ {
		nlog.Infof("reduceindex: worker %d: index %d = %d", me, idx, results[idx])
	}
	return nil
}
