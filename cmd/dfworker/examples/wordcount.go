// Package examples holds end-to-end job entry points that exercise the
// shuffle path (spec §4.5-§4.7) the way a real dataflow job would: local
// pre-reduce, a Stream shuffle keyed by destination worker, and a
// post-reduce completion at the receiving end.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package examples

import (
	"strings"

	"github.com/OneOfOne/xxhash"

	"github.com/diaflow/diaflow/cmn/nlog"
	"github.com/diaflow/diaflow/core"
	"github.com/diaflow/diaflow/ctx"
	"github.com/diaflow/diaflow/data"
	"github.com/diaflow/diaflow/group"
)

// wordKeyLen bounds words to a fixed-size key so PostReduceTable's spill
// path can use a Codec instead of a general serializer (spec §4.7 calls
// for fixed-size key/value Codecs at that layer). A word longer than this
// is truncated before hashing, which is a limitation of this example job,
// not of core's tables.
const wordKeyLen = 16

type wordKey [wordKeyLen]byte

func keyFromWord(w string) wordKey {
	var k wordKey
	copy(k[:], w)
	return k
}

func (k wordKey) String() string {
	return strings.TrimRight(string(k[:]), "\x00")
}

// wordKeyCodec is the fixed-size group.Codec[wordKey] the key type above
// exists to make possible.
type wordKeyCodec struct{}

func (wordKeyCodec) Size() int { return wordKeyLen }
func (wordKeyCodec) Encode(k wordKey, buf []byte) { copy(buf, k[:]) }
func (wordKeyCodec) Decode(buf []byte) wordKey {
	var k wordKey
	copy(k[:], buf)
	return k
}

// hashWordKey is core's bucket/partition hash for this job, the same
// non-cryptographic 64-bit xxhash group uses for groupIDOf (group/group.go).
func hashWordKey(k wordKey) uint64 {
	return xxhash.Checksum64(k[:])
}

// wordRecordSize is the wire item size for the shuffle stream: a fixed
// 16-byte key plus an 8-byte little-endian count. memsys.Block.Append
// does no item-length framing of its own, so every item on this stream
// must be exactly this many bytes for the receiver to split a Block back
// into records (spec §4.3.6's "stream of opaque, variably-sized items"
// degenerates to fixed-size here because the key type is fixed-size).
const wordRecordSize = wordKeyLen + 8

// corpus stands in for the input a real job would read from storage; the
// spec's execution substrate has no file-input module of its own (spec
// Non-goals), so this job manufactures its input deterministically,
// matching how the original's word_count benchmark generates random text
// rather than reading a corpus from disk.
var corpus = strings.Fields(`
the quick brown fox jumps over the lazy dog
the dog barks at the fox while the fox runs away
a quick fox and a lazy dog share the same meadow
the meadow is quiet but the fox is never quiet
`)

func myShardOfWords(w *ctx.Worker) []string {
	n := w.NumGlobalWorkers()
	if n <= 0 {
		n = 1
	}
	me := int(w.GlobalID())
	var shard []string
	for i, word := range corpus {
		if i%n == me {
			shard = append(shard, strings.ToLower(word))
		}
	}
	return shard
}

// streamSink adapts a data.Stream into the per-partition core.Sink a
// PreReduceTable flushes into: partition index and destination global
// worker id coincide one-to-one here, so FlushPartition(idx)'s Put calls
// become Send(idx, ...) directly (spec §4.6 "partition index selects the
// network destination").
type streamSink struct {
	stream *data.Stream
	to     uint32
}

func (s *streamSink) Put(k wordKey, v int64) {
	buf := make([]byte, wordRecordSize)
	wordKeyCodec{}.Encode(k, buf[:wordKeyLen])
	group.Int64Codec{}.Encode(v, buf[wordKeyLen:])
	if err := s.stream.Send(s.to, buf); err != nil {
		nlog.Warningf("wordcount: send to worker %d: %v", s.to, err)
	}
}

func (s *streamSink) Close() { s.stream.CloseSink(s.to) }

func decodeRecordsInto(post *core.PostReduceTable[wordKey, int64], blockBytes []byte, itemCount int) {
	for i := 0; i < itemCount; i++ {
		rec := blockBytes[i*wordRecordSize : (i+1)*wordRecordSize]
		k := wordKeyCodec{}.Decode(rec[:wordKeyLen])
		v := group.Int64Codec{}.Decode(rec[wordKeyLen:])
		post.Insert(k, v)
	}
}

// WordCount counts word occurrences across every worker's input shard
// (spec §4.6/§4.7 end to end): local pre-reduce, shuffle by destination
// worker, post-reduce completion, and a final emitted count per word.
func WordCount(w *ctx.Worker) error {
	numPartitions := w.NumGlobalWorkers()

	stream := w.GetNewStream(1)

	preCfg := core.Config[wordKey, int64]{
		HashKey:       hashWordKey,
		Reduce:        func(a, b int64) int64 { return a + b },
		NumPartitions: numPartitions,
		NumBuckets:    16,
		BlockCap:      64,
		FillRate:      0.75,
	}
	pre := core.NewPreReduceTable[wordKey, int64](preCfg, func(idx int) core.Sink[wordKey, int64] {
		return &streamSink{stream: stream, to: uint32(idx)}
	}, 0)

	for _, word := range myShardOfWords(w) {
		pre.Insert(keyFromWord(word), 1)
	}
	pre.Flush()

	results := make(map[wordKey]int64)
	postCfg := core.Config[wordKey, int64]{
		HashKey:       hashWordKey,
		Reduce:        func(a, b int64) int64 { return a + b },
		NumPartitions: 16,
		NumBuckets:    16,
		BlockCap:      64,
		FillRate:      0.75,
	}
	post := core.NewPostReduceTable[wordKey, int64](postCfg, wordKeyCodec{}, group.Int64Codec{}, w.Pool, 1<<20,
		func(k wordKey, v int64) { results[k] = v })

	for from := 0; from < numPartitions; from++ {
		q := stream.Inbound(uint32(from))
		for {
			b, ok := q.Pop()
			if !ok {
				break
			}
			decodeRecordsInto(post, b.Bytes(), b.ItemCount())
			b.Release()
		}
	}
	post.Flush()

	for k, v := range results {
		nlog.Infof("wordcount: worker %d: %q = %d", w.GlobalID(), k.String(), v)
	}
	return nil
}
