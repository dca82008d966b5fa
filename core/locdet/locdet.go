// Package locdet implements LocationDetection (spec §4.8, C8): ahead of a
// join or skew-sensitive shuffle, decide which rank holds the most
// occurrences of each key seen on at least one input DIA, without ever
// materializing the full key space on one worker. Keys are projected onto
// a golomb-coded hash range sized from a global unique-key estimate, and
// each worker resolves the winners for its own slice of that range before
// broadcasting the resolved (hash, winner) pairs to everyone else.
package locdet

import (
	"encoding/binary"
	"sort"

	"github.com/diaflow/diaflow/cmn/prob"
	"github.com/diaflow/diaflow/group"
	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// DefaultB is the spec's default tuning parameter: the hash range is sized
// to b times the global unique-key estimate.
const DefaultB uint64 = 8

type observation struct {
	count uint8
	dia   uint8
}

// LocalCounts is the stage-1 local reduce table keyed by k: value
// (count, dia-index-bit), OR-combined on collision (spec §4.8 stage 1).
type LocalCounts[K comparable] struct {
	hashKey  func(K) uint64
	keyBytes func(K) []byte // optional; set by WithCuckooPreFilter
	filter   *cuckoo.Filter
	counts   map[K]*observation
}

func NewLocalCounts[K comparable](hashKey func(K) uint64) *LocalCounts[K] {
	return &LocalCounts[K]{hashKey: hashKey, counts: make(map[K]*observation)}
}

// WithCuckooPreFilter enables the stage-1 approximate-membership pre-filter:
// before a key is inserted into the local count table, the filter answers
// "have I seen this key on this DIA-side before" in O(1) with no
// hash-chain walk. keyBytes must return a stable byte encoding of K;
// capacity should roughly bound the expected number of distinct local
// keys. A filter false-positive only costs a redundant map probe — the
// map remains the sole authority on counts.
func (lc *LocalCounts[K]) WithCuckooPreFilter(keyBytes func(K) []byte, capacity uint) *LocalCounts[K] {
	lc.keyBytes = keyBytes
	lc.filter = cuckoo.NewFilter(capacity)
	return lc
}

// Observe records one occurrence of k from the DIA identified by diaBit
// (1 for the first side of a join, 2 for the second; OR-combined so a key
// seen on both sides carries bits 3).
func (lc *LocalCounts[K]) Observe(k K, diaBit uint8) {
	if lc.filter != nil {
		kb := lc.keyBytes(k)
		if !lc.filter.Lookup(kb) {
			lc.filter.InsertUnique(kb)
			lc.counts[k] = &observation{count: 1, dia: diaBit}
			return
		}
	}
	o, ok := lc.counts[k]
	if !ok {
		lc.counts[k] = &observation{count: 1, dia: diaBit}
		return
	}
	o.count = prob.AddCount(o.count, 1)
	o.dia |= diaBit
}

// Len is the local unique-key count fed into stage 2's AllReduce.
func (lc *LocalCounts[K]) Len() int { return len(lc.counts) }

// Result is the per-rank outcome of Detect: a deterministic h -> winner
// map, plus the (b, u) modulus every rank used to compute h so a caller
// can recompute it for any key at shuffle time.
type Result[K comparable] struct {
	b, u    uint64
	hashKey func(K) uint64
	winners map[uint64]int
}

// Rank reports the winning rank for k's location-detection hash, if any
// rank observed it at all.
func (r *Result[K]) Rank(k K) (rank int, ok bool) {
	h := r.hashKey(k) % (r.b * r.u)
	rank, ok = r.winners[h]
	return rank, ok
}

// aggEntry tracks, per hash bucket, the summed count and OR'd dia-bits
// across every rank that reported it, plus the individual highest count
// seen and the rank that reported it (spec §4.8 stage 3's tie-break).
type aggEntry struct {
	sumCount   uint8
	maxCount   uint8
	dia        uint8
	winnerRank int
}

func mergeEntry(m map[uint64]*aggEntry, e prob.Entry, fromRank int) {
	a, ok := m[e.H]
	if !ok {
		m[e.H] = &aggEntry{sumCount: e.Count, maxCount: e.Count, dia: e.DiaBits, winnerRank: fromRank}
		return
	}
	a.sumCount = prob.AddCount(a.sumCount, e.Count)
	a.dia |= e.DiaBits
	if e.Count > a.maxCount || (e.Count == a.maxCount && fromRank < a.winnerRank) {
		a.maxCount = e.Count
		a.winnerRank = fromRank
	}
}

// Detect runs stages 2-4 of location detection over g: hash projection,
// golomb-coded exchange, and broadcast of the resolved winners (spec
// §4.8). b is the tuning parameter (DefaultB if the caller has no reason
// to change it).
func Detect[K comparable](g *group.Group, lc *LocalCounts[K], b uint64) *Result[K] {
	p := g.Size()
	myRank := g.Rank()

	u := group.AllReduce(g, uint64(lc.Len()), func(a, b uint64) uint64 { return a + b }, group.Uint64Codec{})
	if u == 0 {
		u = 1 // keep the modulus well-defined; winners stays empty so lookups miss anyway
	}
	total := b * u
	sliceWidth := (total + uint64(p) - 1) / uint64(p)
	sliceOf := func(h uint64) int {
		idx := int(h / sliceWidth)
		if idx >= p {
			idx = p - 1
		}
		return idx
	}

	entries := make([]prob.Entry, 0, len(lc.counts))
	for k, o := range lc.counts {
		entries = append(entries, prob.Entry{H: lc.hashKey(k) % total, Count: o.count, DiaBits: o.dia})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].H < entries[j].H })

	outgoing := make([][]prob.Entry, p)
	for _, e := range entries {
		j := sliceOf(e.H)
		outgoing[j] = append(outgoing[j], e)
	}

	mine := make(map[uint64]*aggEntry)
	for _, e := range outgoing[myRank] {
		mergeEntry(mine, e, myRank)
	}

	for r := 0; r < p; r++ {
		if r == myRank {
			continue
		}
		var in []prob.Entry
		out := prob.Encode(outgoing[r], b)
		if myRank < r {
			sendFramed(g, r, out)
			in = prob.Decode(recvFramed(g, r), b)
		} else {
			in = prob.Decode(recvFramed(g, r), b)
			sendFramed(g, r, out)
		}
		for _, e := range in {
			mergeEntry(mine, e, r)
		}
	}

	// Stage 4: broadcast each rank's resolved slice to everyone else, one
	// origin at a time so no two ranks write to the same peer at once.
	global := make(map[uint64]int, len(mine))
	for h, a := range mine {
		global[h] = a.winnerRank
	}
	myBroadcast := make([]prob.Entry, 0, len(mine))
	for h, a := range mine {
		myBroadcast = append(myBroadcast, prob.Entry{H: h, Count: uint8(a.winnerRank), DiaBits: a.dia})
	}
	sort.Slice(myBroadcast, func(i, j int) bool { return myBroadcast[i].H < myBroadcast[j].H })
	myPayload := prob.Encode(myBroadcast, b)

	for origin := 0; origin < p; origin++ {
		if origin == myRank {
			for r := 0; r < p; r++ {
				if r != myRank {
					sendFramed(g, r, myPayload)
				}
			}
			continue
		}
		entries := prob.Decode(recvFramed(g, origin), b)
		for _, e := range entries {
			global[e.H] = int(e.Count)
		}
	}

	return &Result[K]{b: b, u: u, hashKey: lc.hashKey, winners: global}
}

// sendFramed/recvFramed carry a variable-length golomb-coded payload (spec
// §6) over a Group's point-to-point primitives, which otherwise require
// both sides to agree on a fixed length up front.
func sendFramed(g *group.Group, rank int, payload []byte) {
	framed := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(framed[:8], uint64(len(payload)))
	copy(framed[8:], payload)
	if err := g.SendTo(rank, framed); err != nil {
		panic(err) // a Group connection failure here is a network-after-bootstrap fault (spec §6 exit code 3)
	}
}

func recvFramed(g *group.Group, rank int) []byte {
	var lenBuf [8]byte
	if err := g.RecvFrom(rank, lenBuf[:]); err != nil {
		panic(err)
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if err := g.RecvFrom(rank, payload); err != nil {
			panic(err)
		}
	}
	return payload
}
