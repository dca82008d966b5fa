package group

// AllReduce picks AllReduceHypercube when the host count is a power of two
// and AllReduce32 otherwise (spec §4.3.5); AllReduceReduceBroadcast, the
// third implementation, is only called directly. All three MUST produce
// the same result for an associative operator, which is exercised by the
// property tests in collectives_suite_test.go.
func AllReduce[T any](g *Group, v T, op func(a, b T) T, codec Codec[T]) T {
	if isPowerOfTwo(g.size) {
		return AllReduceHypercube(g, v, op, codec)
	}
	return AllReduce32(g, v, op, codec)
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// AllReduceHypercube: log2(P) rounds of SendReceive with peer i XOR 2^d;
// the lower-ranked peer keeps the left-operand position each round so the
// aggregation order is identical (and thus deterministic) on every rank,
// as required by non-commutative operators too (spec §4.3.5).
func AllReduceHypercube[T any](g *Group, v T, op func(a, b T) T, codec Codec[T]) T {
	rank, size := g.myRank, g.size
	val := v
	size8 := codec.Size()
	out := make([]byte, size8)
	in := make([]byte, size8)

	for d := 1; d < size; d *= 2 {
		peer := rank ^ d
		codec.Encode(val, out)
		if err := g.SendReceive(peer, out, in); err != nil {
			panic(err)
		}
		recv := codec.Decode(in)
		if rank < peer {
			val = op(val, recv)
		} else {
			val = op(recv, val)
		}
	}
	return val
}

// AllReduceReduceBroadcast: any P. Reduce to rank 0 then broadcast back.
func AllReduceReduceBroadcast[T any](g *Group, v T, op func(a, b T) T, codec Codec[T]) T {
	reduced := Reduce(g, v, op, 0, codec)
	return Broadcast(g, reduced, 0, codec)
}

// AllReduce32 is the all-reduce for a group size that isn't a power of
// two: each rank above the largest power-of-two core sends its value to
// one core rank and is parked, the core runs a hypercube all-reduce, and
// the result goes back out to the parked ranks. The elimination is one
// round of pairs (two processes into one); the recursive three-into-two
// rounds of the Rabenseifner-Traff scheme are not performed.
func AllReduce32[T any](g *Group, v T, op func(a, b T) T, codec Codec[T]) T {
	rank, size := g.myRank, g.size
	if isPowerOfTwo(size) {
		return AllReduceHypercube(g, v, op, codec)
	}

	// largest power of two <= size
	core := 1
	for core*2 <= size {
		core *= 2
	}
	extra := size - core // number of ranks beyond the power-of-two core

	size8 := codec.Size()
	buf := make([]byte, size8)
	val := v

	// Ranks [size-2*extra, size) pair up two-into-one: rank r in the top
	// `extra` ranks sends its value to r-extra and drops out of the
	// hypercube phase; the receiving rank combines it in immediately.
	active := rank < core
	if !active {
		dst := rank - extra
		codec.Encode(val, buf)
		if err := g.SendTo(dst, buf); err != nil {
			panic(err)
		}
	} else if rank >= core-extra {
		src := rank + extra
		if err := g.RecvFrom(src, buf); err != nil {
			panic(err)
		}
		val = op(val, codec.Decode(buf))
	}

	if active {
		val = allReduceCore(g, val, op, codec, core)
	}

	// gather back: the core broadcasts the final value to the parked
	// ranks it received an elimination message from.
	if active && rank >= core-extra {
		src := rank // core rank, also source for its eliminated partner
		dst := src + extra
		codec.Encode(val, buf)
		if err := g.SendTo(dst, buf); err != nil {
			panic(err)
		}
	} else if !active {
		src := rank - extra
		if err := g.RecvFrom(src, buf); err != nil {
			panic(err)
		}
		val = codec.Decode(buf)
	}
	return val
}

// allReduceCore runs the plain hypercube all-reduce restricted to the
// power-of-two-sized "core" rank range [0, core), using the same rank
// numbering (peers are all < core, so no remapping is needed since the
// core occupies the low end of the rank space by construction above).
func allReduceCore[T any](g *Group, v T, op func(a, b T) T, codec Codec[T], core int) T {
	rank := g.myRank
	val := v
	size8 := codec.Size()
	out := make([]byte, size8)
	in := make([]byte, size8)
	for d := 1; d < core; d *= 2 {
		peer := rank ^ d
		codec.Encode(val, out)
		if err := g.SendReceive(peer, out, in); err != nil {
			panic(err)
		}
		recv := codec.Decode(in)
		if rank < peer {
			val = op(val, recv)
		} else {
			val = op(recv, val)
		}
	}
	return val
}
