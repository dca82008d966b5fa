package group

// PrefixSum implements Hillis-Steele doubling (spec §4.3.2): for d=1,2,4,...
// while d<P, rank i with i+d<P sends its current value to i+d; rank
// i>=d receives from i-d and combines v <- v_recv ⊕ v (left operand is the
// lower-ranked contribution, preserving associativity for non-commutative
// operators). Inclusive result: rank i ends with v_0 ⊕ ... ⊕ v_i.
func PrefixSum[T any](g *Group, v T, op func(a, b T) T, codec Codec[T]) T {
	return prefixSum(g, v, op, codec, false)
}

// PrefixSumExclusive: rank 0 ends with the identity (supplied by the
// caller as the zero value semantics require — here, simply never
// combined into), rank i>0 ends with v_0 ⊕ ... ⊕ v_{i-1}.
func PrefixSumExclusive[T any](g *Group, v T, op func(a, b T) T, codec Codec[T]) T {
	return prefixSum(g, v, op, codec, true)
}

func prefixSum[T any](g *Group, v T, op func(a, b T) T, codec Codec[T], exclusive bool) T {
	rank, size := g.myRank, g.size
	var identity T
	incl := v // inclusive prefix so far; every round sends this
	var excl T
	haveExcl := false

	size8 := codec.Size()
	out := make([]byte, size8)
	in := make([]byte, size8)

	for d := 1; d < size; d *= 2 {
		if rank+d < size {
			codec.Encode(incl, out)
			if err := g.SendTo(rank+d, out); err != nil {
				panic(err) // collectives don't retry (spec §4.3.8): the job fails
			}
		}
		if rank >= d {
			if err := g.RecvFrom(rank-d, in); err != nil {
				panic(err)
			}
			recv := codec.Decode(in)
			incl = op(recv, incl)
			if exclusive && !haveExcl {
				// first value this rank ever receives becomes its
				// exclusive prefix-sum seed, per spec §4.3.2.
				excl = recv
				haveExcl = true
			} else if exclusive {
				excl = op(recv, excl)
			}
		}
	}
	if exclusive && rank == 0 {
		return identity
	}
	if exclusive {
		return excl
	}
	return incl
}

// Broadcast implements the binomial tree of spec §4.3.3 on ranks shifted
// cyclically by origin: m = (i - origin) mod P.
func Broadcast[T any](g *Group, v T, origin int, codec Codec[T]) T {
	rank, size := g.myRank, g.size
	m := ((rank - origin) % size + size) % size

	buf := make([]byte, codec.Size())
	val := v

	if m > 0 {
		lsb := m & (-m)
		src := m ^ lsb
		// translate src (shifted) back to absolute rank
		srcAbs := (src + origin) % size
		if err := g.RecvFrom(srcAbs, buf); err != nil {
			panic(err)
		}
		val = codec.Decode(buf)
	}

	codec.Encode(val, buf)
	// rank m forwards to m+d for every power of two d below m's lowest
	// set bit (every d < P for the origin, m = 0), while m+d<P: exactly
	// the ranks whose src above is m.
	limit := size
	if m > 0 {
		limit = 1 << uint(ffs1(m)-1)
	}
	for d := 1; d < limit && m+d < size; d *= 2 {
		dstAbs := (m + d + origin) % size
		if err := g.SendTo(dstAbs, buf); err != nil {
			panic(err)
		}
	}
	return val
}

// ffs1 returns the 1-indexed position of the lowest set bit of m (POSIX
// ffs semantics; 0 iff m==0), used by Broadcast to find the lowest set bit
// of shifted rank m, which bounds the distances it forwards at.
func ffs1(m int) int {
	if m == 0 {
		return 0
	}
	r := 1
	for m&1 == 0 {
		m >>= 1
		r++
	}
	return r
}

// Reduce implements the dual of Broadcast (spec §4.3.4): for d=1,2,...
// a rank whose shifted id has bit d set sends to m-d and exits; otherwise
// if m+d<P it receives and folds v <- v ⊕ v_recv, left-to-right.
func Reduce[T any](g *Group, v T, op func(a, b T) T, root int, codec Codec[T]) T {
	rank, size := g.myRank, g.size
	m := ((rank - root) % size + size) % size

	buf := make([]byte, codec.Size())
	val := v

	for d := 1; d < size; d *= 2 {
		if m&d != 0 {
			codec.Encode(val, buf)
			dstAbs := (m - d + root + size) % size
			if err := g.SendTo(dstAbs, buf); err != nil {
				panic(err)
			}
			return val
		}
		if m+d < size {
			srcAbs := (m + d + root) % size
			if err := g.RecvFrom(srcAbs, buf); err != nil {
				panic(err)
			}
			val = op(val, codec.Decode(buf))
		}
	}
	return val
}
