package group

// AllGather dispatches by host count (spec §4.3.6).
func AllGather[T any](g *Group, xs []T, codec Codec[T]) []T {
	if isPowerOfTwo(g.size) {
		return AllGatherRecursiveDoubling(g, xs, codec)
	}
	return AllGatherBruck(g, xs, codec)
}

func encodeAll[T any](xs []T, codec Codec[T]) []byte {
	n := codec.Size()
	out := make([]byte, n*len(xs))
	for i, x := range xs {
		codec.Encode(x, out[i*n:(i+1)*n])
	}
	return out
}

func decodeAll[T any](buf []byte, codec Codec[T]) []T {
	n := codec.Size()
	count := len(buf) / n
	out := make([]T, count)
	for i := range out {
		out[i] = codec.Decode(buf[i*n : (i+1)*n])
	}
	return out
}

// AllGatherRecursiveDoubling: power-of-two P. In round j, exchange the
// current (2^j)*n-sized block with peer i XOR 2^j (spec §4.3.6).
func AllGatherRecursiveDoubling[T any](g *Group, xs []T, codec Codec[T]) []T {
	rank, size := g.myRank, g.size
	n := len(xs)
	elemSize := codec.Size()

	// result[r] holds rank r's contribution, laid out contiguously in
	// final rank order once the doubling completes.
	result := make([]byte, size*n*elemSize)
	copy(result[rank*n*elemSize:(rank+1)*n*elemSize], encodeAll(xs, codec))

	blockLen := n * elemSize
	for j := 0; (1 << uint(j)) < size; j++ {
		peer := rank ^ (1 << uint(j))
		curSize := (1 << uint(j)) * blockLen
		// the block this rank has accumulated so far is 2^j blocks wide,
		// aligned at a multiple of 2^(j+1) blocks; its partner holds the
		// complementary half of that same 2^(j+1)-wide group.
		groupBase := (rank / (2 << uint(j))) * (2 << uint(j)) * blockLen
		base := groupBase
		mine := result[base : base+curSize]
		if rank&(1<<uint(j)) != 0 {
			mine = result[base+curSize : base+2*curSize]
		}

		in := make([]byte, curSize)
		if err := g.SendReceive(peer, mine, in); err != nil {
			panic(err)
		}
		if rank&(1<<uint(j)) != 0 {
			copy(result[base:base+curSize], in)
		} else {
			copy(result[base+curSize:base+2*curSize], in)
		}
	}
	return decodeAll(result, codec)
}

// AllGatherBruck: arbitrary P. Round j sends the buffer accumulated so far
// to rank-2^j and receives from rank+2^j, appending what arrives; after
// ceil(log2(P)) rounds a rank holds the blocks of ranks rank, rank+1, ...,
// rank+P-1 (mod P) contiguously, and a final cyclic shift restores
// positional order (spec §4.3.6). Send and receive target different peers
// each round, so — as elsewhere in this package (see PrefixSum) — the two
// legs go through SendTo/RecvFrom rather than the symmetric SendReceive.
func AllGatherBruck[T any](g *Group, xs []T, codec Codec[T]) []T {
	rank, size := g.myRank, g.size
	n := len(xs)
	elemSize := codec.Size()

	cur := encodeAll(xs, codec)

	for j := 0; (1 << uint(j)) < size; j++ {
		d := 1 << uint(j)
		sendTo := (rank - d + size) % size
		recvFrom := (rank + d) % size

		in := make([]byte, len(cur))
		if err := g.SendTo(sendTo, cur); err != nil {
			panic(err)
		}
		if err := g.RecvFrom(recvFrom, in); err != nil {
			panic(err)
		}
		merged := make([]byte, 0, len(cur)+len(in))
		merged = append(merged, cur...)
		merged = append(merged, in...)
		cur = merged
	}

	// cur[k] holds rank (rank+k)%size's block; rotate so index i holds
	// rank i's block.
	total := size * n * elemSize
	if len(cur) > total {
		cur = cur[:total]
	}
	out := make([]byte, total)
	for k := 0; k < size; k++ {
		srcRank := (rank + k) % size
		copy(out[srcRank*n*elemSize:(srcRank+1)*n*elemSize], cur[k*n*elemSize:(k+1)*n*elemSize])
	}
	return decodeAll(out, codec)
}
