// Package xoshiro256 implements splitmix64, the fixed-point mixing step of
// the xoshiro256** generator family, usable as a fast non-cryptographic
// integer hash. core and core/locdet take their hash from the caller; in
// this module only core's tests pass this one in.
// no-copyright
package xoshiro256

// Hash mixes x with Sebastiano Vigna's splitmix64 finalizer. It is a
// bijection on uint64 (every input maps to a distinct output), which is
// exactly what bucket/partition indexing needs: no two keys alias to the
// same hash unless they were already equal.
func Hash(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	x ^= x >> 31
	return x
}
