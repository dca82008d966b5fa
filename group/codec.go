package group

import (
	"encoding/binary"
	"math"
)

// Codec turns a collective's operand type into a fixed-size wire
// representation. Spec §4.3.1 specifies collectives "in terms of
// SendTo/RecvFrom plus SendReceive" applied to serialized values; Codec is
// the serialization seam (records elsewhere in the substrate are opaque
// bytes per spec §1 — collectives are the one place this module needs to
// look inside a value, to apply the caller's associative operator).
type Codec[T any] interface {
	Size() int
	Encode(T, []byte)
	Decode([]byte) T
}

type Int64Codec struct{}

func (Int64Codec) Size() int { return 8 }
func (Int64Codec) Encode(v int64, buf []byte) {
	binary.LittleEndian.PutUint64(buf, uint64(v))
}
func (Int64Codec) Decode(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf))
}

type Uint64Codec struct{}

func (Uint64Codec) Size() int                          { return 8 }
func (Uint64Codec) Encode(v uint64, buf []byte)        { binary.LittleEndian.PutUint64(buf, v) }
func (Uint64Codec) Decode(buf []byte) uint64           { return binary.LittleEndian.Uint64(buf) }

// Float64Codec is provided for collectives over floating-point payloads
// (e.g. logistic-regression-style numeric jobs supplemented from
// original_source/examples/logistic_regression).
type Float64Codec struct{}

func (Float64Codec) Size() int { return 8 }
func (Float64Codec) Encode(v float64, buf []byte) {
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
}
func (Float64Codec) Decode(buf []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(buf))
}
