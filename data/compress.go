package data

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v3"
)

// compressPayload lz4-block-compresses raw for the wire (STREAM_COMPRESSION,
// off by default — spec §6's wire format is defined uncompressed). The
// first 4 bytes of the result are raw's uncompressed length, little-endian,
// so decompressPayload can size its destination without a separate header
// field. Returns nil if raw doesn't shrink, in which case the caller sends
// it uncompressed instead.
func compressPayload(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	bound := lz4.CompressBlockBound(len(raw))
	dst := make([]byte, 4+bound)
	hashTable := make([]int, 1<<16)
	n, err := lz4.CompressBlock(raw, dst[4:], hashTable)
	if err != nil || n == 0 || n >= len(raw) {
		return nil
	}
	binary.LittleEndian.PutUint32(dst[:4], uint32(len(raw)))
	return dst[:4+n]
}

func decompressPayload(compressed []byte) ([]byte, error) {
	if len(compressed) < 4 {
		return nil, errShortHeader
	}
	n := binary.LittleEndian.Uint32(compressed[:4])
	dst := make([]byte, n)
	m, err := lz4.UncompressBlock(compressed[4:], dst)
	if err != nil {
		return nil, err
	}
	return dst[:m], nil
}
