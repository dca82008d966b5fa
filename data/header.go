// Package data implements the Multiplexer and Stream (spec §4.5, C5): the
// demultiplexing of inbound Blocks into per-(stream, worker) queues, and
// the per-stream sinks workers write records into.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package data

import "encoding/binary"

const headerMagic uint32 = 0xD1A5F10D

const HeaderSize = 32

const flagClose = 1 << 0

// flagCompressed marks a payload as lz4-block-compressed (STREAM_COMPRESSION
// domain-stack addition, spec §6's byte 24 "reserved, 7" bits are exactly
// where a wire-format extension like this belongs); loopback deliveries
// never set it since they never touch the network.
const flagCompressed = 1 << 1

// header is the wire header preceding every multiplexed stream block
// (spec §6): 32 bytes, little-endian, fields at fixed byte offsets so it
// can be read with one AsyncReadBuffer ahead of the variable-length
// payload.
type header struct {
	streamID        uint32
	fromGlobalWorker uint32
	toGlobalWorker   uint32
	itemCount        uint32
	payloadSize      uint32
	close            bool
	compressed       bool
}

func encodeHeader(h header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], headerMagic)
	binary.LittleEndian.PutUint32(buf[4:8], h.streamID)
	binary.LittleEndian.PutUint32(buf[8:12], h.fromGlobalWorker)
	binary.LittleEndian.PutUint32(buf[12:16], h.toGlobalWorker)
	binary.LittleEndian.PutUint32(buf[16:20], h.itemCount)
	binary.LittleEndian.PutUint32(buf[20:24], h.payloadSize)
	if h.close {
		buf[24] |= flagClose
	}
	if h.compressed {
		buf[24] |= flagCompressed
	}
	// buf[25:32] reserved, left zero
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < HeaderSize {
		return h, errShortHeader
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != headerMagic {
		return h, errBadMagic
	}
	h.streamID = binary.LittleEndian.Uint32(buf[4:8])
	h.fromGlobalWorker = binary.LittleEndian.Uint32(buf[8:12])
	h.toGlobalWorker = binary.LittleEndian.Uint32(buf[12:16])
	h.itemCount = binary.LittleEndian.Uint32(buf[16:20])
	h.payloadSize = binary.LittleEndian.Uint32(buf[20:24])
	h.close = buf[24]&flagClose != 0
	h.compressed = buf[24]&flagCompressed != 0
	return h, nil
}
