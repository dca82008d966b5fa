// Package cos provides common low-level types and utilities shared by every
// layer of the execution substrate.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"github.com/teris-io/shortid"
)

const runIDABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

// one generator per process: Host Context bootstrap calls InitRunID once,
// with the rank folded into the worker component so ids generated on
// different hosts of the same job don't collide.
var gen *shortid.Shortid

func InitRunID(rank int, seed uint64) {
	gen = shortid.MustNew(uint8(rank&0xff), runIDABC, seed)
}

// GenRunID returns a short, log-friendly id stamped on every nlog line and
// diagnostic for this job run, so interleaved multi-host logs stay
// distinguishable (teacher idiom: cos.GenUUID / cos.GenDaemonID).
func GenRunID() string {
	if gen == nil {
		InitRunID(0, 0)
	}
	return gen.MustGenerate()
}
