//go:build !mono

// Package mono provides low-level monotonic time, used by nlog to stamp
// a logger's last write.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns a monotonic nanosecond counter. The "mono" build tag
// switches to a runtime.nanotime link-name; this is the portable fallback.
func NanoTime() int64 { return int64(time.Since(start)) }
