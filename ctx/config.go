// Package ctx implements Host Context (spec §4.9, C9): bootstrap from
// environment variables, wiring one BlockPool, one flow-control Group, one
// data Group plus Multiplexer, and W worker handles per host.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package ctx

import (
	"runtime"
	"sync/atomic"

	"github.com/diaflow/diaflow/memsys"
)

// Config is this job's resolved bootstrap configuration (spec §6). It is
// immutable once built; a new run gets a new Config rather than mutating
// one in place.
type Config struct {
	Rank           int
	Hosts          []string // flow-plane endpoints, one per host, index == rank
	WorkersPerHost int
	BlockSize      int
	MemLimit       int64

	// StreamCompression toggles optional per-frame LZ4 compression on the
	// data Multiplexer (domain-stack addition, STREAM_COMPRESSION=lz4).
	StreamCompression bool

	// LocDetB is the Location Detection tuning parameter b (domain-stack
	// addition, LOCDET_B; defaults to locdet.DefaultB).
	LocDetB uint64
}

func (c *Config) NumHosts() int { return len(c.Hosts) }

// dataHosts derives the data-plane endpoint list from the flow-plane one:
// one TCP port per concern (spec §4.9 "one Group per concern"), so Connect
// can bind both groups on the same host without a port collision. This is
// an implementation choice spec §6 leaves to the bootstrap: it names roles
// for env vars, not a wire contract for how many sockets realize them.
func (c *Config) dataHosts() []string {
	out := make([]string, len(c.Hosts))
	for i, h := range c.Hosts {
		out[i] = offsetPort(h, 1)
	}
	return out
}

// gco is this process's global configuration object: an atomic pointer
// swapped once at bootstrap, read everywhere else without locking (teacher
// idiom: cmn.GCO.Get(), here ctx.GCO.Get()).
type globalCfgOwner struct {
	ptr atomic.Pointer[Config]
}

var GCO = &globalCfgOwner{}

func (g *globalCfgOwner) Get() *Config { return g.ptr.Load() }
func (g *globalCfgOwner) Put(c *Config) { g.ptr.Store(c) }

func defaultWorkersPerHost() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}

func defaultBlockPool(cfg *Config) *memsys.BlockPool {
	pool := &memsys.BlockPool{Name: "host-pool", BlockSize: cfg.BlockSize}
	if cfg.MemLimit > 0 {
		pool.MaxBlocks = int(cfg.MemLimit / int64(cfg.BlockSize))
		if pool.MaxBlocks < 1 {
			pool.MaxBlocks = 1
		}
	}
	return pool
}
