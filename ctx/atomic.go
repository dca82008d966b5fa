package ctx

import "sync/atomic"

// Int64 is a thin wrapper over sync/atomic, the same shape as the
// teacher's cmn/atomic value types (Load/Store/Inc), kept small here since
// ctx only needs one counter: how many of a host's workers have returned
// from the job entry point.
type Int64 struct {
	v atomic.Int64
}

func (i *Int64) Load() int64    { return i.v.Load() }
func (i *Int64) Inc() int64     { return i.v.Add(1) }
func (i *Int64) Store(n int64)  { i.v.Store(n) }
