package ctx

import (
	"github.com/diaflow/diaflow/data"
	"github.com/diaflow/diaflow/group"
	"github.com/diaflow/diaflow/memsys"
)

// Worker is the per-logical-worker handle a job entry point receives
// (spec §4.9): point-to-point and collective primitives on the flow
// Group, stream creation on the Multiplexer, and File/Block access on the
// host's BlockPool.
type Worker struct {
	id     int
	global uint32

	Flow *group.Group     // SendTo/RecvFrom/SendReceive here; Broadcast/AllReduce/... via group.Xxx(w.Flow, ...)
	Pool *memsys.BlockPool // GetFile()'s backing allocator

	mux *data.Multiplexer
}

// ID is this worker's logical id within its host, in [0, WorkersPerHost).
func (w *Worker) ID() int { return w.id }

// GlobalID is this worker's global id (spec §4.9: host*W + local index),
// the addressing unit every Stream and collective uses.
func (w *Worker) GlobalID() uint32 { return w.global }

// SendTo/RecvFrom/SendReceive are point-to-point primitives on the flow
// Group (spec §4.3).
func (w *Worker) SendTo(rank int, buf []byte) error        { return w.Flow.SendTo(rank, buf) }
func (w *Worker) RecvFrom(rank int, buf []byte) error      { return w.Flow.RecvFrom(rank, buf) }
func (w *Worker) SendReceive(rank int, out, in []byte) error { return w.Flow.SendReceive(rank, out, in) }

// GetNewStream registers and returns a new Stream for this worker (spec
// §4.5/§4.9).
func (w *Worker) GetNewStream(id uint32) *data.Stream {
	return w.mux.NewStream(id, w.global)
}

// NumGlobalWorkers is P·W, the fixed address space every Stream shuffles
// across (spec §4.9).
func (w *Worker) NumGlobalWorkers() int { return w.mux.NumGlobalWorkers() }

// GetFile returns a new, empty File backed by this worker's host
// BlockPool (spec §4.9): the caller Allocates Blocks from Pool and
// Appends them through the File's Writer.
func (w *Worker) GetFile() *memsys.File {
	return memsys.NewFile()
}
