package data

import (
	"context"
	"errors"
	"sync"

	"github.com/diaflow/diaflow/cmn/debug"
	"github.com/diaflow/diaflow/memsys"
)

var errItemTooLarge = errors.New("data: item does not fit in one block")

// allocCtx is used for the Block allocations a Sink performs. It is a
// background context with no cancellation, so such an allocation waits
// for as long as the pool's soft limit holds it back.
var allocCtx = context.Background()

// Stream is the logical channel of one DIA edge, identified by
// (stream_id, local worker) (spec §4.5). It owns exactly NumWorkers
// outbound sinks (one per destination global worker) and NumWorkers
// inbound BlockQueues (one per source global worker).
type Stream struct {
	ID          uint32
	LocalWorker uint32
	NumWorkers  int

	pool *memsys.BlockPool

	sinks []*sinkState

	inbound []*memsys.BlockQueue

	closeMu       sync.Mutex
	closedSources map[uint32]bool
	fullyClosed   bool
	onFullyClosed func()

	// route hands a flushed Block bound for global worker `to` to the
	// Multiplexer, which decides whether it's a loopback append or a
	// wire send (spec §4.5's loopback-path invariant lives there, not
	// here, so a Stream never needs to know its own host topology).
	route func(to uint32, h header, b *memsys.Block)
}

type sinkState struct {
	mu  sync.Mutex
	cur *memsys.Block
}

// NewStream allocates a Stream with the given identity. route is called
// once per flushed Block (including the final close Block) with the
// payload still attached to its Block; the caller (normally a
// Multiplexer) owns the Block's lifetime afterward.
func NewStream(id, localWorker uint32, numWorkers int, pool *memsys.BlockPool,
	route func(to uint32, h header, b *memsys.Block)) *Stream {
	s := &Stream{
		ID:            id,
		LocalWorker:   localWorker,
		NumWorkers:    numWorkers,
		pool:          pool,
		sinks:         make([]*sinkState, numWorkers),
		inbound:       make([]*memsys.BlockQueue, numWorkers),
		closedSources: make(map[uint32]bool, numWorkers),
		route:         route,
	}
	for i := range s.sinks {
		s.sinks[i] = &sinkState{}
	}
	for i := range s.inbound {
		s.inbound[i] = memsys.NewBlockQueue()
	}
	return s
}

// Inbound returns the BlockQueue fed by fromGlobalWorker's sink on this
// Stream; workers pop records from it.
func (s *Stream) Inbound(fromGlobalWorker uint32) *memsys.BlockQueue {
	return s.inbound[fromGlobalWorker]
}

// Send packs item into the current Block for destination to, flushing a
// full Block to the wire (or loopback queue) as needed.
func (s *Stream) Send(to uint32, item []byte) error {
	debug.Assert(int(to) < s.NumWorkers)
	ss := s.sinks[to]
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.cur == nil {
		b, err := s.pool.Allocate(allocCtx)
		if err != nil {
			return err
		}
		ss.cur = b
	}
	if !ss.cur.Append(item) {
		s.flushLocked(to, ss, false)
		b, err := s.pool.Allocate(allocCtx)
		if err != nil {
			return err
		}
		ss.cur = b
		if !ss.cur.Append(item) {
			return errItemTooLarge
		}
	}
	return nil
}

// Flush forces the partial Block for destination to onto the wire without
// closing the sink.
func (s *Stream) Flush(to uint32) {
	ss := s.sinks[to]
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.cur != nil && ss.cur.ItemCount() > 0 {
		s.flushLocked(to, ss, false)
	}
}

// SendBlock hands an already-packed Block to destination `to` by
// reference, without re-serializing its items — the whole-block move
// spec §4.3.7 permits when a Scatter offset range aligns with block
// boundaries. Any pending partial Block for `to` is flushed first to
// preserve ordering.
func (s *Stream) SendBlock(to uint32, b *memsys.Block) {
	ss := s.sinks[to]
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.cur != nil && ss.cur.ItemCount() > 0 {
		s.flushLocked(to, ss, false)
	}
	s.emit(to, b, false)
}

// CloseSink flushes any partial final Block for destination to with the
// close flag set (spec §4.5 "Sink close emits a zero-or-partial final
// Block with close flag set").
func (s *Stream) CloseSink(to uint32) {
	ss := s.sinks[to]
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.cur == nil {
		b, _ := s.pool.Allocate(allocCtx)
		ss.cur = b
	}
	s.flushLocked(to, ss, true)
}

func (s *Stream) flushLocked(to uint32, ss *sinkState, close bool) {
	b := ss.cur
	ss.cur = nil
	s.emit(to, b, close)
}

func (s *Stream) emit(to uint32, b *memsys.Block, close bool) {
	h := header{
		streamID:         s.ID,
		fromGlobalWorker: s.LocalWorker,
		toGlobalWorker:   to,
		itemCount:        uint32(b.ItemCount()),
		payloadSize:      uint32(len(b.Bytes())),
		close:            close,
	}
	s.route(to, h, b)
}

// deliverInbound is called by the Multiplexer — directly for a loopback
// Block, or after reading a payload off the wire — to hand data to this
// Stream's queue for source `from`.
func (s *Stream) deliverInbound(from uint32, closeFlag bool, b *memsys.Block) {
	q := s.inbound[from]
	if len(b.Bytes()) > 0 {
		q.Append(b)
	} else {
		b.Release()
	}
	if closeFlag {
		q.Close()
		s.noteSourceClosed(from)
	}
}

func (s *Stream) noteSourceClosed(from uint32) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closedSources[from] {
		return
	}
	s.closedSources[from] = true
	if len(s.closedSources) == s.NumWorkers && !s.fullyClosed {
		s.fullyClosed = true
		if s.onFullyClosed != nil {
			s.onFullyClosed()
		}
	}
}

// FullyClosed reports whether every expected source has delivered its
// close flag (spec §4.5).
func (s *Stream) FullyClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.fullyClosed
}
