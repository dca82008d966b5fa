package memsys

import "sync"

// BlockQueue is a single-producer single-consumer FIFO of Blocks with a
// close sentinel (spec §4.4). Append may be called any number of times
// before Close; Pop returns blocks in order and, once the queue is both
// closed and drained, returns ok=false forever after.
type BlockQueue struct {
	mu     sync.Mutex
	cond   sync.Cond
	blocks []*Block
	closed bool
}

func NewBlockQueue() *BlockQueue {
	q := &BlockQueue{}
	q.cond.L = &q.mu
	return q
}

func (q *BlockQueue) Append(b *Block) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		// a producer racing its own Close is a caller bug, not a runtime
		// condition to recover from (spec §4.4 SPSC discipline).
		panic("memsys: Append after Close")
	}
	q.blocks = append(q.blocks, b)
	q.cond.Signal()
}

func (q *BlockQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Signal()
}

// WriteClosed reports whether Close has been called, regardless of
// whether unread blocks remain.
func (q *BlockQueue) WriteClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Pop blocks until a Block is available or the queue is closed and
// drained, in which case ok is false.
func (q *BlockQueue) Pop() (b *Block, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.blocks) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.blocks) == 0 {
		return nil, false
	}
	b = q.blocks[0]
	q.blocks = q.blocks[1:]
	return b, true
}

// TryPop is the non-blocking variant of Pop: it returns ok=false at once
// when no Block is queued, whether or not the queue is closed.
func (q *BlockQueue) TryPop() (b *Block, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.blocks) == 0 {
		return nil, false
	}
	b = q.blocks[0]
	q.blocks = q.blocks[1:]
	return b, true
}

func (q *BlockQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.blocks)
}
