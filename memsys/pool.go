package memsys

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/diaflow/diaflow/cmn/cos"
)

const DefaultBlockSize = 16 * cos.KiB

// BlockPool allocates fixed-size pinned Blocks (spec §4.4). Allocation
// above the pool's soft memory limit blocks the calling goroutine until a
// Release frees budget — this is the mechanism by which a full downstream
// BlockQueue (or BlockPool) transitively throttles an upstream emitter
// (spec §4.5 "Backpressure").
type BlockPool struct {
	Name      string
	BlockSize int
	MaxBlocks int // soft limit: 0 means unlimited

	once sync.Once
	sem  *semaphore.Weighted

	free   sync.Pool
	allocd atomic.Int64
}

func (p *BlockPool) lazyInit() {
	p.once.Do(func() {
		if p.BlockSize == 0 {
			p.BlockSize = DefaultBlockSize
		}
		if p.MaxBlocks > 0 {
			p.sem = semaphore.NewWeighted(int64(p.MaxBlocks))
		}
		p.free.New = func() any { return nil }
	})
}

// Allocate returns a Block, blocking on the soft limit if one is set.
func (p *BlockPool) Allocate(ctx context.Context) (*Block, error) {
	p.lazyInit()
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	p.allocd.Add(1)
	if v := p.free.Get(); v != nil {
		b := v.(*Block)
		b.refs.Store(1)
		return b, nil
	}
	return newBlock(p, p.BlockSize), nil
}

// Release returns a Block's last reference to the pool; prefer calling
// Block.Release, which only forwards here once the refcount hits zero.
func (p *BlockPool) release(b *Block) {
	p.allocd.Add(-1)
	p.free.Put(b)
	if p.sem != nil {
		p.sem.Release(1)
	}
}

// InUse reports the number of Blocks currently allocated and not yet
// released, for stats and tests.
func (p *BlockPool) InUse() int64 { return p.allocd.Load() }
