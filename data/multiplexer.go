package data

import (
	"fmt"
	"sync"

	"github.com/diaflow/diaflow/cmn/nlog"
	"github.com/diaflow/diaflow/conn"
	"github.com/diaflow/diaflow/dispatcher"
	"github.com/diaflow/diaflow/memsys"
)

// Multiplexer is one per host (spec §4.5). It owns a single inbound async
// read per peer Connection and demultiplexes arriving headers into the
// registered Stream's per-source BlockQueue; for peers on the same host it
// is bypassed entirely (Stream.route hands the Block straight to the
// destination Stream instance without ever reaching the wire).
type Multiplexer struct {
	disp           *dispatcher.Dispatcher
	pool           *memsys.BlockPool
	myHost         int
	workersPerHost int
	numHosts       int

	mu      sync.RWMutex
	streams map[uint64]*Stream

	peers map[int]*conn.Connection // host -> data-plane connection

	// Compress lz4-compresses each non-empty cross-host payload that lz4
	// makes smaller; any other payload goes out uncompressed
	// (STREAM_COMPRESSION=lz4, off by default). Loopback traffic never
	// touches it since it never reaches the wire.
	Compress bool
}

func NewMultiplexer(disp *dispatcher.Dispatcher, pool *memsys.BlockPool, myHost, workersPerHost, numHosts int) *Multiplexer {
	return &Multiplexer{
		disp:           disp,
		pool:           pool,
		myHost:         myHost,
		workersPerHost: workersPerHost,
		numHosts:       numHosts,
		streams:        make(map[uint64]*Stream),
		peers:          make(map[int]*conn.Connection),
	}
}

func streamKey(id, worker uint32) uint64 { return uint64(id)<<32 | uint64(worker) }

func (m *Multiplexer) hostOf(globalWorker uint32) int {
	return int(globalWorker) / m.workersPerHost
}

func (m *Multiplexer) isLocal(globalWorker uint32) bool {
	return m.hostOf(globalWorker) == m.myHost
}

// NumGlobalWorkers returns P·W, the fixed width of every Stream's sink and
// inbound-queue arrays.
func (m *Multiplexer) NumGlobalWorkers() int { return m.numHosts * m.workersPerHost }

// NewStream constructs and registers a Stream local to worker
// localWorker, wired to route through this Multiplexer.
func (m *Multiplexer) NewStream(id, localWorker uint32) *Stream {
	s := NewStream(id, localWorker, m.NumGlobalWorkers(), m.pool, m.route)
	m.mu.Lock()
	m.streams[streamKey(id, localWorker)] = s
	m.mu.Unlock()
	return s
}

func (m *Multiplexer) lookup(id, worker uint32) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[streamKey(id, worker)]
	return s, ok
}

// RegisterPeer associates a data-plane Connection with the host it leads
// to and begins the Multiplexer's inbound async read loop on it.
func (m *Multiplexer) RegisterPeer(host int, c *conn.Connection) error {
	m.mu.Lock()
	m.peers[host] = c
	m.mu.Unlock()

	fd, err := c.FD()
	if err != nil {
		return err
	}
	if err := c.SetNonblocking(true); err != nil {
		return err
	}
	m.readHeader(fd, host)
	return nil
}

// readHeader issues the async read of the next 32-byte stream header on
// fd, per spec §4.5 steps 1-3.
func (m *Multiplexer) readHeader(fd, host int) {
	m.disp.AsyncReadBuffer(fd, HeaderSize, func(buf []byte) {
		if buf == nil {
			return // connection closed; Group/Dispatcher surface the failure elsewhere
		}
		h, err := decodeHeader(buf)
		if err != nil {
			nlog.Errorf("multiplexer: host %d: %v", host, err)
			return
		}
		if h.payloadSize == 0 {
			b, _ := m.pool.Allocate(allocCtx)
			b.SetItemCount(int(h.itemCount))
			m.deliver(h, b)
			m.readHeader(fd, host)
			return
		}
		b, err := m.pool.Allocate(allocCtx)
		if err != nil {
			nlog.Errorf("multiplexer: host %d: allocate: %v", host, err)
			return
		}
		b.Grow(int(h.payloadSize))
		m.disp.AsyncReadByteBlock(fd, b, func(payload []byte) {
			if payload == nil {
				b.Release()
				return
			}
			if h.compressed {
				raw, err := decompressPayload(payload)
				if err != nil {
					nlog.Errorf("multiplexer: host %d: decompress: %v", host, err)
					b.Release()
					return
				}
				raw2, err := m.pool.Allocate(allocCtx)
				if err != nil {
					nlog.Errorf("multiplexer: host %d: allocate: %v", host, err)
					b.Release()
					return
				}
				copy(raw2.Grow(len(raw)), raw)
				b.Release()
				b = raw2
			}
			b.SetItemCount(int(h.itemCount))
			m.deliver(h, b)
			m.readHeader(fd, host)
		})
	})
}

func (m *Multiplexer) deliver(h header, b *memsys.Block) {
	dst, ok := m.lookup(h.streamID, h.toGlobalWorker)
	if !ok {
		nlog.Warningf("multiplexer: no registered stream %d/worker %d, dropping block", h.streamID, h.toGlobalWorker)
		b.Release()
		return
	}
	dst.deliverInbound(h.fromGlobalWorker, h.close, b)
}

// route implements Stream.route: loopback targets are delivered directly;
// cross-host targets are written to the peer Connection via the
// Dispatcher's async write path, header first then payload.
func (m *Multiplexer) route(to uint32, h header, b *memsys.Block) {
	if m.isLocal(to) {
		dst, ok := m.lookup(h.streamID, to)
		if !ok {
			nlog.Warningf("multiplexer: loopback target stream %d/worker %d not registered, dropping block", h.streamID, to)
			b.Release()
			return
		}
		dst.deliverInbound(h.fromGlobalWorker, h.close, b)
		return
	}

	peerHost := m.hostOf(to)
	m.mu.RLock()
	c := m.peers[peerHost]
	m.mu.RUnlock()
	if c == nil {
		b.Release()
		nlog.Errorf("multiplexer: no data-plane connection to host %d", peerHost)
		return
	}
	fd, err := c.FD()
	if err != nil {
		b.Release()
		nlog.Errorf("multiplexer: fd for host %d: %v", peerHost, err)
		return
	}
	payload := b.Bytes()
	if m.Compress {
		if c := compressPayload(payload); c != nil {
			payload = c
			h.compressed = true
		}
	}
	h.payloadSize = uint32(len(payload))

	// header and payload go on the wire as a single queued write: the
	// write queue is FIFO per fd but shared across every Stream routing
	// through this peer, so two independently-queued writes could
	// interleave another stream's header between this one's header and
	// payload. A single AsyncWriteBuffer call is one atomic queue entry.
	frame := append(encodeHeader(h), payload...)
	b.Release()
	m.disp.AsyncWriteBuffer(fd, frame, func(err error) {
		if err != nil {
			nlog.Errorf("multiplexer: frame write to host %d: %v", peerHost, err)
		}
	})
}

func (m *Multiplexer) String() string {
	return fmt.Sprintf("multiplexer(host=%d, workersPerHost=%d, numHosts=%d)", m.myHost, m.workersPerHost, m.numHosts)
}
