// Package dispatcher implements the Dispatcher (spec §4.2, C2): a
// single-threaded reactor multiplexing readiness on every peer fd, plus
// timers and one-shot async read/write transfers. Per Design Notes §9 the
// behavioral contract is the suspension/ordering rules of spec §5, not
// the surface shape — this realizes the reactor as a state-machine
// polling loop over epoll, the direct Linux analogue of the spec's
// "kernel readiness primitive (select/epoll/equivalent)".
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package dispatcher

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diaflow/diaflow/cmn/cos"
	"github.com/diaflow/diaflow/cmn/debug"
	"github.com/diaflow/diaflow/cmn/nlog"
	"golang.org/x/sys/unix"
)

// Callback returns a re-arm flag: false deregisters the fd event after
// this invocation (spec §4.2).
type Callback func(ok bool) bool

// TimerCallback returns a re-arm flag: true schedules the next deadline
// at old-deadline + the timer's period, giving "periodic with missed-tick
// coalescing" semantics per spec §4.2.
type TimerCallback func() bool

// ByteSink is the minimal surface the Dispatcher needs from a pinned
// Block to read/write into it without importing memsys, so the Dispatcher
// does not depend on memsys (memsys has no async-I/O concerns of its own).
type ByteSink interface {
	Bytes() []byte // backing storage slice, valid for exactly len(Bytes()) bytes
}

type fdState struct {
	readCB  Callback
	writeCB Callback
	reads   []*asyncXfer // pending AsyncRead* transfers, FIFO
	writes  []*asyncXfer
}

type asyncXfer struct {
	want   int
	got    int
	buf    []byte
	sink   ByteSink
	cancel bool
	onBuf  func([]byte)
	onErr  func(error)
}

type timerEntry struct {
	deadline int64 // unix nano
	period   time.Duration
	cb       TimerCallback
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x any)         { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Dispatcher is the single reactor thread per host (spec §5 threading
// model). All registration methods are safe to call from other threads;
// all callbacks execute on the Loop goroutine only.
type Dispatcher struct {
	epfd      int
	mu        sync.Mutex
	fds       map[int]*fdState
	timers    timerHeap
	terminate atomic.Bool
	wake      [2]int // self-pipe to interrupt EpollWait on registration changes
}

func New() (*Dispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{epfd: epfd, fds: make(map[int]*fdState)}
	fds, err := unixPipe()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	d.wake = fds
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, d.wake[0], &unix.EpollEvent{
		Events: unix.EPOLLIN, Fd: int32(d.wake[0]),
	}); err != nil {
		return nil, err
	}
	return d, nil
}

func unixPipe() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return fds, err
	}
	return fds, nil
}

func (d *Dispatcher) state(fd int) *fdState {
	s, ok := d.fds[fd]
	if !ok {
		s = &fdState{}
		d.fds[fd] = s
		_ = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd)})
	}
	return s
}

func (d *Dispatcher) epollMod(fd int) {
	s := d.fds[fd]
	var ev uint32
	if s.readCB != nil || len(s.reads) > 0 {
		ev |= unix.EPOLLIN
	}
	if s.writeCB != nil || len(s.writes) > 0 {
		ev |= unix.EPOLLOUT
	}
	_ = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: ev, Fd: int32(fd)})
}

// Readable registers (or replaces) a readiness callback for fd.
func (d *Dispatcher) Readable(fd int, cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state(fd).readCB = cb
	d.epollMod(fd)
	d.pokeWake()
}

// Writable registers (or replaces) a readiness callback for fd.
func (d *Dispatcher) Writable(fd int, cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state(fd).writeCB = cb
	d.epollMod(fd)
	d.pokeWake()
}

// Timer schedules cb to fire after d, re-arming per its return value.
func (d *Dispatcher) Timer(dur time.Duration, cb TimerCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	heap.Push(&d.timers, &timerEntry{deadline: time.Now().Add(dur).UnixNano(), period: dur, cb: cb})
	d.pokeWake()
}

// AsyncReadBuffer accumulates exactly n bytes from fd into an owned
// buffer, then invokes onDone(buffer) once. PeerClosed before n bytes
// invokes onDone(nil) — not an error at this layer (spec §4.2).
func (d *Dispatcher) AsyncReadBuffer(fd, n int, onDone func([]byte)) {
	d.queueRead(fd, &asyncXfer{want: n, buf: make([]byte, n), onBuf: onDone})
}

// AsyncReadByteBlock is the same contract, filling a pre-pinned sink.
func (d *Dispatcher) AsyncReadByteBlock(fd int, sink ByteSink, onDone func([]byte)) {
	d.queueRead(fd, &asyncXfer{want: len(sink.Bytes()), sink: sink, onBuf: onDone})
}

func (d *Dispatcher) queueRead(fd int, x *asyncXfer) {
	d.mu.Lock()
	s := d.state(fd)
	s.reads = append(s.reads, x)
	d.epollMod(fd)
	d.pokeWake()
	d.mu.Unlock()
}

// AsyncWriteBuffer writes exactly len(data) bytes, retrying on partial
// write; EPIPE is reported as a *completed* write (the owner's protocol
// detects peer loss some other way), per spec §4.2.
func (d *Dispatcher) AsyncWriteBuffer(fd int, data []byte, onDone func(error)) {
	d.queueWrite(fd, &asyncXfer{want: len(data), buf: data, onErr: onDone})
}

func (d *Dispatcher) AsyncWriteBlock(fd int, sink ByteSink, onDone func(error)) {
	d.queueWrite(fd, &asyncXfer{want: len(sink.Bytes()), sink: sink, onErr: onDone})
}

func (d *Dispatcher) queueWrite(fd int, x *asyncXfer) {
	d.mu.Lock()
	s := d.state(fd)
	s.writes = append(s.writes, x)
	d.epollMod(fd)
	d.pokeWake()
	d.mu.Unlock()
}

// Cancel removes every registration for fd; in-flight async transfers are
// marked done and reaped on the next tick without invoking their
// callback (spec §4.2, §5).
func (d *Dispatcher) Cancel(fd int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.fds[fd]; ok {
		s.readCB, s.writeCB = nil, nil
		for _, x := range s.reads {
			x.cancel = true
		}
		for _, x := range s.writes {
			x.cancel = true
		}
	}
	_ = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(d.fds, fd)
}

func (d *Dispatcher) pokeWake() {
	// best-effort: wake EpollWait so a freshly registered event is seen
	// without waiting out whatever timeout is currently in progress.
	_, _ = unix.Write(d.wake[1], []byte{0})
}

func (d *Dispatcher) Terminate() { d.terminate.Store(true) }

// Loop runs Dispatch repeatedly until Terminate is observed. A dispatch
// iteration always completes (spec §4.2): Terminate only takes effect
// between iterations.
func (d *Dispatcher) Loop() {
	for !d.terminate.Load() {
		d.Dispatch(10 * time.Second)
	}
}

// Dispatch runs exactly one iteration: fire any expired timers, then
// EpollWait up to timeout (or the next timer deadline if sooner).
func (d *Dispatcher) Dispatch(timeout time.Duration) {
	waitMS := d.fireTimersAndComputeWait(timeout)

	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(d.epfd, events, waitMS)
	if err != nil {
		if err == unix.EINTR {
			return
		}
		nlog.Errorf("epoll_wait: %v", err)
		return
	}
	var drainWake bool
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == d.wake[0] {
			drainWake = true
			continue
		}
		d.handleEvent(fd, events[i].Events)
	}
	if drainWake {
		var b [64]byte
		for {
			if _, err := unix.Read(d.wake[0], b[:]); err != nil {
				break
			}
		}
	}
}

func (d *Dispatcher) fireTimersAndComputeWait(maxWait time.Duration) int {
	now := time.Now().UnixNano()
	d.mu.Lock()
	for d.timers.Len() > 0 && d.timers[0].deadline <= now {
		e := heap.Pop(&d.timers).(*timerEntry)
		d.mu.Unlock()
		rearm := e.cb()
		d.mu.Lock()
		if rearm {
			e.deadline += int64(e.period)
			if e.deadline <= now {
				e.deadline = now + int64(e.period)
			}
			heap.Push(&d.timers, e)
		}
	}
	wait := maxWait
	if d.timers.Len() > 0 {
		until := time.Duration(d.timers[0].deadline - now)
		if until < wait {
			wait = until
		}
	}
	d.mu.Unlock()
	if wait < 0 {
		wait = 0
	}
	return int(wait / time.Millisecond)
}

func (d *Dispatcher) handleEvent(fd int, mask uint32) {
	d.mu.Lock()
	s, ok := d.fds[fd]
	d.mu.Unlock()
	if !ok {
		return
	}
	if mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		d.raiseException(fd, s)
		return
	}
	if mask&unix.EPOLLIN != 0 {
		d.progressReads(fd, s)
	}
	if mask&unix.EPOLLOUT != 0 {
		d.progressWrites(fd, s)
	}
}

func (d *Dispatcher) raiseException(fd int, s *fdState) {
	err := cos.Fatal(&cos.TransportError{Peer: -1, Op: "poll", Errno: unix.ECONNRESET})
	d.mu.Lock()
	reads, writes := s.reads, s.writes
	s.reads, s.writes = nil, nil
	readCB := s.readCB
	d.mu.Unlock()
	for _, x := range reads {
		if !x.cancel && x.onBuf != nil {
			x.onBuf(nil)
		}
	}
	for _, x := range writes {
		if !x.cancel && x.onErr != nil {
			x.onErr(err)
		}
	}
	if readCB != nil {
		readCB(false)
	}
}

func (d *Dispatcher) progressReads(fd int, s *fdState) {
	for {
		d.mu.Lock()
		if len(s.reads) == 0 {
			cb := s.readCB
			d.mu.Unlock()
			if cb != nil {
				if !cb(true) {
					d.Readable(fd, nil)
				}
			}
			return
		}
		x := s.reads[0]
		d.mu.Unlock()

		if x.cancel {
			d.popRead(fd, s)
			continue
		}
		dst := x.buf
		if x.sink != nil {
			dst = x.sink.Bytes()
		}
		n, err := unixReadFD(fd, dst[x.got:x.want])
		if n == 0 && err == nil {
			d.popRead(fd, s)
			if x.onBuf != nil {
				x.onBuf(nil) // peer closed mid-transfer: not an error at this layer
			}
			continue
		}
		x.got += n
		if err != nil && !cos.IsRetriable(err) {
			d.popRead(fd, s)
			if x.onBuf != nil {
				x.onBuf(nil)
			}
			continue
		}
		if x.got >= x.want {
			d.popRead(fd, s)
			if x.onBuf != nil {
				x.onBuf(dst[:x.want])
			}
			continue
		}
		return // would block: wait for next readiness event
	}
}

func (d *Dispatcher) progressWrites(fd int, s *fdState) {
	for {
		d.mu.Lock()
		if len(s.writes) == 0 {
			cb := s.writeCB
			d.mu.Unlock()
			if cb != nil {
				if !cb(true) {
					d.Writable(fd, nil)
				}
			}
			return
		}
		x := s.writes[0]
		d.mu.Unlock()

		if x.cancel {
			d.popWrite(fd, s)
			continue
		}
		src := x.buf
		if x.sink != nil {
			src = x.sink.Bytes()
		}
		n, err := unixWriteFD(fd, src[x.got:x.want])
		x.got += n
		if err != nil {
			if cos.IsRetriable(err) {
				return
			}
			if cos.IsErrBrokenPipe(err) {
				// EPIPE is a completed write from the dispatcher's
				// perspective (spec §4.2): the owner's protocol detects
				// peer loss independently.
				d.popWrite(fd, s)
				if x.onErr != nil {
					x.onErr(nil)
				}
				continue
			}
			d.popWrite(fd, s)
			if x.onErr != nil {
				x.onErr(err)
			}
			continue
		}
		if x.got >= x.want {
			d.popWrite(fd, s)
			if x.onErr != nil {
				x.onErr(nil)
			}
			continue
		}
		return
	}
}

func (d *Dispatcher) popRead(fd int, s *fdState) {
	d.mu.Lock()
	if len(s.reads) > 0 {
		s.reads = s.reads[1:]
	}
	d.epollMod(fd)
	d.mu.Unlock()
}

func (d *Dispatcher) popWrite(fd int, s *fdState) {
	d.mu.Lock()
	if len(s.writes) > 0 {
		s.writes = s.writes[1:]
	}
	d.epollMod(fd)
	d.mu.Unlock()
}

func unixReadFD(fd int, buf []byte) (int, error) {
	debug.Assert(len(buf) > 0)
	n, err := unix.Read(fd, buf)
	if n < 0 {
		n = 0
	}
	return n, err
}

func unixWriteFD(fd int, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := unix.Write(fd, buf)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (d *Dispatcher) Close() error {
	unix.Close(d.wake[0])
	unix.Close(d.wake[1])
	return unix.Close(d.epfd)
}
