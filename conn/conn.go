// Package conn implements Connection (spec §4.1, C1): one ordered,
// reliable, bidirectional, non-blocking byte pipe to one peer. Every
// Connection is owned exclusively by its Group (spec §5 shared-resource
// policy) and is never shared between the synchronous collective caller
// and the Dispatcher at the same time.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package conn

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"syscall"

	"github.com/diaflow/diaflow/cmn/cos"
	"github.com/diaflow/diaflow/cmn/debug"
	"golang.org/x/sys/unix"
)

type State int32

const (
	Invalid State = iota
	Connecting
	TransportConnected
	HelloSent
	HelloReceived
	Connected
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case Connecting:
		return "connecting"
	case TransportConnected:
		return "transport-connected"
	case HelloSent:
		return "hello-sent"
	case HelloReceived:
		return "hello-received"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Connection wraps one non-blocking TCP socket. Fields below state are
// set once at construction and never mutated afterward, so they need no
// locking; state itself is accessed via sync/atomic because the
// Dispatcher and the owning worker's synchronous collective calls may
// both read it (never write concurrently — see spec §5).
type Connection struct {
	tcp     *net.TCPConn
	peer    int // remote rank
	groupID string
	addr    string
	state   atomic.Int32
	lastErr atomic.Value // error
}

// New wraps an already-accepted or dialed *net.TCPConn, applying the
// socket knobs spec §4.1 calls out: Nagle disabled, buffer sizes, and
// SO_REUSEADDR/close-on-exec where applicable. net.TCPConn exposes
// SetNoDelay and the buffer sizes directly; SO_REUSEADDR needs the raw fd
// via SyscallConn, which golang.org/x/sys/unix gives us cleanly.
func New(tcp *net.TCPConn, peer int, groupID string, sendBuf, recvBuf int) (*Connection, error) {
	c := &Connection{tcp: tcp, peer: peer, groupID: groupID, addr: tcp.RemoteAddr().String()}
	c.state.Store(int32(TransportConnected))

	if err := tcp.SetNoDelay(true); err != nil {
		return nil, err
	}
	if sendBuf > 0 {
		if err := tcp.SetWriteBuffer(sendBuf); err != nil {
			return nil, err
		}
	}
	if recvBuf > 0 {
		if err := tcp.SetReadBuffer(recvBuf); err != nil {
			return nil, err
		}
	}
	if err := c.setReuseAddr(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) setReuseAddr() error {
	raw, err := c.tcp.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// SetNonblocking toggles the underlying fd's O_NONBLOCK flag; the
// Dispatcher needs this before registering fd for readiness events,
// synchronous collectives run the Connection in blocking mode.
func (c *Connection) SetNonblocking(nb bool) error {
	raw, err := c.tcp.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetNonblock(int(fd), nb)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func (c *Connection) FD() (int, error) {
	raw, err := c.tcp.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd uintptr
	_ = raw.Control(func(f uintptr) { fd = f })
	return int(fd), nil
}

func (c *Connection) Peer() int        { return c.peer }
func (c *Connection) Addr() string     { return c.addr }
func (c *Connection) State() State     { return State(c.state.Load()) }
func (c *Connection) SetState(s State) { c.state.Store(int32(s)) }
func (c *Connection) Raw() *net.TCPConn { return c.tcp }

func (c *Connection) LastError() error {
	if v := c.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Send loops over partial writes, retrying on EAGAIN/EINTR, until exactly
// n bytes of buf have been written or a fatal error occurs.
func (c *Connection) Send(buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := c.tcp.Write(buf[total:])
		total += n
		if err == nil {
			continue
		}
		if cos.IsRetriable(err) {
			continue
		}
		return c.fail("send", err)
	}
	return nil
}

// Recv loops over partial reads, retrying on EAGAIN/EINTR, until exactly
// len(buf) bytes have been filled. A 0-byte read before that is PeerClosed.
func (c *Connection) Recv(buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := c.tcp.Read(buf[total:])
		if n == 0 && err == nil {
			return &cos.PeerClosed{Peer: c.peer}
		}
		total += n
		if err == nil {
			continue
		}
		if cos.IsRetriable(err) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return &cos.PeerClosed{Peer: c.peer}
		}
		return c.fail("recv", err)
	}
	return nil
}

// SendReceive is the primitive hypercube collectives (spec §4.3.5) build
// on: it issues Send then Recv, or Recv then Send, depending on which
// peer has the lower rank, to avoid a bidirectional-exchange deadlock
// when both sides would otherwise block on Write into a full socket
// buffer at the same time.
func (c *Connection) SendReceive(myRank int, out []byte, in []byte) error {
	debug.Assert(len(out) > 0 || len(in) > 0)
	if myRank < c.peer {
		if err := c.Send(out); err != nil {
			return err
		}
		return c.Recv(in)
	}
	if err := c.Recv(in); err != nil {
		return err
	}
	return c.Send(out)
}

func (c *Connection) fail(op string, err error) error {
	c.state.Store(int32(Invalid))
	c.lastErr.Store(err)
	return cos.Fatal(&cos.TransportError{Peer: c.peer, Op: op, Errno: mapErrno(err)})
}

func mapErrno(err error) error {
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	return err
}

func (c *Connection) Close() error {
	c.state.Store(int32(Invalid))
	return c.tcp.Close()
}
