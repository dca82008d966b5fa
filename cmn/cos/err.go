// Package cos provides common low-level types and utilities shared by every
// layer of the execution substrate.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"fmt"
	"os"
	"sync"
	ratomic "sync/atomic"
	"syscall"

	pkgerrors "github.com/pkg/errors"
)

// Error kinds raised by the substrate (spec §7). Each is a concrete type
// rather than a sentinel so the owning worker can carry context (peer rank,
// errno, partition id) back to its entry point.
type (
	// TransportError is fatal for the job: raised by a Connection or the
	// Dispatcher on any socket error that isn't EAGAIN/EINTR.
	TransportError struct {
		Peer int
		Op   string
		Errno error
	}

	// PeerClosed is a graceful EOF: Connection.Recv returns it whenever the
	// peer closes its end, mid-message or not, during the handshake or
	// after it.
	PeerClosed struct {
		Peer int
	}

	// ConnectRefused/ConnectTimeout occur during the Group handshake and are
	// retried with backoff by the caller before becoming fatal.
	ConnectRefused struct {
		Addr string
	}
	ConnectTimeout struct {
		Addr string
	}

	// BadHandshake is raised when a WelcomeMsg's magic or rank fails to
	// match what the Group expects.
	BadHandshake struct {
		Reason string
	}

	// PoolExhausted is raised by the BlockPool when its hard cap is hit and
	// the allocator cannot block (e.g. called from the Dispatcher thread).
	PoolExhausted struct {
		Requested int
	}

	// SpillIOError wraps a read/write failure on a PostReduceTable spill File.
	SpillIOError struct {
		Partition int
		Err       error
	}

	// UserOperatorError wraps a panic/error raised by a user-supplied key
	// extractor or reduce operator.
	UserOperatorError struct {
		Err error
	}
)

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error talking to rank %d during %s: %v", e.Peer, e.Op, e.Errno)
}

func (e *PeerClosed) Error() string { return fmt.Sprintf("peer %d closed connection", e.Peer) }

func (e *ConnectRefused) Error() string { return fmt.Sprintf("connection refused: %s", e.Addr) }
func (e *ConnectTimeout) Error() string { return fmt.Sprintf("connection timed out: %s", e.Addr) }

func (e *BadHandshake) Error() string { return "bad handshake: " + e.Reason }

func (e *PoolExhausted) Error() string {
	return fmt.Sprintf("block pool exhausted (requested %d bytes)", e.Requested)
}

func (e *SpillIOError) Error() string {
	return fmt.Sprintf("spill I/O error on partition %d: %v", e.Partition, e.Err)
}
func (e *SpillIOError) Unwrap() error { return e.Err }

func (e *UserOperatorError) Error() string { return "user operator error: " + e.Err.Error() }
func (e *UserOperatorError) Unwrap() error { return e.Err }

// Fatal attaches a stack trace to an error that is about to unwind a job
// (spec §7): a TransportError bubbling out of the Dispatcher, a bad
// handshake aborting Connect, a panic captured at a worker's entry point.
// Errors already carrying a pkg/errors stack are passed through unchanged.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	var tracer interface{ StackTrace() pkgerrors.StackTrace }
	if errors.As(err, &tracer) {
		return err
	}
	return pkgerrors.WithStack(err)
}

// Wrapf is Fatal plus a message, following the teacher's dsort.go use of
// github.com/pkg/errors for the same purpose.
func Wrapf(err error, f string, a ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrapf(err, f, a...)
}

//
// Errs — bounded aggregator: up to maxErrs distinct errors, de-duplicated
// by message. Used by Group.Close to surface every connection's close
// failure from one call instead of only the first.
//

type Errs struct {
	errs []error
	cnt  int64
	mu   sync.Mutex
}

const maxErrs = 4

func (e *Errs) Add(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	for _, added := range e.errs {
		if added.Error() == err.Error() {
			e.mu.Unlock()
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, err)
		ratomic.StoreInt64(&e.cnt, int64(len(e.errs)))
	}
	e.mu.Unlock()
}

func (e *Errs) Cnt() int { return int(ratomic.LoadInt64(&e.cnt)) }

func (e *Errs) JoinErr() (cnt int, err error) {
	if cnt = e.Cnt(); cnt > 0 {
		e.mu.Lock()
		err = errors.Join(e.errs...)
		e.mu.Unlock()
	}
	return
}

func (e *Errs) Error() (s string) {
	cnt := e.Cnt()
	if cnt == 0 {
		return ""
	}
	e.mu.Lock()
	first := e.errs[0]
	e.mu.Unlock()
	if cnt > 1 {
		return fmt.Sprintf("%v (and %d more error%s)", first, cnt-1, Plural(cnt-1))
	}
	return first.Error()
}

//
// syscall classification — used by Connection.Send/Recv (spec §4.1) to
// decide retry-vs-fatal.
//

func IsRetriable(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EWOULDBLOCK)
}

func IsErrConnectionRefused(err error) bool { return errors.Is(err, syscall.ECONNREFUSED) }
func IsErrConnectionReset(err error) bool   { return errors.Is(err, syscall.ECONNRESET) }
func IsErrBrokenPipe(err error) bool        { return errors.Is(err, syscall.EPIPE) }

//
// abnormal termination — exit codes per spec §6: 0 clean, 1 user error,
// 2 bootstrap failure, 3 network failure after bootstrap.
//

const (
	ExitOK                = 0
	ExitUserError         = 1
	ExitBootstrapFailure  = 2
	ExitNetworkFailure    = 3
)

func Exitf(code int, f string, a ...any) {
	fmt.Fprintf(os.Stderr, "FATAL: "+f+"\n", a...)
	os.Exit(code)
}
