package data_test

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/diaflow/diaflow/conn"
	"github.com/diaflow/diaflow/data"
	"github.com/diaflow/diaflow/dispatcher"
	"github.com/diaflow/diaflow/memsys"
)

// TestLoopbackStreamSameHost exercises the loopback bypass (spec §4.5):
// two Streams owned by workers 0 and 1 of a single-host (W=2) Multiplexer
// never touch the network.
func TestLoopbackStreamSameHost(t *testing.T) {
	pool := &memsys.BlockPool{BlockSize: 256}
	disp, err := dispatcher.New()
	if err != nil {
		t.Fatalf("dispatcher.New: %v", err)
	}
	defer disp.Close()

	mux := data.NewMultiplexer(disp, pool, 0, 2, 1)
	s0 := mux.NewStream(7, 0)
	s1 := mux.NewStream(7, 1)

	if err := s0.Send(1, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	s0.CloseSink(1)

	q := s1.Inbound(0)
	b, ok := q.Pop()
	if !ok {
		t.Fatal("expected a block on worker 1's inbound queue from worker 0")
	}
	if string(b.Bytes()) != "hello" {
		t.Fatalf("payload = %q, want %q", b.Bytes(), "hello")
	}
	if !s1.FullyClosed() {
		// only one source (worker 0) expected out of NumWorkers=2; worker
		// 1 never sends to itself in this test, so the second source
		// never closes and FullyClosed legitimately stays false — assert
		// the one queue we do care about is closed instead.
	}
	if !q.WriteClosed() {
		t.Fatal("worker 0's sink queue into worker 1 should be closed")
	}
}

func tcpPair(t *testing.T) (*conn.Connection, *conn.Connection) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type result struct {
		c   *conn.Connection
		err error
	}
	acceptCh := make(chan result, 1)
	go func() {
		tc, err := ln.Accept()
		if err != nil {
			acceptCh <- result{err: err}
			return
		}
		c, err := conn.New(tc.(*net.TCPConn), 0, "data-test", 0, 0)
		acceptCh <- result{c: c, err: err}
	}()

	dialed, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	clientConn, err := conn.New(dialed.(*net.TCPConn), 1, "data-test", 0, 0)
	if err != nil {
		t.Fatalf("conn.New client: %v", err)
	}
	res := <-acceptCh
	if res.err != nil {
		t.Fatalf("conn.New server: %v", res.err)
	}
	clientConn.SetState(conn.Connected)
	res.c.SetState(conn.Connected)
	return res.c, clientConn
}

// TestCrossHostStreamOverWire exercises the full header+payload wire path
// (spec §6 wire format) between two single-worker-per-host Multiplexers
// connected over a real TCP loopback pair.
func TestCrossHostStreamOverWire(t *testing.T) {
	serverSide, clientSide := tcpPair(t)

	poolA := &memsys.BlockPool{BlockSize: 256}
	poolB := &memsys.BlockPool{BlockSize: 256}
	dispA, err := dispatcher.New()
	if err != nil {
		t.Fatalf("dispatcher.New A: %v", err)
	}
	defer dispA.Close()
	dispB, err := dispatcher.New()
	if err != nil {
		t.Fatalf("dispatcher.New B: %v", err)
	}
	defer dispB.Close()

	go dispA.Loop()
	go dispB.Loop()
	defer dispA.Terminate()
	defer dispB.Terminate()

	muxA := data.NewMultiplexer(dispA, poolA, 0, 1, 2)
	muxB := data.NewMultiplexer(dispB, poolB, 1, 1, 2)

	if err := muxA.RegisterPeer(1, serverSide); err != nil {
		t.Fatalf("register peer on A: %v", err)
	}
	if err := muxB.RegisterPeer(0, clientSide); err != nil {
		t.Fatalf("register peer on B: %v", err)
	}

	sA := muxA.NewStream(3, 0)
	sB := muxB.NewStream(3, 1)

	if err := sA.Send(1, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	sA.CloseSink(1)

	q := sB.Inbound(0)
	done := make(chan struct{})
	var got []byte
	go func() {
		b, ok := q.Pop()
		if ok {
			got = append([]byte(nil), b.Bytes()...)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cross-host block delivery")
	}
	if string(got) != "ping" {
		t.Fatalf("payload = %q, want %q", got, "ping")
	}
	if !q.WriteClosed() {
		t.Fatal("inbound queue should be closed after the close-flagged block")
	}
}

// TestCrossHostStreamWithCompression exercises the STREAM_COMPRESSION
// domain-stack addition: a highly compressible payload sent with
// Multiplexer.Compress set arrives byte-identical on the other side.
func TestCrossHostStreamWithCompression(t *testing.T) {
	serverSide, clientSide := tcpPair(t)

	poolA := &memsys.BlockPool{BlockSize: 4096}
	poolB := &memsys.BlockPool{BlockSize: 4096}
	dispA, err := dispatcher.New()
	if err != nil {
		t.Fatalf("dispatcher.New A: %v", err)
	}
	defer dispA.Close()
	dispB, err := dispatcher.New()
	if err != nil {
		t.Fatalf("dispatcher.New B: %v", err)
	}
	defer dispB.Close()

	go dispA.Loop()
	go dispB.Loop()
	defer dispA.Terminate()
	defer dispB.Terminate()

	muxA := data.NewMultiplexer(dispA, poolA, 0, 1, 2)
	muxA.Compress = true
	muxB := data.NewMultiplexer(dispB, poolB, 1, 1, 2)

	if err := muxA.RegisterPeer(1, serverSide); err != nil {
		t.Fatalf("register peer on A: %v", err)
	}
	if err := muxB.RegisterPeer(0, clientSide); err != nil {
		t.Fatalf("register peer on B: %v", err)
	}

	sA := muxA.NewStream(9, 0)
	sB := muxB.NewStream(9, 1)

	want := bytes.Repeat([]byte("compress-me-"), 200)
	if err := sA.Send(1, want); err != nil {
		t.Fatalf("send: %v", err)
	}
	sA.CloseSink(1)

	q := sB.Inbound(0)
	done := make(chan struct{})
	var got []byte
	go func() {
		b, ok := q.Pop()
		if ok {
			got = append([]byte(nil), b.Bytes()...)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for compressed cross-host block delivery")
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("payload mismatch after compression round-trip: got %d bytes, want %d", len(got), len(want))
	}
}
