package dispatcher_test

import (
	"testing"
	"time"

	"github.com/diaflow/diaflow/dispatcher"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatal(err)
		}
	}
	return fds[0], fds[1]
}

func TestAsyncWriteThenAsyncRead(t *testing.T) {
	d, err := dispatcher.New()
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	go d.Loop()
	defer d.Terminate()

	payload := []byte("the quick brown fox")
	gotCh := make(chan []byte, 1)
	d.AsyncReadBuffer(b, len(payload), func(buf []byte) { gotCh <- buf })

	writeErrCh := make(chan error, 1)
	d.AsyncWriteBuffer(a, payload, func(err error) { writeErrCh <- err })

	select {
	case err := <-writeErrCh:
		if err != nil {
			t.Fatalf("write failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write completion")
	}

	select {
	case got := <-gotCh:
		if string(got) != string(payload) {
			t.Fatalf("got %q want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read completion")
	}
}

func TestCancelDropsInFlightTransferSilently(t *testing.T) {
	d, err := dispatcher.New()
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	a, b := socketpair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	go d.Loop()
	defer d.Terminate()

	called := false
	d.AsyncReadBuffer(b, 100, func([]byte) { called = true })
	d.Cancel(b)

	time.Sleep(100 * time.Millisecond)
	if called {
		t.Fatal("cancelled transfer must not invoke its callback")
	}
}
