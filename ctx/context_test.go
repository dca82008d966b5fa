package ctx_test

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/diaflow/diaflow/ctx"
	"github.com/diaflow/diaflow/group"
)

func reservePorts(t *testing.T, n int) []string {
	t.Helper()
	hosts := make([]string, n)
	for i := range hosts {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("reserve port: %v", err)
		}
		hosts[i] = ln.Addr().String()
		ln.Close()
	}
	return hosts
}

// bootstrapMesh brings up P HostContexts over loopback TCP, one flow-plane
// port and one data-plane port per rank, mirroring the ctx.Bootstrap two-
// Group wiring a real multi-host job would use.
func bootstrapMesh(t *testing.T, p, workersPerHost int) []*ctx.HostContext {
	t.Helper()
	flowHosts := reservePorts(t, p)

	hcs := make([]*ctx.HostContext, p)
	errs := make([]error, p)
	var wg sync.WaitGroup
	for r := 0; r < p; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := &ctx.Config{
				Rank:           r,
				Hosts:          flowHosts,
				WorkersPerHost: workersPerHost,
				BlockSize:      4096,
			}
			hc, err := ctx.Bootstrap(cfg)
			hcs[r] = hc
			errs[r] = err
		}()
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d bootstrap: %v", r, err)
		}
	}
	t.Cleanup(func() {
		for _, hc := range hcs {
			if hc != nil {
				hc.Close()
			}
		}
	})
	return hcs
}

func TestBootstrapWiresFlowAndDataGroups(t *testing.T) {
	const p = 3
	hcs := bootstrapMesh(t, p, 2)
	for r, hc := range hcs {
		if hc.Flow.Rank() != r || hc.Flow.Size() != p {
			t.Errorf("rank %d: flow group rank/size = %d/%d, want %d/%d", r, hc.Flow.Rank(), hc.Flow.Size(), r, p)
		}
		if hc.Data.Rank() != r || hc.Data.Size() != p {
			t.Errorf("rank %d: data group rank/size = %d/%d, want %d/%d", r, hc.Data.Rank(), hc.Data.Size(), r, p)
		}
		if len(hc.Workers) != 2 {
			t.Errorf("rank %d: got %d workers, want 2", r, len(hc.Workers))
		}
		for w, worker := range hc.Workers {
			wantGlobal := uint32(r*2 + w)
			if worker.GlobalID() != wantGlobal {
				t.Errorf("rank %d worker %d: global id = %d, want %d", r, w, worker.GlobalID(), wantGlobal)
			}
		}
	}
}

func TestHostContextRunPropagatesCollectiveAcrossHosts(t *testing.T) {
	const p = 4
	hcs := bootstrapMesh(t, p, 1)

	sums := make([]int64, p)
	var wg sync.WaitGroup
	wg.Add(p)
	for r := 0; r < p; r++ {
		r := r
		go func() {
			defer wg.Done()
			err := hcs[r].Run(func(w *ctx.Worker) error {
				sums[r] = group.AllReduce(w.Flow, int64(r), func(a, b int64) int64 { return a + b }, group.Int64Codec{})
				return nil
			})
			if err != nil {
				t.Errorf("rank %d Run: %v", r, err)
			}
		}()
	}
	wg.Wait()

	var want int64
	for r := 0; r < p; r++ {
		want += int64(r)
	}
	for r, got := range sums {
		if got != want {
			t.Errorf("rank %d: AllReduce = %d, want %d", r, got, want)
		}
	}
	for r, hc := range hcs {
		if hc.WorkersDone() != 1 {
			t.Errorf("rank %d: WorkersDone() = %d, want 1", r, hc.WorkersDone())
		}
	}
}

func TestWorkerGetNewStreamAndGetFile(t *testing.T) {
	const p = 2
	hcs := bootstrapMesh(t, p, 1)

	err := hcs[0].Run(func(w *ctx.Worker) error {
		s := w.GetNewStream(7)
		if s == nil {
			return fmt.Errorf("GetNewStream returned nil")
		}
		f := w.GetFile()
		if f == nil {
			return fmt.Errorf("GetFile returned nil")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}
