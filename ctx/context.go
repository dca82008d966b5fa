package ctx

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/diaflow/diaflow/cmn/cos"
	"github.com/diaflow/diaflow/cmn/nlog"
	"github.com/diaflow/diaflow/data"
	"github.com/diaflow/diaflow/dispatcher"
	"github.com/diaflow/diaflow/group"
	"github.com/diaflow/diaflow/memsys"
)

// HostContext wires one BlockPool, one flow-control Group, one data Group
// plus Multiplexer, and WorkersPerHost worker handles together for a
// single host (spec §4.9).
type HostContext struct {
	Config *Config

	Pool *memsys.BlockPool
	Flow *group.Group // collectives: SendTo/RecvFrom/Broadcast/AllReduce/...
	Data *group.Group // data-plane peer connections registered with Mux
	Disp *dispatcher.Dispatcher
	Mux  *data.Multiplexer

	Workers []*Worker

	// workersDone counts job-function returns across Run's fan-out, for
	// diagnostics (e.g. a stuck worker shows up as a count that stalls
	// below len(Workers)).
	workersDone Int64
}

// WorkersDone reports how many worker job functions have returned from the
// in-flight or most recent Run call.
func (hc *HostContext) WorkersDone() int64 { return hc.workersDone.Load() }

// Bootstrap runs the Group handshake on both the flow and data planes,
// wires the Multiplexer, starts the Dispatcher's reactor goroutine, and
// builds WorkersPerHost worker handles (spec §4.9 "bootstrap... worker
// threads are spawned").
func Bootstrap(cfg *Config) (*HostContext, error) {
	GCO.Put(cfg)
	cos.InitRunID(cfg.Rank, uint64(time.Now().UnixNano()))
	nlog.SetRunID(cos.GenRunID())

	pool := defaultBlockPool(cfg)

	flow, err := group.Connect(cfg.Rank, cfg.Hosts, "flow")
	if err != nil {
		return nil, err
	}

	dataGrp, err := group.Connect(cfg.Rank, cfg.dataHosts(), "data")
	if err != nil {
		flow.Close()
		return nil, err
	}

	disp, err := dispatcher.New()
	if err != nil {
		flow.Close()
		dataGrp.Close()
		return nil, err
	}

	mux := data.NewMultiplexer(disp, pool, cfg.Rank, cfg.WorkersPerHost, cfg.NumHosts())
	mux.Compress = cfg.StreamCompression
	for host := 0; host < cfg.NumHosts(); host++ {
		if host == cfg.Rank {
			continue
		}
		if err := mux.RegisterPeer(host, dataGrp.Conn(host)); err != nil {
			flow.Close()
			dataGrp.Close()
			return nil, err
		}
	}

	go disp.Loop()

	hc := &HostContext{
		Config: cfg,
		Pool:   pool,
		Flow:   flow,
		Data:   dataGrp,
		Disp:   disp,
		Mux:    mux,
	}
	hc.Workers = make([]*Worker, cfg.WorkersPerHost)
	for w := 0; w < cfg.WorkersPerHost; w++ {
		hc.Workers[w] = &Worker{
			id:     w,
			global: uint32(cfg.Rank*cfg.WorkersPerHost + w),
			Flow:   flow,
			Pool:   pool,
			mux:    mux,
		}
	}
	nlog.Infof("host context: rank %d of %d hosts, %d workers/host bootstrapped", cfg.Rank, cfg.NumHosts(), cfg.WorkersPerHost)
	return hc, nil
}

// Run invokes job once per worker, concurrently, and propagates the first
// error to unwind the job cleanly (spec §7 propagation rule), following
// the teacher's errgroup fan-out idiom already used by group.Connect.
func (hc *HostContext) Run(job func(w *Worker) error) error {
	hc.workersDone.Store(0)
	eg := new(errgroup.Group)
	for _, w := range hc.Workers {
		w := w
		eg.Go(func() error {
			defer hc.workersDone.Inc()
			return job(w)
		})
	}
	return eg.Wait()
}

// Close tears down the Dispatcher reactor and both Groups. Safe to call
// once, after every worker's job function has returned.
func (hc *HostContext) Close() {
	hc.Disp.Terminate()
	hc.Flow.Close()
	hc.Data.Close()
}
