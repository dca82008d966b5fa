package stats_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/diaflow/diaflow/stats"
)

func TestDisabledRegistryRecordsNothing(t *testing.T) {
	r := stats.New()
	r.BytesSent("host-0", 128)
	r.BlockAllocated()
	r.PartitionFlush("pre")
	r.CollectiveRound("allreduce")

	n, err := testutil.GatherAndCount(r.Gatherer())
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	// the two bare Counters always report a zero-valued sample once
	// registered; the CounterVecs report nothing until a label combo is
	// actually observed, which Enabled()==false prevents here.
	if n != 2 {
		t.Fatalf("disabled registry reported %d samples, want 2 (the two bare Counters at zero)", n)
	}
}

func TestEnabledRegistryAccumulatesAcrossCollectors(t *testing.T) {
	r := stats.New()
	r.Enable()

	r.BytesSent("host-0", 100)
	r.BytesSent("host-0", 50)
	r.BytesReceived("host-1", 10)
	r.BlockAllocated()
	r.BlockAllocated()
	r.BlockReleased()
	r.PartitionFlush("post")
	r.PartitionFlush("post")
	r.PartitionFlush("index")
	r.CollectiveRound("broadcast")

	n, err := testutil.GatherAndCount(r.Gatherer())
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	// bytesSent{host-0}, bytesReceived{host-1}, blocksAllocated,
	// blocksReleased, partitionFlushes{post}, partitionFlushes{index},
	// collectiveRounds{broadcast} = 7 distinct series.
	if n != 7 {
		t.Fatalf("enabled registry reported %d samples, want 7", n)
	}

	if !r.Enabled() {
		t.Fatal("expected registry to report enabled after Enable()")
	}

	r.Disable()
	if r.Enabled() {
		t.Fatal("expected registry to report disabled after Disable()")
	}
	r.BytesSent("host-0", 999) // must not be counted: disabled again

	n2, err := testutil.GatherAndCount(r.Gatherer())
	if err != nil {
		t.Fatalf("gather after disable: %v", err)
	}
	if n2 != n {
		t.Fatalf("gathered %d samples after a no-op disabled call, want unchanged %d", n2, n)
	}
}

func TestResetRebuildsCollectorsFromScratch(t *testing.T) {
	r := stats.New()
	r.Enable()
	r.BlockAllocated()
	r.BlockAllocated()
	r.PartitionFlush("pre")

	r.Reset()

	n, err := testutil.GatherAndCount(r.Gatherer())
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	// Reset swaps in the fresh collectors of a New() registry (r stays
	// enabled): only the two bare Counters report (at zero), the
	// CounterVec history is gone.
	if n != 2 {
		t.Fatalf("reset registry reported %d samples, want 2 (fresh bare Counters, CounterVecs cleared)", n)
	}
}
