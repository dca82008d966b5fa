package group_test

import (
	"fmt"
	"net"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/diaflow/diaflow/group"
)

func TestCollectiveProperties(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "group collective correctness properties (spec §8)")
}

var add = func(a, b int64) int64 { return a + b }

// ginkgoMesh is mesh's Gomega-flavored twin: It blocks have no *testing.T
// to call Fatalf/Cleanup on, so failures go through Expect and every
// caller closes its own groups once done.
func ginkgoMesh(p int) []*group.Group {
	hosts := make([]string, p)
	for i := range hosts {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		hosts[i] = ln.Addr().String()
		ln.Close()
	}

	groups := make([]*group.Group, p)
	errs := make([]error, p)
	var wg sync.WaitGroup
	for r := 0; r < p; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := group.Connect(r, hosts, fmt.Sprintf("ginkgo-test-%d", p))
			groups[r] = g
			errs[r] = err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		Expect(err).NotTo(HaveOccurred())
	}
	return groups
}

func closeAll(groups []*group.Group) {
	for _, g := range groups {
		if g != nil {
			g.Close()
		}
	}
}

var _ = Describe("PrefixSum", func() {
	It("gives inclusive 1..5 and exclusive 0..4 over five ranks of ones", func() {
		const p = 5
		groups := ginkgoMesh(p)
		defer closeAll(groups)
		inclusive := make([]int64, p)
		exclusive := make([]int64, p)

		runOnAll(p, func(r int) {
			inclusive[r] = group.PrefixSum(groups[r], int64(1), add, group.Int64Codec{})
		})
		for r := 0; r < p; r++ {
			Expect(inclusive[r]).To(Equal(int64(r + 1)))
		}

		runOnAll(p, func(r int) {
			exclusive[r] = group.PrefixSumExclusive(groups[r], int64(1), add, group.Int64Codec{})
		})
		for r := 0; r < p; r++ {
			Expect(exclusive[r]).To(Equal(int64(r)))
		}
	})
})

var _ = Describe("Broadcast", func() {
	It("delivers the origin's value to every rank", func() {
		const p = 6
		groups := ginkgoMesh(p)
		defer closeAll(groups)
		got := make([]int64, p)
		runOnAll(p, func(r int) {
			var v int64
			if r == 2 {
				v = 42
			}
			got[r] = group.Broadcast(groups[r], v, 2, group.Int64Codec{})
		})
		for r := 0; r < p; r++ {
			Expect(got[r]).To(Equal(int64(42)))
		}
	})
})

var _ = Describe("Reduce", func() {
	It("sums every rank's value at the root", func() {
		const p = 7
		groups := ginkgoMesh(p)
		defer closeAll(groups)
		inputs := []int64{3, 1, 4, 1, 5, 9, 2}
		got := make([]int64, p)
		runOnAll(p, func(r int) {
			got[r] = group.Reduce(groups[r], inputs[r], add, 0, group.Int64Codec{})
		})
		var want int64
		for _, v := range inputs {
			want += v
		}
		Expect(got[0]).To(Equal(want))
	})
})

var _ = Describe("AllReduce", func() {
	It("agrees on the sum for a non-power-of-two rank count (exercises AllReduce32)", func() {
		const p = 7
		groups := ginkgoMesh(p)
		defer closeAll(groups)
		inputs := []int64{3, 1, 4, 1, 5, 9, 2}
		got := make([]int64, p)
		runOnAll(p, func(r int) {
			got[r] = group.AllReduce(groups[r], inputs[r], add, group.Int64Codec{})
		})
		for r := 0; r < p; r++ {
			Expect(got[r]).To(Equal(int64(25)))
		}
	})

	It("agrees across hypercube and reduce-broadcast implementations for a power-of-two rank count", func() {
		const p = 8
		groups := ginkgoMesh(p)
		defer closeAll(groups)
		var want int64
		for r := 0; r < p; r++ {
			want += int64(r)
		}

		hc := make([]int64, p)
		runOnAll(p, func(r int) {
			hc[r] = group.AllReduceHypercube(groups[r], int64(r), add, group.Int64Codec{})
		})
		rb := make([]int64, p)
		runOnAll(p, func(r int) {
			rb[r] = group.AllReduceReduceBroadcast(groups[r], int64(r), add, group.Int64Codec{})
		})
		for r := 0; r < p; r++ {
			Expect(hc[r]).To(Equal(want))
			Expect(rb[r]).To(Equal(want))
		}
	})
})

var _ = Describe("AllGather", func() {
	It("gathers every rank's single value in rank order, power-of-two rank count", func() {
		const p = 4
		groups := ginkgoMesh(p)
		defer closeAll(groups)
		got := make([][]int64, p)
		runOnAll(p, func(r int) {
			got[r] = group.AllGather(groups[r], []int64{int64(r * 10)}, group.Int64Codec{})
		})
		want := []int64{0, 10, 20, 30}
		for r := 0; r < p; r++ {
			Expect(got[r]).To(Equal(want))
		}
	})

	It("gathers every rank's single value in rank order, arbitrary rank count (exercises Bruck's algorithm)", func() {
		const p = 5
		groups := ginkgoMesh(p)
		defer closeAll(groups)
		got := make([][]int64, p)
		runOnAll(p, func(r int) {
			got[r] = group.AllGather(groups[r], []int64{int64(r * 10)}, group.Int64Codec{})
		})
		want := []int64{0, 10, 20, 30, 40}
		for r := 0; r < p; r++ {
			Expect(got[r]).To(Equal(want))
		}
	})
})
