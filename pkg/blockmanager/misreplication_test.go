/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package blockmanager_test

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	testclock "k8s.io/utils/clock/testing"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blockmanager"
	"github.com/nimbusfs/blockmanager/pkg/blocktest"
	"github.com/nimbusfs/blockmanager/pkg/config"
	"github.com/nimbusfs/blockmanager/pkg/metrics"
	"github.com/nimbusfs/blockmanager/pkg/placement"
)

// postponedCount scrapes MetaSave's "postponed mis-replicated: N" line --
// postponedMisreplicated itself is unexported, so this is the only view an
// external test has onto it.
func postponedCount(m *blockmanager.BlockManager) int {
	var buf bytes.Buffer
	Expect(m.MetaSave(&buf)).To(Succeed())
	for _, line := range strings.Split(buf.String(), "\n") {
		if rest, ok := strings.CutPrefix(line, "postponed mis-replicated: "); ok {
			n, err := strconv.Atoi(rest)
			Expect(err).NotTo(HaveOccurred())
			return n
		}
	}
	return 0
}

var _ = Describe("mis-replication scan", func() {
	var nodes *blocktest.DatanodeManager
	var m *blockmanager.BlockManager
	var coll *blocktest.Collection

	BeforeEach(func() {
		nodes = blocktest.NewDatanodeManager()
		nodes.AddNode("dn1", "rack1", "dn1/sda")
		nodes.AddNode("dn2", "rack2", "dn2/sda")
		nodes.AddNode("dn3", "rack3", "dn3/sda")
		m, _ = newManager(nodes)
		coll = blocktest.NewCollection(9, 3, 128<<20)
	})

	It("classifies every Complete block once the manager becomes active, publishing scan progress", func() {
		info, err := m.AddBlockCollection(coll, block.Block{ID: 900, NumBytes: 10})
		Expect(err).NotTo(HaveOccurred())
		info.State = block.Complete
		info.UC = nil

		_, err = m.ProcessReport("dn1", "dn1/sda", []block.ReportedBlock{
			{Block: block.Block{ID: 900, NumBytes: 10}, State: block.Finalized},
		})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go m.Run(ctx)

		m.SetActive(true)

		Eventually(func() float64 {
			return testutil.ToFloat64(metrics.MisreplicationScanProgress)
		}, time.Second, time.Millisecond).Should(Equal(1.0))

		lb, err := m.CreateLocatedBlocks([]block.ID{900})
		Expect(err).NotTo(HaveOccurred())
		Expect(lb).To(HaveLen(1)) // block still tracked, classification didn't drop it
	})

	It("schedules a scan even when SetActive(true) precedes Run", func() {
		info, err := m.AddBlockCollection(coll, block.Block{ID: 910, NumBytes: 10})
		Expect(err).NotTo(HaveOccurred())
		info.State = block.Complete
		info.UC = nil

		m.SetActive(true) // before Run starts its worker goroutines

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go m.Run(ctx)

		Eventually(func() float64 {
			return testutil.ToFloat64(metrics.MisreplicationScanProgress)
		}, time.Second, time.Millisecond).Should(Equal(1.0))
	})

	It("re-classifies a postponed block once its stale storage reports (§8 scenario 4)", func() {
		info, err := m.AddBlockCollection(coll, block.Block{ID: 901, NumBytes: 10})
		Expect(err).NotTo(HaveOccurred())
		info.State = block.Complete
		info.UC = nil

		for _, n := range []struct{ node, storage string }{
			{"dn1", "dn1/sda"}, {"dn2", "dn2/sda"}, {"dn3", "dn3/sda"},
		} {
			_, err := m.ProcessReport(n.node, n.storage, []block.ReportedBlock{
				{Block: block.Block{ID: 901, NumBytes: 10}, State: block.Finalized},
			})
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(info.NumStorages()).To(Equal(3))

		// Simulate dn3's storage restarting: its contents become unverified.
		nodes.SetStale("dn3/sda", true)

		// Shrinking replication to 1 makes the block over-replicated; the
		// reducer must refuse to pick a victim while dn3/sda is stale and
		// postpone the whole block instead.
		Expect(m.SetReplication(coll, 3, 1, []block.ID{901})).To(Succeed())
		Expect(postponedCount(m)).To(Equal(1))

		// dn3 finally produces its first report since restarting: still
		// recorded as Stale at the moment ProcessReport runs (the caller only
		// clears that bit afterward), but this is exactly the "stale->fresh"
		// transition the rescan exists for.
		_, err = m.ProcessReport("dn3", "dn3/sda", []block.ReportedBlock{
			{Block: block.Block{ID: 901, NumBytes: 10}, State: block.Finalized},
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(postponedCount(m)).To(Equal(0))
	})

	It("drops a postponed block from the rescan set if it was removed in the meantime", func() {
		info, err := m.AddBlockCollection(coll, block.Block{ID: 902, NumBytes: 10})
		Expect(err).NotTo(HaveOccurred())
		info.State = block.Complete
		info.UC = nil

		for _, n := range []struct{ node, storage string }{
			{"dn1", "dn1/sda"}, {"dn2", "dn2/sda"}, {"dn3", "dn3/sda"},
		} {
			_, err := m.ProcessReport(n.node, n.storage, []block.ReportedBlock{
				{Block: block.Block{ID: 902, NumBytes: 10}, State: block.Finalized},
			})
			Expect(err).NotTo(HaveOccurred())
		}

		nodes.SetStale("dn3/sda", true)
		Expect(m.SetReplication(coll, 3, 1, []block.ID{902})).To(Succeed())
		Expect(postponedCount(m)).To(Equal(1))

		Expect(m.RemoveBlock(902)).To(Succeed())
		// RemoveBlock already scrubs postponedMisreplicated directly; the
		// rescan on dn3's eventual report must not choke on the gap either.
		Expect(postponedCount(m)).To(Equal(0))

		_, err = m.ProcessReport("dn3", "dn3/sda", []block.ReportedBlock{
			{Block: block.Block{ID: 902, NumBytes: 10}, State: block.Finalized},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(postponedCount(m)).To(Equal(0))
	})
})

var _ = Describe("safe-block count", func() {
	var nodes *blocktest.DatanodeManager
	var m *blockmanager.BlockManager
	var coll *blocktest.Collection
	var fakeClock *testclock.FakeClock

	BeforeEach(func() {
		nodes = blocktest.NewDatanodeManager()
		nodes.AddNode("dn1", "rack1", "dn1/sda")
		nodes.AddNode("dn2", "rack2", "dn2/sda")
		nodes.AddNode("dn3", "rack3", "dn3/sda")

		cfg := config.Default()
		cfg.ReplicationDefault = 3
		fakeClock = testclock.NewFakeClock(time.Now())
		cmds := blocktest.NewCommandQueue()
		pp := placement.NewRackAware(nodes)
		m = blockmanager.New(cfg, &blocktest.Mutex{}, fakeClock, nodes, cmds, pp, nil, discardLogger(), 16)
		coll = blocktest.NewCollection(20, 3, 128<<20)
	})

	It("counts only Complete blocks meeting replication.min after a monitor iteration", func() {
		safeInfo, err := m.AddBlockCollection(coll, block.Block{ID: 950, NumBytes: 10})
		Expect(err).NotTo(HaveOccurred())
		safeInfo.State = block.Complete
		safeInfo.UC = nil
		_, err = m.ProcessReport("dn1", "dn1/sda", []block.ReportedBlock{
			{Block: block.Block{ID: 950, NumBytes: 10}, State: block.Finalized},
		})
		Expect(err).NotTo(HaveOccurred())

		underInfo, err := m.AddBlockCollection(coll, block.Block{ID: 951, NumBytes: 10})
		Expect(err).NotTo(HaveOccurred())
		underInfo.State = block.UnderConstruction

		m.SetActive(true)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go m.Run(ctx)

		Eventually(func() float64 {
			return testutil.ToFloat64(metrics.MisreplicationScanProgress)
		}, time.Second, time.Millisecond).Should(Equal(1.0))

		fakeClock.Step(4 * time.Second) // past cfg.ReplicationInterval, fires one monitor iteration

		Eventually(func() float64 {
			return testutil.ToFloat64(metrics.SafeBlockCount)
		}, time.Second, time.Millisecond).Should(Equal(1.0))
	})
})
