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
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/go-logr/logr"
	testclock "k8s.io/utils/clock/testing"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blockmanager"
	"github.com/nimbusfs/blockmanager/pkg/blocktest"
	"github.com/nimbusfs/blockmanager/pkg/config"
	"github.com/nimbusfs/blockmanager/pkg/placement"
)

func discardLogger() logr.Logger { return logr.Discard() }

func TestBlockManager(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "BlockManager")
}

func newManager(nodes *blocktest.DatanodeManager) (*blockmanager.BlockManager, *blocktest.CommandQueue) {
	cfg := config.Default()
	cfg.ReplicationDefault = 3
	cmds := blocktest.NewCommandQueue()
	pp := placement.NewRackAware(nodes)
	m := blockmanager.New(cfg, &blocktest.Mutex{}, testclock.NewFakeClock(time.Now()), nodes, cmds, pp, nil, discardLogger(), 16)
	return m, cmds
}

var _ = Describe("BlockManager", func() {
	var nodes *blocktest.DatanodeManager
	var m *blockmanager.BlockManager
	var coll *blocktest.Collection

	BeforeEach(func() {
		nodes = blocktest.NewDatanodeManager()
		nodes.AddNode("dn1", "rack1", "dn1/sda")
		nodes.AddNode("dn2", "rack2", "dn2/sda")
		nodes.AddNode("dn3", "rack3", "dn3/sda")
		m, _ = newManager(nodes)
		coll = blocktest.NewCollection(1, 3, 128<<20)
	})

	It("adds a block under construction with no storages", func() {
		info, err := m.AddBlockCollection(coll, block.Block{ID: 100, GenerationStamp: 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(info.NumStorages()).To(Equal(0))
		Expect(info.State).To(Equal(block.UnderConstruction))

		last, ok := coll.LastBlockID()
		Expect(ok).To(BeTrue())
		Expect(last).To(Equal(block.ID(100)))
	})

	It("rejects re-adding an existing block id", func() {
		b := block.Block{ID: 200}
		_, err := m.AddBlockCollection(coll, b)
		Expect(err).NotTo(HaveOccurred())
		_, err = m.AddBlockCollection(coll, b)
		Expect(err).To(MatchError(blockmanager.ErrPrecondition))
	})

	It("rejects an out-of-range replication factor", func() {
		Expect(m.VerifyReplication(0)).To(MatchError(blockmanager.ErrPrecondition))
		Expect(m.VerifyReplication(3)).To(Succeed())
	})

	It("commits a block to Complete once it reaches minReplication live replicas", func() {
		info, err := m.AddBlockCollection(coll, block.Block{ID: 300})
		Expect(err).NotTo(HaveOccurred())

		Expect(m.ProcessIncrementalBlockReport("dn1", "dn1/sda", []block.IncrementalEvent{
			{Op: block.OpReceived, Block: block.Block{ID: 300, GenerationStamp: 1, NumBytes: 1024}},
		})).To(Succeed())

		complete, err := m.CommitOrCompleteLastBlock(coll, block.Block{ID: 300, GenerationStamp: 1, NumBytes: 1024})
		Expect(err).NotTo(HaveOccurred())
		Expect(complete).To(BeTrue()) // one live replica already satisfies the default replication.min of 1

		_ = info
	})

	It("removes a block and every index entry referencing it", func() {
		info, err := m.AddBlockCollection(coll, block.Block{ID: 400})
		Expect(err).NotTo(HaveOccurred())
		Expect(m.RemoveBlock(info.ID)).To(Succeed())
		Expect(m.RemoveBlock(info.ID)).To(MatchError(blockmanager.ErrNotFound))
	})

	It("converts a partial last block back to UnderConstruction for append", func() {
		info, err := m.AddBlockCollection(coll, block.Block{ID: 500, NumBytes: 1024})
		Expect(err).NotTo(HaveOccurred())
		info.State = block.Complete
		info.UC = nil

		lb, err := m.ConvertLastBlockToUnderConstruction(coll)
		Expect(err).NotTo(HaveOccurred())
		Expect(lb).NotTo(BeNil())
		Expect(lb.IsUnderConstruction).To(BeTrue())
	})

	It("does not reopen a last block already at its preferred size", func() {
		info, err := m.AddBlockCollection(coll, block.Block{ID: 600, NumBytes: uint64(coll.BlockSizeValue)})
		Expect(err).NotTo(HaveOccurred())
		_ = info

		lb, err := m.ConvertLastBlockToUnderConstruction(coll)
		Expect(err).NotTo(HaveOccurred())
		Expect(lb).To(BeNil())
	})
})

var _ = Describe("block report processing", func() {
	var nodes *blocktest.DatanodeManager
	var m *blockmanager.BlockManager
	var coll *blocktest.Collection

	BeforeEach(func() {
		nodes = blocktest.NewDatanodeManager()
		nodes.AddNode("dn1", "rack1", "dn1/sda")
		nodes.AddNode("dn2", "rack2", "dn2/sda")
		m, _ = newManager(nodes)
		coll = blocktest.NewCollection(7, 2, 128<<20)
	})

	It("ignores an unknown block on a storage's first report", func() {
		nodes.SetStale("dn1/sda", true)
		_, err := m.ProcessReport("dn1", "dn1/sda", []block.ReportedBlock{
			{Block: block.Block{ID: 999, GenerationStamp: 1, NumBytes: 10}, State: block.Finalized},
		})
		Expect(err).NotTo(HaveOccurred())

		// Clearing staleness is the heartbeat layer's job, done once it has
		// dispatched the report to ProcessReport; simulate that here.
		nodes.SetStale("dn1/sda", false)
		allReported, err := m.ProcessReport("dn1", "dn1/sda", []block.ReportedBlock{
			{Block: block.Block{ID: 999, GenerationStamp: 1, NumBytes: 10}, State: block.Finalized},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(allReported).To(BeTrue())
	})

	It("records a live replica and marks genstamp mismatches corrupt", func() {
		info, err := m.AddBlockCollection(coll, block.Block{ID: 700, GenerationStamp: 5, NumBytes: 10})
		Expect(err).NotTo(HaveOccurred())
		info.State = block.Complete
		info.UC = nil

		_, err = m.ProcessReport("dn1", "dn1/sda", []block.ReportedBlock{
			{Block: block.Block{ID: 700, GenerationStamp: 5, NumBytes: 10}, State: block.Finalized},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(info.HasStorage("dn1/sda")).To(BeTrue())

		_, err = m.ProcessReport("dn2", "dn2/sda", []block.ReportedBlock{
			{Block: block.Block{ID: 700, GenerationStamp: 6, NumBytes: 10}, State: block.Finalized},
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("locates a block with its current storages", func() {
		info, err := m.AddBlockCollection(coll, block.Block{ID: 800, NumBytes: 10})
		Expect(err).NotTo(HaveOccurred())
		info.State = block.Complete
		info.UC = nil

		located, err := m.CreateLocatedBlocks([]block.ID{800})
		Expect(err).NotTo(HaveOccurred())
		Expect(located).To(HaveLen(1))
		Expect(located[0].Block.ID).To(Equal(block.ID(800)))
	})
})
