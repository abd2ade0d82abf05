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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blockmanager"
	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
	"github.com/nimbusfs/blockmanager/pkg/blocktest"
)

var _ = Describe("GetBlocks", func() {
	var nodes *blocktest.DatanodeManager
	var m *blockmanager.BlockManager
	var coll *blocktest.Collection

	BeforeEach(func() {
		nodes = blocktest.NewDatanodeManager()
		nodes.AddNode("dn1", "rack1", "dn1/sda")
		nodes.AddNode("dn2", "rack2", "dn2/sda")
		m, _ = newManager(nodes)
		coll = blocktest.NewCollection(30, 2, 128<<20)

		// A full report lists everything the storage holds, so each one
		// carries every block added so far.
		var reported []block.ReportedBlock
		for i := 0; i < 5; i++ {
			id := block.ID(1000 + i)
			info, err := m.AddBlockCollection(coll, block.Block{ID: id, NumBytes: 40})
			Expect(err).NotTo(HaveOccurred())
			info.State = block.Complete
			info.UC = nil
			reported = append(reported, block.ReportedBlock{Block: block.Block{ID: id, NumBytes: 40}, State: block.Finalized})
			_, err = m.ProcessReport("dn1", "dn1/sda", reported)
			Expect(err).NotTo(HaveOccurred())
		}
	})

	It("samples up to approximately the requested byte size from a node's blocks", func() {
		got, err := m.GetBlocks("dn1", 100)
		Expect(err).NotTo(HaveOccurred())
		Expect(len(got)).To(BeNumerically(">=", 3)) // 100/40 rounds up to the chunk straddling it

		seen := map[block.ID]struct{}{}
		var total uint64
		for _, bl := range got {
			_, dup := seen[bl.Block.ID]
			Expect(dup).To(BeFalse())
			seen[bl.Block.ID] = struct{}{}
			Expect(bl.Storages).To(ContainElement(blocksmap.StorageID("dn1/sda")))
			total += bl.Block.NumBytes
		}
		Expect(total).To(BeNumerically(">=", 100))
	})

	It("returns every block once size covers the whole node", func() {
		got, err := m.GetBlocks("dn1", 1<<20)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(HaveLen(5))
	})

	It("returns nothing for a node holding no blocks", func() {
		got, err := m.GetBlocks("dn2", 100)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeEmpty())
	})

	It("errors on an unknown node", func() {
		_, err := m.GetBlocks("dn-missing", 100)
		Expect(err).To(MatchError(blockmanager.ErrNotFound))
	})
})
