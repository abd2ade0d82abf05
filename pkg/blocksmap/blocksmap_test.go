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

package blocksmap_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
)

func TestBlocksMap(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "BlocksMap")
}

var _ = Describe("BlocksMap", func() {
	var m *blocksmap.BlocksMap

	BeforeEach(func() {
		m = blocksmap.New(16)
	})

	It("inserts and looks up by id", func() {
		info := blocksmap.NewInfo(block.Block{ID: 1, GenerationStamp: 1, NumBytes: 128}, nil, block.UnderConstruction)
		Expect(m.Insert(info)).To(Succeed())

		got, ok := m.Lookup(1)
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(info))
		Expect(m.Size()).To(Equal(1))
	})

	It("rejects a duplicate insert of the same id", func() {
		info := blocksmap.NewInfo(block.Block{ID: 1}, nil, block.Complete)
		Expect(m.Insert(info)).To(Succeed())
		Expect(m.Insert(blocksmap.NewInfo(block.Block{ID: 1}, nil, block.Complete))).ToNot(Succeed())
	})

	It("threads a per-storage list across multiple blocks", func() {
		a := blocksmap.NewInfo(block.Block{ID: 1}, nil, block.Complete)
		b := blocksmap.NewInfo(block.Block{ID: 2}, nil, block.Complete)
		Expect(m.Insert(a)).To(Succeed())
		Expect(m.Insert(b)).To(Succeed())

		m.AddStorage(a, "dn1/sda")
		m.AddStorage(b, "dn1/sda")

		onStorage := m.BlocksOnStorage("dn1/sda")
		Expect(onStorage).To(HaveLen(2))
		Expect(onStorage).To(ContainElements(a, b))
		Expect(a.HasStorage("dn1/sda")).To(BeTrue())
		Expect(a.NumStorages()).To(Equal(1))
	})

	It("unlinks a storage in O(k) without disturbing siblings", func() {
		a := blocksmap.NewInfo(block.Block{ID: 1}, nil, block.Complete)
		b := blocksmap.NewInfo(block.Block{ID: 2}, nil, block.Complete)
		c := blocksmap.NewInfo(block.Block{ID: 3}, nil, block.Complete)
		for _, info := range []*blocksmap.Info{a, b, c} {
			Expect(m.Insert(info)).To(Succeed())
			m.AddStorage(info, "dn1/sda")
		}

		m.RemoveStorage(b, "dn1/sda")

		Expect(b.HasStorage("dn1/sda")).To(BeFalse())
		Expect(m.BlocksOnStorage("dn1/sda")).To(ContainElements(a, c))
		Expect(m.BlocksOnStorage("dn1/sda")).To(HaveLen(2))
	})

	It("removing a block unlinks it from every storage it sat on", func() {
		info := blocksmap.NewInfo(block.Block{ID: 1}, nil, block.Complete)
		Expect(m.Insert(info)).To(Succeed())
		m.AddStorage(info, "dn1/sda")
		m.AddStorage(info, "dn2/sda")

		removed, ok := m.Remove(1)
		Expect(ok).To(BeTrue())
		Expect(removed).To(BeIdenticalTo(info))
		Expect(m.BlocksOnStorage("dn1/sda")).To(BeEmpty())
		Expect(m.BlocksOnStorage("dn2/sda")).To(BeEmpty())
		_, stillThere := m.Lookup(1)
		Expect(stillThere).To(BeFalse())
	})

	It("replace preserves identity and storage membership across a UC-to-Complete swap", func() {
		uc := blocksmap.NewInfo(block.Block{ID: 1, GenerationStamp: 1, NumBytes: 64}, nil, block.UnderConstruction)
		Expect(m.Insert(uc)).To(Succeed())
		m.AddStorage(uc, "dn1/sda")

		complete := blocksmap.NewInfo(block.Block{ID: 1, GenerationStamp: 1, NumBytes: 64}, nil, block.Complete)
		old, err := m.Replace(1, complete)
		Expect(err).ToNot(HaveOccurred())
		Expect(old).To(BeIdenticalTo(uc))

		got, ok := m.Lookup(1)
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(complete))
		Expect(got.UC).To(BeNil())
		Expect(m.BlocksOnStorage("dn1/sda")).To(ContainElement(complete))
		Expect(m.BlocksOnStorage("dn1/sda")).ToNot(ContainElement(uc))
	})

	It("iterates every tracked block", func() {
		Expect(m.Insert(blocksmap.NewInfo(block.Block{ID: 1}, nil, block.Complete))).To(Succeed())
		Expect(m.Insert(blocksmap.NewInfo(block.Block{ID: 2}, nil, block.Complete))).To(Succeed())

		var seen []block.ID
		m.Iterate(func(info *blocksmap.Info) { seen = append(seen, info.ID) })
		Expect(seen).To(ConsistOf(block.ID(1), block.ID(2)))
	})
})
