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

package underreplicated_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/underreplicated"
)

func TestUnderReplicated(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "UnderReplicated")
}

var _ = Describe("Set", func() {
	var s *underreplicated.Set

	BeforeEach(func() { s = underreplicated.New() })

	It("tracks membership and priority", func() {
		s.Add(1, underreplicated.OneReplica)
		p, ok := s.Contains(1)
		Expect(ok).To(BeTrue())
		Expect(p).To(Equal(underreplicated.OneReplica))
		Expect(s.Count(underreplicated.OneReplica)).To(Equal(1))
	})

	It("re-adding at a new priority moves the block, not duplicates it", func() {
		s.Add(1, underreplicated.UnderReplicated)
		s.Add(1, underreplicated.SeverelyUnderReplicated)

		Expect(s.Count(underreplicated.UnderReplicated)).To(Equal(0))
		Expect(s.Count(underreplicated.SeverelyUnderReplicated)).To(Equal(1))
		Expect(s.Size()).To(Equal(1))
	})

	It("update is a no-op for an untracked block", func() {
		s.Update(99, underreplicated.Salvageable)
		Expect(s.Size()).To(Equal(0))
	})

	It("remove drops the block from its bucket", func() {
		s.Add(1, underreplicated.RackViolation)
		s.Remove(1)
		_, ok := s.Contains(1)
		Expect(ok).To(BeFalse())
		Expect(s.Count(underreplicated.RackViolation)).To(Equal(0))
	})

	It("chooseUnderReplicated prioritizes the most urgent bucket first", func() {
		s.Add(1, underreplicated.Salvageable)
		s.Add(2, underreplicated.CorruptOrMissing)

		chosen := s.ChooseUnderReplicated(1)
		Expect(chosen).To(HaveKey(underreplicated.Salvageable))
		Expect(chosen[underreplicated.Salvageable]).To(ConsistOf(block.ID(1)))
	})

	It("round-robins within a bucket across calls instead of starving later entries", func() {
		for i := block.ID(1); i <= 6; i++ {
			s.Add(i, underreplicated.UnderReplicated)
		}

		first := s.ChooseUnderReplicated(numPriorityLevelsBudget())
		second := s.ChooseUnderReplicated(numPriorityLevelsBudget())

		Expect(first[underreplicated.UnderReplicated]).NotTo(Equal(second[underreplicated.UnderReplicated]))
	})

	It("gives unused budget from empty levels to the most urgent non-empty level", func() {
		s.Add(1, underreplicated.CorruptOrMissing)
		s.Add(2, underreplicated.CorruptOrMissing)
		s.Add(3, underreplicated.CorruptOrMissing)

		chosen := s.ChooseUnderReplicated(6)
		Expect(chosen[underreplicated.CorruptOrMissing]).To(HaveLen(3))
	})
})

// numPriorityLevelsBudget picks a maxBlocks value that gives the single
// populated bucket in the round-robin test more than one pick per call,
// without hard-coding the package's internal priority count.
func numPriorityLevelsBudget() int { return 3 }
