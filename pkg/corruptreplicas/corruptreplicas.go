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

// Package corruptreplicas is C2: the per-block set of storages holding a
// replica flagged corrupt, with a reason. Corrupt replicas are never
// counted as live and are scheduled for invalidation once the block again
// has at least its target number of live replicas.
package corruptreplicas

import (
	"github.com/samber/lo"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
)

// entry is one (storage, reason) pair recorded against a block.
type entry struct {
	storage blocksmap.StorageID
	reason  block.CorruptReason
}

// Set tracks, per block, the storages currently believed to hold a corrupt
// replica and why.
type Set struct {
	byBlock map[block.ID][]entry
}

// New returns an empty Set.
func New() *Set {
	return &Set{byBlock: make(map[block.ID][]entry)}
}

// Add records storage as holding a corrupt replica of id for reason.
// Idempotent: re-adding the same (id, storage) updates the reason in place
// rather than duplicating the entry.
func (s *Set) Add(id block.ID, storage blocksmap.StorageID, reason block.CorruptReason) {
	entries := s.byBlock[id]
	for i := range entries {
		if entries[i].storage == storage {
			entries[i].reason = reason
			return
		}
	}
	s.byBlock[id] = append(entries, entry{storage: storage, reason: reason})
}

// RemoveStorage drops storage's corrupt marking for id, if any. Used once
// the replica is invalidated or found to no longer exist on that storage.
func (s *Set) RemoveStorage(id block.ID, storage blocksmap.StorageID) {
	entries := s.byBlock[id]
	filtered := lo.Filter(entries, func(e entry, _ int) bool { return e.storage != storage })
	s.setOrDelete(id, filtered)
}

// RemoveBlock drops every corrupt marking for id -- the block was removed
// from C1 entirely.
func (s *Set) RemoveBlock(id block.ID) {
	delete(s.byBlock, id)
}

// Count returns how many storages are currently marked corrupt for id.
func (s *Set) Count(id block.ID) int {
	return len(s.byBlock[id])
}

// IsCorrupt reports whether storage is marked corrupt for id.
func (s *Set) IsCorrupt(id block.ID, storage blocksmap.StorageID) bool {
	for _, e := range s.byBlock[id] {
		if e.storage == storage {
			return true
		}
	}
	return false
}

// Reason returns the recorded reason storage is corrupt for id, or
// ReasonNone if it isn't marked.
func (s *Set) Reason(id block.ID, storage blocksmap.StorageID) block.CorruptReason {
	for _, e := range s.byBlock[id] {
		if e.storage == storage {
			return e.reason
		}
	}
	return block.ReasonNone
}

// Storages lists the storages currently marked corrupt for id.
func (s *Set) Storages(id block.ID) []blocksmap.StorageID {
	return lo.Map(s.byBlock[id], func(e entry, _ int) blocksmap.StorageID { return e.storage })
}

// NumCorruptBlocks is the number of distinct blocks with at least one
// corrupt replica tracked.
func (s *Set) NumCorruptBlocks() int {
	return len(s.byBlock)
}

func (s *Set) setOrDelete(id block.ID, entries []entry) {
	if len(entries) == 0 {
		delete(s.byBlock, id)
		return
	}
	s.byBlock[id] = entries
}
