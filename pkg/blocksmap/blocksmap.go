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

// Package blocksmap is C1: the single owner of every BlockInfo record and
// the per-storage intrusive list threaded through them. Every other
// component in this module holds only a block id and looks the record up
// here; nothing outlives a BlocksMap entry.
//
// Callers are expected to hold the namespace-wide RWLocker (see
// pkg/blockmanager) around any sequence of calls that must be seen
// atomically -- BlocksMap itself does no locking.
package blocksmap

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/collection"
)

// StorageID names one storage directory on one datanode.
type StorageID string

// UnderConstructionFeatures is carried only by blocks in UnderConstruction,
// Committed, or UnderRecovery state -- nil once a block reaches Complete.
type UnderConstructionFeatures struct {
	// ExpectedLocations are the storages the write pipeline was built
	// against, in pipeline order.
	ExpectedLocations []StorageID
	// ReplicaStates is parallel to ExpectedLocations: what each storage
	// last reported holding for this block.
	ReplicaStates []block.ReplicaState
	// RecoveryID identifies the current pipeline recovery attempt, if any.
	RecoveryID uuid.UUID
}

// tripletSlot is one link of the per-storage intrusive doubly linked list:
// the storage this slot belongs to, and the neighboring BlockInfo records
// that also sit on that storage. nil means "list end" on that side.
type tripletSlot struct {
	storage StorageID
	prev    *Info
	next    *Info
}

// Info is a BlockInfo record: a block's identity, the collection (file
// handle) that owns it, its UC-state, and the storages currently holding a
// replica, threaded via tripletSlot so a storage can be unlinked in O(k)
// without a secondary index.
type Info struct {
	block.Block

	Collection collection.BlockCollection
	State      block.UCState
	UC         *UnderConstructionFeatures // nil iff State == block.Complete

	triplets []tripletSlot
}

// NewInfo builds a fresh, storage-less record. Callers add storages with
// BlocksMap.AddStorage once the record is inserted.
func NewInfo(b block.Block, coll collection.BlockCollection, state block.UCState) *Info {
	info := &Info{Block: b, Collection: coll, State: state}
	if state != block.Complete {
		info.UC = &UnderConstructionFeatures{}
	}
	return info
}

// Storages returns the storages currently holding a replica of this block,
// in no particular order.
func (info *Info) Storages() []StorageID {
	return lo.Map(info.triplets, func(t tripletSlot, _ int) StorageID { return t.storage })
}

// NumStorages is len(Storages()) without the allocation.
func (info *Info) NumStorages() int {
	return len(info.triplets)
}

// HasStorage reports whether storage already holds a replica of this block.
func (info *Info) HasStorage(storage StorageID) bool {
	return info.slotIndex(storage) >= 0
}

func (info *Info) slotIndex(storage StorageID) int {
	for i := range info.triplets {
		if info.triplets[i].storage == storage {
			return i
		}
	}
	return -1
}

// BlocksMap is the open hash table from block id to Info, plus the
// per-storage list heads that make "enumerate blocks of a storage" O(k).
// capacityHint sizes the initial table (the source data model specs this as
// a fixed-capacity table sized to ~2% of available memory; Go's builtin map
// already grows incrementally, so the hint is used only to preallocate and
// is otherwise advisory).
type BlocksMap struct {
	capacityHint int
	blocks       map[block.ID]*Info
	storageHeads map[StorageID]*Info
}

// New builds an empty BlocksMap, preallocated for capacityHint entries.
func New(capacityHint int) *BlocksMap {
	if capacityHint < 0 {
		capacityHint = 0
	}
	return &BlocksMap{
		capacityHint: capacityHint,
		blocks:       make(map[block.ID]*Info, capacityHint),
		storageHeads: make(map[StorageID]*Info),
	}
}

// Size is the number of blocks currently tracked.
func (m *BlocksMap) Size() int {
	return len(m.blocks)
}

// Insert adds info under info.ID, which must not already be present.
func (m *BlocksMap) Insert(info *Info) error {
	if _, exists := m.blocks[info.ID]; exists {
		return fmt.Errorf("blocksmap: block %s already present", info.ID)
	}
	m.blocks[info.ID] = info
	return nil
}

// Lookup returns the record for id, if any.
func (m *BlocksMap) Lookup(id block.ID) (*Info, bool) {
	info, ok := m.blocks[id]
	return info, ok
}

// Remove deletes id's record and unlinks it from every storage it sat on,
// returning the removed record.
func (m *BlocksMap) Remove(id block.ID) (*Info, bool) {
	info, ok := m.blocks[id]
	if !ok {
		return nil, false
	}
	for _, storage := range info.Storages() {
		m.RemoveStorage(info, storage)
	}
	delete(m.blocks, id)
	return info, true
}

// Replace swaps the record stored under id for newInfo, preserving identity
// (same key, same triplet positions) while letting the variant change --
// the UC-to-Complete transition path. newInfo must carry the same id as the
// record it replaces; its own triplets are discarded in favor of the
// original's, re-pointed at newInfo.
func (m *BlocksMap) Replace(id block.ID, newInfo *Info) (*Info, error) {
	old, ok := m.blocks[id]
	if !ok {
		return nil, fmt.Errorf("blocksmap: block %s not present", id)
	}
	newInfo.Block.ID = id
	newInfo.triplets = old.triplets

	for _, t := range newInfo.triplets {
		if t.prev == nil {
			m.storageHeads[t.storage] = newInfo
		} else if i := t.prev.slotIndex(t.storage); i >= 0 {
			t.prev.triplets[i].next = newInfo
		}
		if t.next != nil {
			if i := t.next.slotIndex(t.storage); i >= 0 {
				t.next.triplets[i].prev = newInfo
			}
		}
	}
	m.blocks[id] = newInfo
	return old, nil
}

// AddStorage links info onto storage's list, at the head. A no-op if info
// is already on storage.
func (m *BlocksMap) AddStorage(info *Info, storage StorageID) {
	if info.HasStorage(storage) {
		return
	}
	oldHead := m.storageHeads[storage]
	info.triplets = append(info.triplets, tripletSlot{storage: storage, prev: nil, next: oldHead})
	if oldHead != nil {
		if i := oldHead.slotIndex(storage); i >= 0 {
			oldHead.triplets[i].prev = info
		}
	}
	m.storageHeads[storage] = info
}

// RemoveStorage unlinks info from storage's list. A no-op if info was not
// on storage.
func (m *BlocksMap) RemoveStorage(info *Info, storage StorageID) {
	i := info.slotIndex(storage)
	if i < 0 {
		return
	}
	slot := info.triplets[i]
	if slot.prev != nil {
		if j := slot.prev.slotIndex(storage); j >= 0 {
			slot.prev.triplets[j].next = slot.next
		}
	} else {
		if slot.next != nil {
			m.storageHeads[storage] = slot.next
		} else {
			delete(m.storageHeads, storage)
		}
	}
	if slot.next != nil {
		if j := slot.next.slotIndex(storage); j >= 0 {
			slot.next.triplets[j].prev = slot.prev
		}
	}
	info.triplets = append(info.triplets[:i], info.triplets[i+1:]...)
}

// BlocksOnStorage walks storage's list head to tail.
func (m *BlocksMap) BlocksOnStorage(storage StorageID) []*Info {
	var out []*Info
	for info := m.storageHeads[storage]; info != nil; {
		out = append(out, info)
		i := info.slotIndex(storage)
		if i < 0 {
			break
		}
		info = info.triplets[i].next
	}
	return out
}

// Iterate calls fn for every record in the map. fn must not mutate the map.
func (m *BlocksMap) Iterate(fn func(*Info)) {
	for _, info := range m.blocks {
		fn(info)
	}
}

// AllIDs snapshots every tracked block id, for callers that page through
// the whole map in bounded chunks outside a single held lock (the
// mis-replication scan).
func (m *BlocksMap) AllIDs() []block.ID {
	ids := make([]block.ID, 0, len(m.blocks))
	for id := range m.blocks {
		ids = append(ids, id)
	}
	return ids
}
