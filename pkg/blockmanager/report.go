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

package blockmanager

import (
	"fmt"
	"io"
	"sort"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
	"github.com/nimbusfs/blockmanager/pkg/datanode"
)

// reportOutcome is the verdict classifyReplica reaches for one reported
// replica against its stored record (§4.7.5).
type reportOutcome int

const (
	outcomeOK reportOutcome = iota
	outcomeIgnore
	outcomeCorrupt
	outcomeAttachUC
)

// classifyReplica implements the corruption detection truth table
// verbatim (§4.7.5).
func classifyReplica(reportedState block.ReplicaState, storedState block.UCState, storedGS, reportedGS, storedLen, reportedLen uint64) (reportOutcome, block.CorruptReason) {
	switch reportedState {
	case block.Finalized:
		switch storedState {
		case block.Complete, block.Committed:
			if storedGS != reportedGS {
				return outcomeCorrupt, block.ReasonGenstampMismatch
			}
			if storedLen != reportedLen {
				return outcomeCorrupt, block.ReasonSizeMismatch
			}
			return outcomeOK, block.ReasonNone
		case block.UnderConstruction, block.UnderRecovery:
			if storedGS > reportedGS {
				return outcomeCorrupt, block.ReasonGenstampMismatch
			}
			return outcomeAttachUC, block.ReasonNone
		}
	case block.ReceivingBeingWritten, block.ReceivingWaitingRecovery:
		if storedState == block.Complete {
			if reportedGS != storedGS {
				return outcomeCorrupt, block.ReasonGenstampMismatch
			}
			if reportedState == block.ReceivingBeingWritten {
				return outcomeIgnore, block.ReasonNone // delayed pipeline close
			}
			return outcomeCorrupt, block.ReasonInvalidState
		}
		return outcomeAttachUC, block.ReasonNone
	case block.UnderRecoveryReplica, block.Temporary:
		return outcomeCorrupt, block.ReasonInvalidState
	}
	return outcomeAttachUC, block.ReasonNone
}

// ProcessReport handles a full block report for one storage (§4.7.3).
// It returns true iff every storage the node is known to have has now
// reported at least once, counting this report; the caller uses that to
// clear the node's "stale" state.
func (m *BlockManager) ProcessReport(node datanode.ID, storage blocksmap.StorageID, report []block.ReportedBlock) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	nodeInfo, ok := m.nodes.Node(node)
	if !ok {
		return false, fmt.Errorf("%w: node %s", ErrNotFound, node)
	}

	storageInfo, storageKnown := m.nodes.Storage(storage)
	firstReport := storageKnown && storageInfo.Stale

	reportedByID := make(map[block.ID]block.ReportedBlock, len(report))
	for _, r := range report {
		reportedByID[r.Block.ID] = r
	}

	if firstReport {
		for id, r := range reportedByID {
			info, ok := m.blocks.Lookup(id)
			if !ok {
				continue // unknown block on first report: silently ignored, avoids mass delete
			}
			m.applyReportedReplicaLocked(info, node, storage, r)
		}
		// This storage just completed its first report since going stale:
		// it has transitioned stale->fresh, so anything postponed pending
		// exactly this (§4.7.11) is eligible to reclassify now.
		m.rescanPostponedMisreplicatedLocked(storage)
	} else {
		for _, info := range m.blocks.BlocksOnStorage(storage) {
			if _, stillReported := reportedByID[info.ID]; !stillReported {
				m.blocks.RemoveStorage(info, storage)
				live, _ := m.countLiveAndPending(info)
				m.rebucketLocked(info, live)
			}
		}
		for id, r := range reportedByID {
			info, ok := m.blocks.Lookup(id)
			if !ok {
				m.invalidate.Add(node, id) // toInvalidate: unknown to C1
				continue
			}
			m.applyReportedReplicaLocked(info, node, storage, r)
		}
	}

	return m.allStoragesReportedLocked(nodeInfo, storage), nil
}

// allStoragesReportedLocked treats reported as having reported even though
// its recorded Stale bit is only cleared by the caller afterwards.
func (m *BlockManager) allStoragesReportedLocked(node datanode.DatanodeDescriptor, reported blocksmap.StorageID) bool {
	for _, st := range node.Storages {
		if st.Stale && st.ID != reported {
			return false
		}
	}
	return true
}

// applyReportedReplicaLocked is the per-(block, storage) decision shared by
// full and incremental report processing: classify, and either attach to
// the UC pipeline, mark corrupt, ignore, or record the edge in C1.
func (m *BlockManager) applyReportedReplicaLocked(info *blocksmap.Info, node datanode.ID, storage blocksmap.StorageID, r block.ReportedBlock) {
	outcome, reason := classifyReplica(r.State, info.State, info.GenerationStamp, r.Block.GenerationStamp, info.NumBytes, r.Block.NumBytes)
	switch outcome {
	case outcomeIgnore:
		return
	case outcomeCorrupt:
		m.findAndMarkBlockAsCorruptLocked(info, node, storage, reason)
		return
	case outcomeAttachUC:
		if info.UC != nil {
			info.UC.ExpectedLocations = append(info.UC.ExpectedLocations, storage)
			info.UC.ReplicaStates = append(info.UC.ReplicaStates, r.State)
		}
		fallthrough
	case outcomeOK:
		if !info.HasStorage(storage) {
			m.blocks.AddStorage(info, storage)
			live, _ := m.countLiveAndPending(info)
			m.rebucketLocked(info, live)
			if live >= m.targetReplication(info) {
				// Back at target with healthy copies: queue every corrupt
				// replica of the block for deletion.
				for _, st := range m.corrupt.Storages(info.ID) {
					if cs, ok := m.nodes.Storage(st); ok {
						m.invalidate.Add(cs.NodeID, info.ID)
					}
					m.blocks.RemoveStorage(info, st)
					m.corrupt.RemoveStorage(info.ID, st)
				}
			}
			if live > m.targetReplication(info) {
				_ = m.reduceOverReplicationLocked(info, m.targetReplication(info), "", "")
			}
		}
	}
}

// FindAndMarkBlockAsCorrupt implements §4.7.5's marking rule directly,
// for the datanode RPC layer's explicit corruption report path.
func (m *BlockManager) FindAndMarkBlockAsCorrupt(id block.ID, node datanode.ID, storage blocksmap.StorageID, reason block.CorruptReason) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	info, ok := m.blocks.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: block %s", ErrNotFound, id)
	}
	m.findAndMarkBlockAsCorruptLocked(info, node, storage, reason)
	return nil
}

func (m *BlockManager) findAndMarkBlockAsCorruptLocked(info *blocksmap.Info, node datanode.ID, storage blocksmap.StorageID, reason block.CorruptReason) {
	if info.Collection == nil {
		m.invalidate.Add(node, info.ID)
		return
	}
	m.corrupt.Add(info.ID, storage, reason)

	live, _ := m.countLiveAndPending(info)
	target := m.targetReplication(info)
	staleGenstamp := reason == block.ReasonGenstampMismatch
	if live > target || staleGenstamp {
		m.invalidate.Add(node, info.ID)
		m.blocks.RemoveStorage(info, storage)
		m.corrupt.RemoveStorage(info.ID, storage)
		live, _ = m.countLiveAndPending(info)
	}
	m.rebucketLocked(info, live)
}

// ProcessIncrementalBlockReport applies a batch of RECEIVING/RECEIVED/DELETED
// events from one node (§4.7.4).
func (m *BlockManager) ProcessIncrementalBlockReport(node datanode.ID, storage blocksmap.StorageID, events []block.IncrementalEvent) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, ev := range events {
		info, ok := m.blocks.Lookup(ev.Block.ID)
		if !ok {
			continue // stale datanode reporting on a block we no longer track
		}
		switch ev.Op {
		case block.OpReceiving:
			if info.UC != nil {
				info.UC.ExpectedLocations = append(info.UC.ExpectedLocations, storage)
				info.UC.ReplicaStates = append(info.UC.ReplicaStates, block.ReceivingBeingWritten)
			}
		case block.OpReceived:
			m.pending.Remove(ev.Block.ID)
			m.applyReportedReplicaLocked(info, node, storage, block.ReportedBlock{Block: ev.Block, State: block.Finalized})
		case block.OpDeleted:
			m.blocks.RemoveStorage(info, storage)
			m.corrupt.RemoveStorage(ev.Block.ID, storage)
			m.excess.Remove(node, ev.Block.ID)
			live, _ := m.countLiveAndPending(info)
			target := m.targetReplication(info)
			if live <= target {
				m.rebucketLocked(info, live)
			}
		}
	}
	return nil
}

// RemoveBlocksAssociatedToNode scrubs every (block, storage) edge the node
// holds on permanent loss, and re-evaluates each affected block.
func (m *BlockManager) RemoveBlocksAssociatedToNode(node datanode.ID) error {
	nodeInfo, ok := m.nodes.Node(node)
	if !ok {
		return fmt.Errorf("%w: node %s", ErrNotFound, node)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, st := range nodeInfo.Storages {
		m.removeBlocksAssociatedToStorageLocked(st.ID)
	}
	m.invalidate.RemoveAll(node)
	return nil
}

// RemoveBlocksAssociatedToStorage scrubs every edge a single lost storage
// held.
func (m *BlockManager) RemoveBlocksAssociatedToStorage(storage blocksmap.StorageID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.removeBlocksAssociatedToStorageLocked(storage)
	return nil
}

func (m *BlockManager) removeBlocksAssociatedToStorageLocked(storage blocksmap.StorageID) {
	for _, info := range m.blocks.BlocksOnStorage(storage) {
		m.blocks.RemoveStorage(info, storage)
		m.corrupt.RemoveStorage(info.ID, storage)
		live, _ := m.countLiveAndPending(info)
		m.rebucketLocked(info, live)
	}
}

// CreateLocatedBlocks implements §4.7.6: for each block covering
// [offset, offset+length), order its live storages first and corrupt ones
// last (or every storage, if all are corrupt), and flag the last block
// under construction if it hasn't reached Complete.
func (m *BlockManager) CreateLocatedBlocks(blockIDs []block.ID) ([]LocatedBlock, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	out := make([]LocatedBlock, 0, len(blockIDs))
	for i, id := range blockIDs {
		info, ok := m.blocks.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("%w: block %s", ErrNotFound, id)
		}
		storages := info.Storages()
		live := make([]blocksmap.StorageID, 0, len(storages))
		corruptList := make([]blocksmap.StorageID, 0)
		for _, st := range storages {
			if m.corrupt.IsCorrupt(id, st) {
				corruptList = append(corruptList, st)
			} else {
				live = append(live, st)
			}
		}
		sort.Slice(live, func(a, b int) bool { return live[a] < live[b] })
		sort.Slice(corruptList, func(a, b int) bool { return corruptList[a] < corruptList[b] })

		var ordered []blocksmap.StorageID
		if len(live) == 0 && len(corruptList) > 0 {
			ordered = corruptList // every replica corrupt: offer them anyway
		} else {
			ordered = append(ordered, live...)
			ordered = append(ordered, corruptList...)
		}

		lb := LocatedBlock{
			Block:               info.Block,
			Storages:            ordered,
			IsUnderConstruction: i == len(blockIDs)-1 && info.State != block.Complete,
		}
		if m.tokens != nil && m.cfg.BlockAccessTokenEnable {
			tok, err := m.tokens.IssueToken(id, ordered)
			if err == nil {
				lb.Token = &tok
			}
		}
		out = append(out, lb)
	}
	return out, nil
}

// CheckReplication recomputes id's C5 bucket from its current live and
// pending replica counts -- called after any operation that may have
// changed either without going through report processing (e.g. a manual
// admin nudge, or replaying a postponed message).
func (m *BlockManager) CheckReplication(id block.ID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	info, ok := m.blocks.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: block %s", ErrNotFound, id)
	}
	live, _ := m.countLiveAndPending(info)
	m.rebucketLocked(info, live)
	return nil
}

// MetaSave writes a human-readable snapshot of every index to w, for
// operator debugging.
func (m *BlockManager) MetaSave(w io.Writer) error {
	m.lock.RLock()
	defer m.lock.RUnlock()

	fmt.Fprintf(w, "blocks tracked: %d\n", m.blocks.Size())
	fmt.Fprintf(w, "under-replicated: %d\n", m.underReplicated.Size())
	fmt.Fprintf(w, "pending replications: %d\n", m.pending.Count())
	fmt.Fprintf(w, "postponed mis-replicated: %d\n", m.postponedCount.Load())
	fmt.Fprintf(w, "corrupt blocks: %d\n", m.corrupt.NumCorruptBlocks())
	fmt.Fprintf(w, "excess replicas (total): %d\n", m.excess.Total())
	return nil
}
