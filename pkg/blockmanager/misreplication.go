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
	"context"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
	"github.com/nimbusfs/blockmanager/pkg/metrics"
)

// misreplicationScanWorker is ReplicationQueuesInitializer (§4.7.10, §5
// background worker 3): it waits for the manager to become the active
// master, then runs one chunked classification pass over every block in
// C1. Re-armed by every subsequent false->true transition of SetActive.
func (m *BlockManager) misreplicationScanWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.activated:
			m.runMisreplicationScan(ctx)
		}
	}
}

// runMisreplicationScan walks every block in C1 in chunks of
// block-misreplication-processing-limit, taking the write lock only for
// the duration of each chunk so readers are not starved, and publishes the
// fraction of the pass completed so far to metrics.MisreplicationScanProgress.
func (m *BlockManager) runMisreplicationScan(ctx context.Context) {
	chunkSize := m.cfg.BlockMisreplicationProcessingLimit
	if chunkSize < 1 {
		chunkSize = 1
	}

	m.lock.Lock()
	ids := m.blocks.AllIDs()
	m.lock.Unlock()

	total := len(ids)
	if total == 0 {
		metrics.MisreplicationScanProgress.Set(1)
		return
	}

	metrics.MisreplicationScanProgress.Set(0)
	for processed := 0; processed < total; {
		select {
		case <-ctx.Done():
			return
		default:
		}
		end := processed + chunkSize
		if end > total {
			end = total
		}

		m.lock.Lock()
		for _, id := range ids[processed:end] {
			if info, ok := m.blocks.Lookup(id); ok {
				m.classifyBlockLocked(info, "")
			}
		}
		m.lock.Unlock()

		processed = end
		metrics.MisreplicationScanProgress.Set(float64(processed) / float64(total))
	}
}

// classifyBlockLocked is the per-block decision §4.7.10 describes: invalid
// (orphan) blocks are queued for invalidation instead of classified;
// blocks still under construction are left alone; everything else is
// rebucketed by live-replica count (under-replicated -> C5, rack-violation
// -> C5, OK -> removed from C5) and, if over-replicated, handed to the
// reducer -- which itself postpones the block if any holding storage is
// stale, covering the "postpone" outcome without a separate branch here.
// freshStorage is passed straight through to the reducer (see
// reduceOverReplicationLocked). Must be called with the write lock held.
func (m *BlockManager) classifyBlockLocked(info *blocksmap.Info, freshStorage blocksmap.StorageID) {
	if info.Collection == nil {
		for _, st := range info.Storages() {
			if storage, ok := m.nodes.Storage(st); ok {
				m.invalidate.Add(storage.NodeID, info.ID)
			}
		}
		return
	}
	if info.State != block.Complete {
		return
	}

	live, _ := m.countLiveAndPending(info)
	m.rebucketLocked(info, live)

	target := m.targetReplication(info)
	if live > target {
		if err := m.reduceOverReplicationLocked(info, target, "", freshStorage); err != nil {
			m.log.Error(err, "reducing over-replication during mis-replication scan", "block", info.ID)
		}
	}
}

// rescanPostponedMisreplicatedLocked implements §4.7.11: called whenever a
// storage transitions from stale to fresh, it drops postponed entries
// whose block no longer exists and re-runs classification on the rest.
// freshStorage just completed its first report and is still recorded as
// stale in the datanode manager (the caller clears that bit only after
// this call returns), so it is treated as fresh for this pass; a block
// re-postpones only if one of its *other* storages is still stale.
// Must be called with the write lock held.
func (m *BlockManager) rescanPostponedMisreplicatedLocked(freshStorage blocksmap.StorageID) {
	if len(m.postponedMisreplicated) == 0 {
		return
	}
	ids := make([]block.ID, 0, len(m.postponedMisreplicated))
	for id := range m.postponedMisreplicated {
		ids = append(ids, id)
	}
	for _, id := range ids {
		delete(m.postponedMisreplicated, id)
		info, ok := m.blocks.Lookup(id)
		if !ok {
			continue // vanished since being postponed: nothing left to reclassify
		}
		m.classifyBlockLocked(info, freshStorage)
	}
	m.postponedCount.Store(int64(len(m.postponedMisreplicated)))
}
