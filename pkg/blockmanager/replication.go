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
	"sync"

	"github.com/samber/lo"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
	"github.com/nimbusfs/blockmanager/pkg/datanode"
	"github.com/nimbusfs/blockmanager/pkg/metrics"
	"github.com/nimbusfs/blockmanager/pkg/placement"
	"github.com/nimbusfs/blockmanager/pkg/underreplicated"
)

// Run starts the ReplicationMonitor and mis-replication scan background
// workers (§4.7.2, §4.7.10, §5). It returns once ctx is cancelled, after
// both goroutines have exited.
func (m *BlockManager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.replicationMonitorLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.misreplicationScanWorker(ctx)
	}()
	<-ctx.Done()
	wg.Wait()
}

func (m *BlockManager) replicationMonitorLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.ReplicationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.runReplicationMonitorIteration()
		}
	}
}

// runReplicationMonitorIteration is one pass of the control loop. A panic
// anywhere in it is logged and swallowed -- except ErrInvariantViolation,
// which is rethrown so the process terminates (§7 propagation policy).
func (m *BlockManager) runReplicationMonitorIteration() {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && isInvariantViolation(err) {
				panic(r)
			}
			m.log.Error(nil, "recovered panic in ReplicationMonitor iteration", "panic", r)
		}
	}()

	if !m.active.Load() {
		return
	}

	numLive := len(m.nodes.LiveNodes())
	blocksToProcess := numLive * m.cfg.ReplicationWorkMultiplier
	nodesToProcess := int(float64(numLive)*m.cfg.BlockReportInvalidateWorkPct + 0.999999)

	m.computeReplicationWork(blocksToProcess)
	m.computeInvalidationWork(nodesToProcess)
	m.drainTimedOutPending()
	m.publishSafeBlockCount()
}

// publishSafeBlockCount recomputes and exports the Complete-with-enough-
// live-replicas block count (§3 invariant 6, §8 "Safe-block count equals
// |{b : b.state == Complete and liveReplicas(b) >= minReplication}|"). Run
// on the same cadence as the rest of the monitor iteration rather than
// incrementally, since it is a read-mostly health metric, not a hot path.
func (m *BlockManager) publishSafeBlockCount() {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var safe int64
	m.blocks.Iterate(func(info *blocksmap.Info) {
		if info.State != block.Complete {
			return
		}
		live, _ := m.countLiveAndPending(info)
		if live >= int(m.cfg.ReplicationMin) {
			safe++
		}
	})
	metrics.SafeBlockCount.Set(float64(safe))
}

func isInvariantViolation(err error) bool {
	for err != nil {
		if err == ErrInvariantViolation {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// drainTimedOutPending moves every C6 entry past its deadline back onto C5
// (§4.7.2 step 6).
func (m *BlockManager) drainTimedOutPending() {
	timedOut := m.pending.DrainTimedOut()
	if len(timedOut) == 0 {
		return
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, entry := range timedOut {
		info, ok := m.blocks.Lookup(entry.Block)
		if !ok {
			continue
		}
		live, _ := m.countLiveAndPending(info)
		m.rebucketLocked(info, live)
	}
}

// rebucketLocked computes info's C5 priority from its live replica count
// and either adds/updates it in C5 or removes it, per §4.5/§3 invariant 2.
// Must be called with the write lock held.
func (m *BlockManager) rebucketLocked(info *blocksmap.Info, live int) {
	target := m.targetReplication(info)
	if live >= target {
		if m.violatesRackDiversityLocked(info) {
			m.underReplicated.Add(info.ID, underreplicated.RackViolation)
			return
		}
		m.underReplicated.Remove(info.ID)
		return
	}

	hasSalvageable := live == 0 && m.hasDecommissioningCopyLocked(info)
	switch {
	case live == 0 && !hasSalvageable:
		m.underReplicated.Add(info.ID, underreplicated.CorruptOrMissing)
	case hasSalvageable:
		m.underReplicated.Add(info.ID, underreplicated.Salvageable)
	case live == 1 && target > 1:
		m.underReplicated.Add(info.ID, underreplicated.OneReplica)
	case live*3 < target:
		m.underReplicated.Add(info.ID, underreplicated.SeverelyUnderReplicated)
	default:
		m.underReplicated.Add(info.ID, underreplicated.UnderReplicated)
	}
}

func (m *BlockManager) hasDecommissioningCopyLocked(info *blocksmap.Info) bool {
	for _, st := range info.Storages() {
		storage, ok := m.nodes.Storage(st)
		if !ok {
			continue
		}
		node, ok := m.nodes.Node(storage.NodeID)
		if ok && node.AdminState == datanode.DecommissionInProgress {
			return true
		}
	}
	return false
}

func (m *BlockManager) violatesRackDiversityLocked(info *blocksmap.Info) bool {
	racks := map[string]struct{}{}
	clusterRacks := map[string]struct{}{}
	for _, node := range m.nodes.LiveNodes() {
		clusterRacks[node.Rack] = struct{}{}
	}
	if len(clusterRacks) <= 1 {
		return false
	}
	for _, st := range info.Storages() {
		storage, ok := m.nodes.Storage(st)
		if !ok {
			continue
		}
		racks[storage.Rack] = struct{}{}
	}
	return len(racks) <= 1
}

// computeReplicationWork implements §4.7.7. It pops up to blocksToProcess
// candidates from C5, picks a source for each, consults placement without
// the lock, then re-validates and commits.
func (m *BlockManager) computeReplicationWork(blocksToProcess int) {
	type candidate struct {
		info                      *blocksmap.Info
		source                    blocksmap.StorageID
		additionalReplicasRequired int
	}

	var candidates []candidate
	m.lock.Lock()
	chosen := m.underReplicated.ChooseUnderReplicated(blocksToProcess)
	for _, ids := range chosen {
		for _, id := range ids {
			info, ok := m.blocks.Lookup(id)
			if !ok {
				m.underReplicated.Remove(id)
				continue
			}
			if info.Collection == nil {
				m.underReplicated.Remove(id)
				continue
			}
			if info.State == block.UnderConstruction || info.State == block.UnderRecovery {
				if last, ok := info.Collection.LastBlockID(); ok && last == id {
					continue // last UC block of a still-open file (§4.7.7 step 1)
				}
			}
			source, ok := m.chooseSourceNodeLocked(info)
			if !ok {
				continue
			}
			live, pending := m.countLiveAndPending(info)
			target := m.targetReplication(info)
			additional := target - (live + pending)
			if additional < 1 {
				additional = 1
			}
			candidates = append(candidates, candidate{info: info, source: source, additionalReplicasRequired: additional})
		}
	}
	m.lock.Unlock()

	if len(candidates) == 0 {
		return
	}

	type planned struct {
		candidate
		targets []blocksmap.StorageID
	}
	var plans []planned
	for _, c := range candidates {
		req := placement.Request{
			Block:          c.info.Block,
			NumReplicas:    c.additionalReplicasRequired,
			ChosenStorages: c.info.Storages(),
			ExcludedNodes:  m.excludedNodesFor(c.info),
		}
		targets, err := m.placement.ChooseTarget4AdditionalDatanode(req)
		if err != nil || len(targets) == 0 {
			continue
		}
		plans = append(plans, planned{candidate: c, targets: targets})
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	for _, p := range plans {
		info, ok := m.blocks.Lookup(p.info.ID)
		if !ok {
			continue
		}
		live, pending := m.countLiveAndPending(info)
		target := m.targetReplication(info)
		if live+pending >= target {
			m.underReplicated.Remove(info.ID)
			continue
		}
		if !m.limiter.Replicate().TryAccept() {
			continue // budget exhausted this iteration; retried next tick
		}
		sourceNode, ok := m.nodes.Storage(p.source)
		if !ok {
			continue
		}
		m.commands.Enqueue(context.Background(), sourceNode.NodeID, datanode.Command{
			Kind: datanode.Replicate, Block: info.Block, Targets: p.targets,
		})
		m.pending.Add(info.ID, len(p.targets), p.targets)
		metrics.ReplicationWorkScheduled.Inc()
		if live+pending+len(p.targets) >= target {
			m.underReplicated.Remove(info.ID)
		}
	}
}

// excludedNodesFor builds the placement exclusion set: every node that
// already holds (or is ineligible to hold) a replica of info.
func (m *BlockManager) excludedNodesFor(info *blocksmap.Info) map[datanode.ID]struct{} {
	excluded := make(map[datanode.ID]struct{})
	for _, st := range info.Storages() {
		if storage, ok := m.nodes.Storage(st); ok {
			excluded[storage.NodeID] = struct{}{}
		}
	}
	return excluded
}

// chooseSourceNodeLocked implements §4.7.7.1: classify every storage
// holding info, then pick uniformly at random among the eligible
// decommissioning ones if there are any, else among the eligible
// in-service ones (random tie-break is deliberate, §9).
func (m *BlockManager) chooseSourceNodeLocked(info *blocksmap.Info) (blocksmap.StorageID, bool) {
	var decommissioning, inService []blocksmap.StorageID
	for _, st := range info.Storages() {
		if m.corrupt.IsCorrupt(info.ID, st) {
			continue
		}
		storage, ok := m.nodes.Storage(st)
		if !ok || storage.State != datanode.Normal {
			continue
		}
		if m.excess.IsExcess(storage.NodeID, info.ID) {
			continue
		}
		node, ok := m.nodes.Node(storage.NodeID)
		if !ok || node.AdminState == datanode.Decommissioned {
			continue
		}
		if !m.eligibleStreamBudgetLocked(storage.NodeID, info.ID) {
			continue
		}
		if node.AdminState == datanode.DecommissionInProgress {
			decommissioning = append(decommissioning, st)
		} else {
			inService = append(inService, st)
		}
	}
	if len(decommissioning) > 0 {
		return decommissioning[m.rng.Intn(len(decommissioning))], true
	}
	if len(inService) > 0 {
		return inService[m.rng.Intn(len(inService))], true
	}
	return "", false
}

// eligibleStreamBudgetLocked applies the per-node outbound stream limits
// (§4.7.7.1): always below the hard limit, and below the soft limit unless
// this block is at the highest priority.
func (m *BlockManager) eligibleStreamBudgetLocked(node datanode.ID, id block.ID) bool {
	outgoing := m.commands.Len(node)
	if outgoing >= m.cfg.ReplicationMaxStreamsHardLimit {
		return false
	}
	priority, _ := m.underReplicated.Contains(id)
	if priority == underreplicated.Salvageable {
		return true
	}
	return outgoing < m.cfg.ReplicationMaxStreams
}

// computeInvalidationWork implements §4.7.8: shuffle the nodes with
// pending C3 entries, drain up to 1/BlockReportInvalidateWorkPct blocks
// (at least one) from each of the first nodesToProcess of them, and
// enqueue a delete command for each.
func (m *BlockManager) computeInvalidationWork(nodesToProcess int) {
	if nodesToProcess <= 0 {
		return
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	candidates := lo.Filter(m.nodes.LiveNodes(), func(n datanode.DatanodeDescriptor, _ int) bool {
		return m.invalidate.Count(n.ID) > 0
	})
	m.rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if nodesToProcess > len(candidates) {
		nodesToProcess = len(candidates)
	}
	limit := int(float64(1) / m.cfg.BlockReportInvalidateWorkPct) // conservative per-iteration chunk
	if limit < 1 {
		limit = 1
	}
	for _, node := range candidates[:nodesToProcess] {
		if !m.limiter.Invalidate().TryAccept() {
			continue // budget exhausted this iteration; retried next tick
		}
		ids := m.invalidate.Drain(node.ID, limit)
		if len(ids) == 0 {
			continue
		}
		m.commands.Enqueue(context.Background(), node.ID, datanode.Command{Kind: datanode.Invalidate, Blocks: ids})
		metrics.InvalidationWorkScheduled.Inc()
	}
}

// reduceOverReplicationLocked implements §4.7.9. target is the desired
// replication factor; deleteHint, if non-empty, is the client's preferred
// victim. freshStorage, if non-empty, is a storage to treat as not-stale
// regardless of its recorded state -- the one whose report is in the
// middle of being applied by the caller, which clears the recorded Stale
// bit only after this call returns (§4.7.11's rescan needs to see it as
// already fresh, not stale).
func (m *BlockManager) reduceOverReplicationLocked(info *blocksmap.Info, target int, deleteHint, freshStorage blocksmap.StorageID) error {
	live, _ := m.countLiveAndPending(info)
	if live <= target {
		return nil
	}

	var candidates []blocksmap.StorageID
	for _, st := range info.Storages() {
		if m.corrupt.IsCorrupt(info.ID, st) {
			continue
		}
		storage, ok := m.nodes.Storage(st)
		if !ok {
			continue
		}
		if storage.Stale && st != freshStorage {
			m.postponedMisreplicated[info.ID] = struct{}{}
			m.postponedCount.Store(int64(len(m.postponedMisreplicated)))
			return nil
		}
		node, ok := m.nodes.Node(storage.NodeID)
		if !ok || node.AdminState != datanode.InService {
			continue
		}
		if m.excess.IsExcess(storage.NodeID, info.ID) {
			continue
		}
		candidates = append(candidates, st)
	}

	for len(candidates) > target {
		byRack := lo.GroupBy(candidates, func(st blocksmap.StorageID) string {
			storage, _ := m.nodes.Storage(st)
			return storage.Rack
		})
		moreThanOne := make(map[string][]blocksmap.StorageID)
		for rack, storages := range byRack {
			if len(storages) > 1 {
				moreThanOne[rack] = storages
			}
		}

		victim, err := m.placement.ChooseReplicaToDelete(candidates, moreThanOne, deleteHint)
		if err != nil {
			return err
		}
		candidates = lo.Filter(candidates, func(st blocksmap.StorageID, _ int) bool { return st != victim })

		storage, ok := m.nodes.Storage(victim)
		if !ok {
			continue
		}
		m.excess.Add(storage.NodeID, info.ID)
		m.invalidate.Add(storage.NodeID, info.ID)
	}
	return nil
}
