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

// Package blockmanager is C7, the orchestrator: it hosts the block
// state machine, processes datanode reports, and runs the
// ReplicationMonitor background loop that drives the cluster back toward
// the declared replication factor. Every other package in this module
// (C1-C6 plus the datanode/collection/placement/token contracts) is a
// satellite this package coordinates; nothing outside this package
// mutates them directly.
package blockmanager

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"

	"k8s.io/utils/clock"
	crlog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
	"github.com/nimbusfs/blockmanager/pkg/collection"
	"github.com/nimbusfs/blockmanager/pkg/config"
	"github.com/nimbusfs/blockmanager/pkg/corruptreplicas"
	"github.com/nimbusfs/blockmanager/pkg/datanode"
	"github.com/nimbusfs/blockmanager/pkg/excessreplicas"
	"github.com/nimbusfs/blockmanager/pkg/invalidateblocks"
	"github.com/nimbusfs/blockmanager/pkg/pendingreplications"
	"github.com/nimbusfs/blockmanager/pkg/placement"
	"github.com/nimbusfs/blockmanager/pkg/ratelimit"
	"github.com/nimbusfs/blockmanager/pkg/token"
	"github.com/nimbusfs/blockmanager/pkg/underreplicated"
)

// RWLocker is the namespace-global multi-reader/single-writer lock every
// public operation declares its need for (§5). Production wires
// *sync.RWMutex; tests wire blocktest.Mutex, which embeds one and records
// nothing about which capability each call took.
type RWLocker interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

// pendingMessage is one operation postponed because it targeted a block
// the namespace hasn't caught up to yet (§7 stale-state, §9 "Standby
// postponement").
type pendingMessage struct {
	block  block.ID
	replay func(*BlockManager) error
}

// LocatedBlock is a block annotated with its current read locations, for
// createLocatedBlocks (§4.7.6).
type LocatedBlock struct {
	Block               block.Block
	Storages            []blocksmap.StorageID // live first, corrupt last
	IsUnderConstruction bool
	Token               *token.Token
}

// BlockManager is C7.
type BlockManager struct {
	cfg   *config.Settings
	lock  RWLocker
	clock clock.Clock
	log   crlog.Logger

	blocks          *blocksmap.BlocksMap
	corrupt         *corruptreplicas.Set
	invalidate      *invalidateblocks.Set
	excess          *excessreplicas.Set
	underReplicated *underreplicated.Set
	pending         *pendingreplications.Set

	nodes     datanode.DatanodeManager
	commands  datanode.CommandQueue
	placement placement.BlockPlacementPolicy
	tokens    token.BlockTokenIssuer // nil if block-access-token.enable is false
	limiter   ratelimit.WorkRateLimiterProvider

	rng *rand.Rand

	postponedMisreplicated map[block.ID]struct{}
	postponedCount         atomic.Int64

	pendingMessages []pendingMessage

	active    atomic.Bool // active master, out of safe mode
	activated chan struct{} // signaled on the false->true active transition
}

// New builds a BlockManager. blocksCapacityHint sizes C1 (§4.1).
func New(
	cfg *config.Settings,
	lock RWLocker,
	clk clock.Clock,
	nodes datanode.DatanodeManager,
	commands datanode.CommandQueue,
	pp placement.BlockPlacementPolicy,
	tokens token.BlockTokenIssuer,
	log crlog.Logger,
	blocksCapacityHint int,
) *BlockManager {
	return &BlockManager{
		cfg:                    cfg,
		lock:                   lock,
		clock:                  clk,
		log:                    log,
		blocks:                 blocksmap.New(blocksCapacityHint),
		corrupt:                corruptreplicas.New(),
		invalidate:             invalidateblocks.New(clk, cfg.StartupDelayBlockDeletion),
		excess:                 excessreplicas.New(),
		underReplicated:        underreplicated.New(),
		pending:                pendingreplications.New(cfg.ReplicationPendingTimeout),
		nodes:                  nodes,
		commands:               commands,
		placement:              pp,
		tokens:                 tokens,
		limiter:                ratelimit.NewNopRateLimiterProvider(),
		rng:                    rand.New(rand.NewSource(1)),
		postponedMisreplicated: make(map[block.ID]struct{}),
		activated:              make(chan struct{}, 1),
	}
}

// SetWorkRateLimiter installs the budget the ReplicationMonitor consults
// before enqueueing each Replicate/Invalidate command. Unset, the monitor
// never throttles its own command dispatch.
func (m *BlockManager) SetWorkRateLimiter(limiter ratelimit.WorkRateLimiterProvider) {
	m.limiter = limiter
}

// SetActive flips whether the ReplicationMonitor and invalidation work run
// at all -- "active and out of safe mode" (§4.7.2). Becoming active (and
// only that transition) schedules one mis-replication scan pass (§4.7.10),
// run by the worker started in Run.
func (m *BlockManager) SetActive(active bool) {
	wasActive := m.active.Swap(active)
	if active && !wasActive {
		select {
		case m.activated <- struct{}{}:
		default: // a scan is already queued or running
		}
	}
}

// IsActive reports the current active/safe-mode state.
func (m *BlockManager) IsActive() bool {
	return m.active.Load()
}

// AddBlockCollection registers a freshly-allocated block owned by coll,
// UnderConstruction, with no storages yet -- the namespace layer calls
// this right after allocating a new block for a write pipeline.
func (m *BlockManager) AddBlockCollection(coll collection.BlockCollection, b block.Block) (*blocksmap.Info, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	info := blocksmap.NewInfo(b, coll, block.UnderConstruction)
	if err := m.blocks.Insert(info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	coll.SetLastBlockID(b.ID)
	return info, nil
}

// RemoveBlock deletes id from C1, C2, C5, C6 and the postponed
// mis-replication set, used when the namespace truncates or deletes a
// file. C3 and C4 entries for id are left in place.
func (m *BlockManager) RemoveBlock(id block.ID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.removeBlockLocked(id)
}

func (m *BlockManager) removeBlockLocked(id block.ID) error {
	info, ok := m.blocks.Remove(id)
	if !ok {
		return fmt.Errorf("%w: block %s", ErrNotFound, id)
	}
	for _, st := range info.Storages() {
		m.corrupt.RemoveStorage(id, st)
	}
	m.corrupt.RemoveBlock(id)
	m.underReplicated.Remove(id)
	m.pending.Remove(id)
	delete(m.postponedMisreplicated, id)
	m.postponedCount.Store(int64(len(m.postponedMisreplicated)))
	return nil
}

// VerifyReplication rejects a requested replication factor outside
// [replication.min, replication.max] (§6).
func (m *BlockManager) VerifyReplication(requested int16) error {
	if requested < m.cfg.ReplicationMin || requested > m.cfg.ReplicationMax {
		return fmt.Errorf("%w: replication %d outside [%d,%d]", ErrPrecondition, requested, m.cfg.ReplicationMin, m.cfg.ReplicationMax)
	}
	return nil
}

// SetReplication updates every block of coll to newReplication, re-bucketing
// each in C5 by the new delta and, if the factor decreased, running the
// over-replication reducer for each (§4.7.1).
func (m *BlockManager) SetReplication(coll collection.BlockCollection, oldReplication, newReplication int16, blocks []block.ID) error {
	if err := m.VerifyReplication(newReplication); err != nil {
		return err
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, id := range blocks {
		info, ok := m.blocks.Lookup(id)
		if !ok {
			continue
		}
		live, _ := m.countLiveAndPending(info)
		m.rebucketLocked(info, live)
		if newReplication < oldReplication {
			if err := m.reduceOverReplicationLocked(info, int(newReplication), "", ""); err != nil {
				m.log.Error(err, "reducing over-replication after setReplication", "block", id)
			}
		}
	}
	return nil
}

// ChooseTarget4NewBlock delegates to the placement policy, failing if
// fewer than replication.min targets can be chosen.
func (m *BlockManager) ChooseTarget4NewBlock(ctx context.Context, req placement.Request) ([]blocksmap.StorageID, error) {
	chosen, err := m.placement.ChooseTarget4NewBlock(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	if len(chosen) < int(m.cfg.ReplicationMin) {
		return nil, fmt.Errorf("%w: only %d targets chosen, need %d", ErrPrecondition, len(chosen), m.cfg.ReplicationMin)
	}
	return chosen, nil
}

// ChooseTarget4AdditionalDatanode delegates to the placement policy for an
// already partially-placed block.
func (m *BlockManager) ChooseTarget4AdditionalDatanode(ctx context.Context, req placement.Request) ([]blocksmap.StorageID, error) {
	chosen, err := m.placement.ChooseTarget4AdditionalDatanode(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	return chosen, nil
}

// ChooseTarget4WebHDFS delegates to the placement policy for a single
// redirect target.
func (m *BlockManager) ChooseTarget4WebHDFS(ctx context.Context, req placement.Request) (blocksmap.StorageID, error) {
	chosen, err := m.placement.ChooseTarget4WebHDFS(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	return chosen, nil
}

// CommitOrCompleteLastBlock implements §4.7.1's contract: the client's
// final length/generation stamp are accepted if they don't shrink the
// stored block; the block advances to Complete once it has enough live
// replicas.
func (m *BlockManager) CommitOrCompleteLastBlock(coll collection.BlockCollection, clientBlock block.Block) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	lastID, ok := coll.LastBlockID()
	if !ok {
		return false, fmt.Errorf("%w: collection has no blocks", ErrPrecondition)
	}
	info, ok := m.blocks.Lookup(lastID)
	if !ok {
		return false, fmt.Errorf("%w: block %s", ErrNotFound, lastID)
	}
	if info.State == block.Complete {
		return false, fmt.Errorf("%w: block %s already complete", ErrPrecondition, lastID)
	}
	if clientBlock.NumBytes < info.NumBytes {
		return false, fmt.Errorf("%w: client length %d below stored length %d", ErrPrecondition, clientBlock.NumBytes, info.NumBytes)
	}

	info.NumBytes = clientBlock.NumBytes
	info.GenerationStamp = clientBlock.GenerationStamp
	info.State = block.Committed

	live, _ := m.countLiveAndPending(info)
	if live >= int(m.cfg.ReplicationMin) {
		info.State = block.Complete
		info.UC = nil
		return true, nil
	}
	return false, nil
}

// ConvertLastBlockToUnderConstruction marks coll's last block
// UnderConstruction for pipeline append, if it is partial. Returns nil,
// nil for an empty or fully-aligned file.
func (m *BlockManager) ConvertLastBlockToUnderConstruction(coll collection.BlockCollection) (*LocatedBlock, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	lastID, ok := coll.LastBlockID()
	if !ok {
		return nil, nil
	}
	info, ok := m.blocks.Lookup(lastID)
	if !ok {
		return nil, fmt.Errorf("%w: block %s", ErrNotFound, lastID)
	}
	if info.NumBytes >= uint64(coll.PreferredBlockSize()) {
		return nil, nil
	}

	info.State = block.UnderConstruction
	if info.UC == nil {
		info.UC = &blocksmap.UnderConstructionFeatures{}
	}
	m.underReplicated.Remove(lastID)
	m.pending.Remove(lastID)
	// Cancel pending deletions (C3) of the replicas the pipeline reopens on.
	for _, st := range info.Storages() {
		if storage, ok := m.nodes.Storage(st); ok {
			m.invalidate.Remove(storage.NodeID, lastID)
		}
	}

	return &LocatedBlock{
		Block:               info.Block,
		Storages:            info.Storages(),
		IsUnderConstruction: true,
	}, nil
}

// countLiveAndPending counts live replicas currently on record for info
// plus in-flight (pending) replication targets, excluding corrupt ones.
func (m *BlockManager) countLiveAndPending(info *blocksmap.Info) (live int, pending int) {
	for _, st := range info.Storages() {
		if m.corrupt.IsCorrupt(info.ID, st) {
			continue
		}
		live++
	}
	if entry, ok := m.pending.Get(info.ID); ok {
		pending = entry.ExpectedAdditionalReplicas
	}
	return live, pending
}

// targetReplication returns the declared replication factor for info's
// owning collection, falling back to the configured default if the
// collection is gone (shouldn't happen while the block is still tracked).
func (m *BlockManager) targetReplication(info *blocksmap.Info) int {
	if info.Collection == nil {
		return int(m.cfg.ReplicationDefault)
	}
	return int(info.Collection.Replication())
}
