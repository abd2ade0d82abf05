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

// Package placement defines the pluggable replica placement strategy the
// orchestrator delegates target and victim selection to, and ships one
// concrete rack-aware default.
package placement

import (
	"fmt"
	"math/rand"

	"github.com/samber/lo"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
	"github.com/nimbusfs/blockmanager/pkg/cache"
	"github.com/nimbusfs/blockmanager/pkg/datanode"
)

// Request describes a target-selection call: how many replicas to place,
// which storages are already chosen (count toward rack diversity but are
// not replaced), which nodes must be excluded, and the block's size and
// storage policy (opaque to the default policy, carried for custom ones).
type Request struct {
	Block           block.Block
	NumReplicas     int
	ChosenStorages  []blocksmap.StorageID
	ExcludedNodes   map[datanode.ID]struct{}
	BlockSize       int64
	StoragePolicyID byte
}

// BlockPlacementPolicy is the external placement strategy: target
// selection for new and additional replicas, and victim selection for the
// over-replication reducer (§4.7.9).
type BlockPlacementPolicy interface {
	// ChooseTarget4NewBlock picks storages for a brand-new block.
	ChooseTarget4NewBlock(req Request) ([]blocksmap.StorageID, error)

	// ChooseTarget4AdditionalDatanode picks extra storages for a block that
	// already has some, e.g. replicating an under-replicated block.
	ChooseTarget4AdditionalDatanode(req Request) ([]blocksmap.StorageID, error)

	// ChooseTarget4WebHDFS picks a single storage for a redirect-style
	// write, typically with a looser rack constraint than the other two.
	ChooseTarget4WebHDFS(req Request) (blocksmap.StorageID, error)

	// ChooseReplicaToDelete picks the over-replication reducer's victim
	// from candidates, given the already-computed rack buckets. deleteHint,
	// if non-empty, is preferred when it sits on a rack holding more than
	// one replica, so removing it leaves that rack still holding one.
	ChooseReplicaToDelete(candidates []blocksmap.StorageID, moreThanOneRack map[string][]blocksmap.StorageID, deleteHint blocksmap.StorageID) (blocksmap.StorageID, error)
}

// RackAware is the default BlockPlacementPolicy: spread replicas across
// racks first, then fill remaining slots from any eligible storage, and
// prefer freeing up a rack that already holds more than one replica when
// picking a deletion victim.
type RackAware struct {
	Nodes datanode.DatanodeManager
	Rand  *rand.Rand

	// Unavailable, if set, excludes storages/nodes/racks that recently
	// failed a placement attempt without waiting for the next heartbeat
	// cycle to confirm they're viable again.
	Unavailable *cache.UnavailableStorages
}

// NewRackAware builds a RackAware policy backed by nodes. A nil Rand uses
// the package-level math/rand source.
func NewRackAware(nodes datanode.DatanodeManager) *RackAware {
	return &RackAware{Nodes: nodes}
}

func (p *RackAware) intn(n int) int {
	if n <= 0 {
		return 0
	}
	if p.Rand != nil {
		return p.Rand.Intn(n)
	}
	return rand.Intn(n)
}

func (p *RackAware) eligibleStorages(excluded map[datanode.ID]struct{}) []datanode.DatanodeStorageInfo {
	var out []datanode.DatanodeStorageInfo
	for _, node := range p.Nodes.LiveNodes() {
		if !node.IsAlive() {
			continue
		}
		if node.AdminState == datanode.DecommissionInProgress {
			continue // a draining node is never a target
		}
		if _, skip := excluded[node.ID]; skip {
			continue
		}
		for _, st := range node.Storages {
			if st.State != datanode.Normal {
				continue
			}
			if p.Unavailable != nil && p.Unavailable.IsUnavailable(st.ID, st.NodeID, st.Rack) {
				continue
			}
			out = append(out, st)
		}
	}
	return out
}

// ChooseTarget4NewBlock spreads numReplicas across as many distinct racks
// as possible before reusing one.
func (p *RackAware) ChooseTarget4NewBlock(req Request) ([]blocksmap.StorageID, error) {
	candidates := p.eligibleStorages(req.ExcludedNodes)
	byRack := lo.GroupBy(candidates, func(s datanode.DatanodeStorageInfo) string { return s.Rack })

	var chosen []blocksmap.StorageID
	racks := lo.Keys(byRack)
	for len(chosen) < req.NumReplicas && len(racks) > 0 {
		for _, rack := range racks {
			pool := byRack[rack]
			if len(pool) == 0 {
				continue
			}
			i := p.intn(len(pool))
			chosen = append(chosen, pool[i].ID)
			byRack[rack] = append(pool[:i], pool[i+1:]...)
			if len(chosen) == req.NumReplicas {
				break
			}
		}
		racks = lo.Filter(racks, func(r string, _ int) bool { return len(byRack[r]) > 0 })
	}
	if len(chosen) < req.NumReplicas && len(chosen) == 0 {
		return nil, fmt.Errorf("placement: no eligible storages for block %s", req.Block.ID)
	}
	return chosen, nil
}

// ChooseTarget4AdditionalDatanode is ChooseTarget4NewBlock. Nodes already
// holding the block are skipped only if the caller lists them in
// req.ExcludedNodes; req.ChosenStorages is not consulted.
func (p *RackAware) ChooseTarget4AdditionalDatanode(req Request) ([]blocksmap.StorageID, error) {
	return p.ChooseTarget4NewBlock(req)
}

// ChooseTarget4WebHDFS picks a single eligible storage at random.
func (p *RackAware) ChooseTarget4WebHDFS(req Request) (blocksmap.StorageID, error) {
	req.NumReplicas = 1
	chosen, err := p.ChooseTarget4NewBlock(req)
	if err != nil {
		return "", err
	}
	return chosen[0], nil
}

// ChooseReplicaToDelete prefers deleteHint when it sits on a rack holding
// more than one replica (so no rack loses its last copy), otherwise picks
// uniformly at random among the storages on such racks, falling back to
// all candidates when no rack holds more than one.
func (p *RackAware) ChooseReplicaToDelete(candidates []blocksmap.StorageID, moreThanOneRack map[string][]blocksmap.StorageID, deleteHint blocksmap.StorageID) (blocksmap.StorageID, error) {
	if deleteHint != "" {
		for rack, storages := range moreThanOneRack {
			if lo.Contains(storages, deleteHint) && len(storages) > 1 {
				_ = rack
				return deleteHint, nil
			}
		}
	}
	var pool []blocksmap.StorageID
	for _, storages := range moreThanOneRack {
		pool = append(pool, storages...)
	}
	if len(pool) == 0 {
		pool = candidates
	}
	if len(pool) == 0 {
		return "", fmt.Errorf("placement: no victim candidates")
	}
	return pool[p.intn(len(pool))], nil
}
