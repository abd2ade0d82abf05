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

// Package excessreplicas is C4: the per-node set of replicas considered
// surplus -- beyond the block's target replication count -- populated by
// the over-replication reducer and drained once a delete is confirmed.
package excessreplicas

import (
	"sync/atomic"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/datanode"
)

// Set is C4: node id -> set of excess block ids.
type Set struct {
	byNode map[datanode.ID]sets.Set[block.ID]
	total  atomic.Int64
}

// New returns an empty Set.
func New() *Set {
	return &Set{byNode: make(map[datanode.ID]sets.Set[block.ID])}
}

// Add marks id as excess on node. A no-op if already marked.
func (s *Set) Add(node datanode.ID, id block.ID) {
	blocks, ok := s.byNode[node]
	if !ok {
		blocks = sets.New[block.ID]()
		s.byNode[node] = blocks
	}
	if blocks.Has(id) {
		return
	}
	blocks.Insert(id)
	s.total.Add(1)
}

// Remove clears id's excess marking on node -- called once its delete is
// confirmed, or the block stops being excess for another reason.
func (s *Set) Remove(node datanode.ID, id block.ID) {
	blocks, ok := s.byNode[node]
	if !ok || !blocks.Has(id) {
		return
	}
	blocks.Delete(id)
	s.total.Add(-1)
	if blocks.Len() == 0 {
		delete(s.byNode, node)
	}
}

// IsExcess reports whether id is currently marked excess on node.
func (s *Set) IsExcess(node datanode.ID, id block.ID) bool {
	blocks, ok := s.byNode[node]
	return ok && blocks.Has(id)
}

// Count is the number of blocks currently marked excess on node.
func (s *Set) Count(node datanode.ID) int {
	return s.byNode[node].Len()
}

// Total is the cluster-wide excess replica count, readable without the
// namespace lock (§5). Nothing copies it into metrics.ExcessReplicas.
func (s *Set) Total() int64 {
	return s.total.Load()
}

// Blocks lists the blocks currently marked excess on node.
func (s *Set) Blocks(node datanode.ID) []block.ID {
	return s.byNode[node].UnsortedList()
}
