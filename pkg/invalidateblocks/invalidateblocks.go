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

// Package invalidateblocks is C3: the per-node ordered queue of blocks
// pending deletion, gated by a startup grace period so a master that just
// failed over doesn't mass-delete replicas before it has heard from enough
// of the cluster to know better.
package invalidateblocks

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/datanode"
)

// nodeQueue is one node's pending-deletion queue: an insertion-ordered set
// (no duplicates, FIFO drain) plus the node's first-seen timestamp that the
// startup grace period is measured from.
type nodeQueue struct {
	firstSeen time.Time
	order     []block.ID
	present   map[block.ID]struct{}
}

// Set is C3: node id -> pending-deletion queue.
type Set struct {
	clock        clock.Clock
	startupGrace time.Duration
	byNode       map[datanode.ID]*nodeQueue
}

// New builds an empty Set. startupGrace is startup.delay.block.deletion.sec
// from the configuration surface; clk lets tests fast-forward instead of
// sleeping.
func New(clk clock.Clock, startupGrace time.Duration) *Set {
	return &Set{clock: clk, startupGrace: startupGrace, byNode: make(map[datanode.ID]*nodeQueue)}
}

// Add enqueues id for deletion on node. A no-op if id is already queued for
// that node. The node's grace-period clock starts on the Add that creates
// its queue; a queue emptied by Drain or Remove is dropped, so the next Add
// starts a new grace period.
func (s *Set) Add(node datanode.ID, id block.ID) {
	q, ok := s.byNode[node]
	if !ok {
		q = &nodeQueue{firstSeen: s.clock.Now(), present: make(map[block.ID]struct{})}
		s.byNode[node] = q
	}
	if _, dup := q.present[id]; dup {
		return
	}
	q.present[id] = struct{}{}
	q.order = append(q.order, id)
}

// Remove dequeues id from node's pending-deletion set, if present -- used
// when a delete is confirmed out of band or the block no longer exists.
func (s *Set) Remove(node datanode.ID, id block.ID) {
	q, ok := s.byNode[node]
	if !ok {
		return
	}
	if _, present := q.present[id]; !present {
		return
	}
	delete(q.present, id)
	for i, b := range q.order {
		if b == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	if len(q.order) == 0 {
		delete(s.byNode, node)
	}
}

// RemoveAll drops every pending deletion queued for node -- called when the
// node itself is removed from the cluster.
func (s *Set) RemoveAll(node datanode.ID) {
	delete(s.byNode, node)
}

// Count is the number of blocks currently queued for deletion on node.
func (s *Set) Count(node datanode.ID) int {
	q, ok := s.byNode[node]
	if !ok {
		return 0
	}
	return len(q.order)
}

// NumBlocks is the total number of pending deletions across every node.
func (s *Set) NumBlocks() int {
	total := 0
	for _, q := range s.byNode {
		total += len(q.order)
	}
	return total
}

// Drain removes and returns up to limit blocks queued for node, FIFO. It
// returns nothing until node's startup grace period has elapsed, so a
// freshly-seen node's backlog isn't deleted before the cluster has had a
// chance to report in.
func (s *Set) Drain(node datanode.ID, limit int) []block.ID {
	q, ok := s.byNode[node]
	if !ok || limit <= 0 {
		return nil
	}
	if s.clock.Since(q.firstSeen) < s.startupGrace {
		return nil
	}
	n := limit
	if n > len(q.order) {
		n = len(q.order)
	}
	drained := append([]block.ID(nil), q.order[:n]...)
	for _, id := range drained {
		delete(q.present, id)
	}
	q.order = q.order[n:]
	if len(q.order) == 0 {
		delete(s.byNode, node)
	}
	return drained
}
