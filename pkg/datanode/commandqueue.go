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

package datanode

import (
	"context"
	"sync"

	"k8s.io/client-go/util/workqueue"
)

// nodeQueue is one node's outbound queue: a rate-limited workqueue
// carrying opaque sequence numbers, backed by a side map from sequence
// number to the actual Command. Command itself can't be a workqueue item
// -- it carries slices, so it isn't comparable -- which is the same
// reason real reconcilers queue a comparable key and fetch the object
// from a cache rather than queuing the object itself.
type nodeQueue struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]Command
	queue   workqueue.TypedRateLimitingInterface[uint64]
}

func newNodeQueue() *nodeQueue {
	return &nodeQueue{
		pending: make(map[uint64]Command),
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.DefaultTypedControllerRateLimiter[uint64](),
			workqueue.TypedRateLimitingQueueConfig[uint64]{Name: "datanode_commands"},
		),
	}
}

func (q *nodeQueue) add(cmd Command) {
	q.mu.Lock()
	id := q.next
	q.next++
	q.pending[id] = cmd
	q.mu.Unlock()
	q.queue.Add(id)
}

// drain pulls up to max items already sitting in the queue. It never
// blocks waiting for new work -- Get only runs for items Len() already
// counted -- since the heartbeat responder pulls a bounded batch per RPC
// rather than running its own worker loop.
func (q *nodeQueue) drain(max int) []Command {
	n := q.queue.Len()
	if max < n {
		n = max
	}
	out := make([]Command, 0, n)
	for i := 0; i < n; i++ {
		id, shutdown := q.queue.Get()
		if shutdown {
			break
		}
		q.mu.Lock()
		cmd, ok := q.pending[id]
		delete(q.pending, id)
		q.mu.Unlock()
		q.queue.Done(id)
		if ok {
			out = append(out, cmd)
		}
	}
	return out
}

func (q *nodeQueue) len() int {
	return q.queue.Len()
}

// QueueCommandQueue is the production CommandQueue (§6 "Outbound to
// datanode command dispatcher"): one rate-limited workqueue per node,
// lazily created on first use.
type QueueCommandQueue struct {
	mu     sync.Mutex
	queues map[ID]*nodeQueue
}

// NewQueueCommandQueue returns an empty QueueCommandQueue.
func NewQueueCommandQueue() *QueueCommandQueue {
	return &QueueCommandQueue{queues: make(map[ID]*nodeQueue)}
}

func (c *QueueCommandQueue) queueFor(node ID) *nodeQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[node]
	if !ok {
		q = newNodeQueue()
		c.queues[node] = q
	}
	return q
}

// Enqueue adds cmd to node's queue, creating it if this is the node's
// first command.
func (c *QueueCommandQueue) Enqueue(_ context.Context, node ID, cmd Command) {
	c.queueFor(node).add(cmd)
}

// Drain returns up to max queued commands for node, or nil if node has no
// queue yet.
func (c *QueueCommandQueue) Drain(node ID, max int) []Command {
	c.mu.Lock()
	q, ok := c.queues[node]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return q.drain(max)
}

// Len reports how many commands are queued for node.
func (c *QueueCommandQueue) Len(node ID) int {
	c.mu.Lock()
	q, ok := c.queues[node]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

var _ CommandQueue = (*QueueCommandQueue)(nil)
