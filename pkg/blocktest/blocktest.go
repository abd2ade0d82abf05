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

// Package blocktest provides in-memory fakes for every interface
// pkg/blockmanager consumes, so its suite (and any caller's) can exercise
// real orchestration logic without a live cluster. Mirrors the shape of
// the pack's own fake cloud provider: plain structs over maps and
// slices, no mocking framework, satisfying the production interface
// directly.
package blocktest

import (
	"context"
	"sync"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
	"github.com/nimbusfs/blockmanager/pkg/collection"
	"github.com/nimbusfs/blockmanager/pkg/datanode"
	"github.com/nimbusfs/blockmanager/pkg/token"
)

// Mutex is an RWLocker backed by a real sync.RWMutex -- production wiring
// for tests that don't need to assert on lock usage.
type Mutex struct {
	sync.RWMutex
}

// Collection is a fake collection.BlockCollection: a fixed replication
// factor and preferred block size, with a mutable last-block pointer.
type Collection struct {
	IDValue          collection.ID
	ReplicationValue int16
	BlockSizeValue   int64

	mu     sync.Mutex
	lastID block.ID
	hasID  bool
}

func NewCollection(id collection.ID, replication int16, blockSize int64) *Collection {
	return &Collection{IDValue: id, ReplicationValue: replication, BlockSizeValue: blockSize}
}

func (c *Collection) ID() collection.ID              { return c.IDValue }
func (c *Collection) Replication() int16             { return c.ReplicationValue }
func (c *Collection) PreferredBlockSize() int64      { return c.BlockSizeValue }
func (c *Collection) LastBlockID() (block.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID, c.hasID
}
func (c *Collection) SetLastBlockID(id block.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastID, c.hasID = id, true
}

// DatanodeManager is a fake datanode.DatanodeManager: an in-memory
// cluster map, directly mutable by tests via AddNode/SetAdminState/SetStale.
type DatanodeManager struct {
	mu       sync.Mutex
	nodes    map[datanode.ID]datanode.DatanodeDescriptor
	storages map[blocksmap.StorageID]datanode.DatanodeStorageInfo
}

func NewDatanodeManager() *DatanodeManager {
	return &DatanodeManager{
		nodes:    make(map[datanode.ID]datanode.DatanodeDescriptor),
		storages: make(map[blocksmap.StorageID]datanode.DatanodeStorageInfo),
	}
}

// AddNode registers a node with the given storages (created Normal,
// non-stale, on the node's rack) and returns the descriptor.
func (f *DatanodeManager) AddNode(id datanode.ID, rack string, storageIDs ...blocksmap.StorageID) datanode.DatanodeDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()

	var storages []datanode.DatanodeStorageInfo
	for _, sid := range storageIDs {
		st := datanode.DatanodeStorageInfo{ID: sid, NodeID: id, State: datanode.Normal, Rack: rack}
		storages = append(storages, st)
		f.storages[sid] = st
	}
	node := datanode.DatanodeDescriptor{ID: id, Rack: rack, AdminState: datanode.InService, Storages: storages}
	f.nodes[id] = node
	return node
}

// SetAdminState updates a node's administrative state in place.
func (f *DatanodeManager) SetAdminState(id datanode.ID, state datanode.AdminState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nodes[id]
	n.AdminState = state
	f.nodes[id] = n
}

// SetStale flips a storage's stale bit, simulating a node that hasn't
// sent its post-restart first block report yet.
func (f *DatanodeManager) SetStale(id blocksmap.StorageID, stale bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.storages[id]
	st.Stale = stale
	f.storages[id] = st
	f.syncNodeStorageLocked(st)
}

func (f *DatanodeManager) syncNodeStorageLocked(updated datanode.DatanodeStorageInfo) {
	node, ok := f.nodes[updated.NodeID]
	if !ok {
		return
	}
	for i := range node.Storages {
		if node.Storages[i].ID == updated.ID {
			node.Storages[i] = updated
		}
	}
	f.nodes[updated.NodeID] = node
}

func (f *DatanodeManager) Node(id datanode.ID) (datanode.DatanodeDescriptor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	return n, ok
}

func (f *DatanodeManager) Storage(id blocksmap.StorageID) (datanode.DatanodeStorageInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.storages[id]
	return st, ok
}

func (f *DatanodeManager) LiveNodes() []datanode.DatanodeDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []datanode.DatanodeDescriptor
	for _, n := range f.nodes {
		if n.IsAlive() {
			out = append(out, n)
		}
	}
	return out
}

// CommandQueue is a fake datanode.CommandQueue: per-node FIFO slices.
type CommandQueue struct {
	mu   sync.Mutex
	byNode map[datanode.ID][]datanode.Command
}

func NewCommandQueue() *CommandQueue {
	return &CommandQueue{byNode: make(map[datanode.ID][]datanode.Command)}
}

func (q *CommandQueue) Enqueue(_ context.Context, node datanode.ID, cmd datanode.Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byNode[node] = append(q.byNode[node], cmd)
}

func (q *CommandQueue) Drain(node datanode.ID, max int) []datanode.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmds := q.byNode[node]
	if max > len(cmds) {
		max = len(cmds)
	}
	out := append([]datanode.Command(nil), cmds[:max]...)
	q.byNode[node] = cmds[max:]
	return out
}

func (q *CommandQueue) Len(node datanode.ID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byNode[node])
}

// All returns every command still queued for node (not yet drained),
// without draining -- useful for assertions.
func (q *CommandQueue) All(node datanode.ID) []datanode.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]datanode.Command(nil), q.byNode[node]...)
}

// TokenIssuer is a fake token.BlockTokenIssuer that mints a deterministic,
// non-cryptographic blob.
type TokenIssuer struct{}

func NewTokenIssuer() *TokenIssuer { return &TokenIssuer{} }

func (TokenIssuer) IssueToken(id block.ID, storages []blocksmap.StorageID) (token.Token, error) {
	return token.Token{Block: id, Storages: storages, Blob: []byte("fake-token")}, nil
}

func (TokenIssuer) CurrentKeyBlob() []byte { return []byte("fake-key") }
