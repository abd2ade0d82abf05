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

// Package datanode defines the membership and command-dispatch contracts
// the block manager consumes from (but does not implement) the datanode
// membership/heartbeat subsystem: DatanodeManager, DatanodeDescriptor,
// DatanodeStorageInfo, and the outbound CommandQueue.
package datanode

import (
	"context"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
)

// ID names one datanode in the cluster.
type ID string

// StorageState is the admission state of a storage a node reports.
type StorageState int

const (
	// Normal storages participate fully in placement and counting.
	Normal StorageState = iota
	// ReadOnlyShared storages hold replicas that count toward liveness but
	// are never chosen as replication targets or sources.
	ReadOnlyShared
	// Failed storages no longer report and are never chosen as replication
	// targets or sources. Replicas already recorded on them keep counting
	// as live until their edges are removed.
	Failed
)

// AdminState is the administrative lifecycle of a node.
type AdminState int

const (
	// InService nodes are eligible as replication sources and targets.
	InService AdminState = iota
	// DecommissionInProgress nodes are being drained: their replicas still
	// count as a (lesser-priority) source but never as a target.
	DecommissionInProgress
	// Decommissioned nodes are fully drained and excluded from placement.
	Decommissioned
)

// DatanodeStorageInfo is one storage directory on one node.
type DatanodeStorageInfo struct {
	ID     blocksmap.StorageID
	NodeID ID
	State  StorageState
	Rack   string
	Stale  bool // true until this storage's first post-restart report
}

// DatanodeDescriptor is the block manager's view of one cluster member: its
// storages and its admission/administrative state.
type DatanodeDescriptor struct {
	ID         ID
	Rack       string
	AdminState AdminState
	Storages   []DatanodeStorageInfo
}

// IsAlive reports whether the node may currently serve as a replication
// source or target -- decommissioned nodes may not.
func (d DatanodeDescriptor) IsAlive() bool {
	return d.AdminState != Decommissioned
}

// DatanodeManager is the membership subsystem's contract: node and storage
// lookup, used by the block manager to validate (block, storage) edges and
// to drive placement and invalidation dispatch. Implemented outside this
// module's scope; consumed here as an interface.
type DatanodeManager interface {
	// Node returns the descriptor for id, if the node is currently a
	// cluster member.
	Node(id ID) (DatanodeDescriptor, bool)

	// Storage returns the descriptor for a specific storage, if known.
	Storage(id blocksmap.StorageID) (DatanodeStorageInfo, bool)

	// LiveNodes lists every node not fully decommissioned, for scans that
	// need to walk the whole cluster (mis-replication scan, balancer
	// sampling).
	LiveNodes() []DatanodeDescriptor
}

// CommandKind distinguishes the three outbound command shapes this module
// dispatches; the datanode RPC layer maps each to its wire command.
type CommandKind int

const (
	// Replicate instructs the source node to copy Block to Targets.
	Replicate CommandKind = iota
	// Invalidate instructs the holder node to delete Blocks.
	Invalidate
	// UpdateAccessKey pushes a fresh block-access-token key blob.
	UpdateAccessKey
)

// Command is one unit of outbound work for a node's heartbeat responder.
// Only the fields relevant to Kind are populated.
type Command struct {
	Kind CommandKind

	// Replicate: the block to copy and the storages to copy it to.
	Block   block.Block
	Targets []blocksmap.StorageID

	// Invalidate: the blocks to delete from the holder node.
	Blocks []block.ID

	// UpdateAccessKey: the opaque key blob to install.
	KeyBlob []byte
}

// CommandQueue is the per-node outbound queue consumed by the heartbeat
// responder. Enqueue never blocks the caller on delivery; the responder
// drains it on its own schedule.
type CommandQueue interface {
	Enqueue(ctx context.Context, node ID, cmd Command)
	// Drain removes and returns up to max queued commands for node.
	Drain(node ID, max int) []Command
	// Len reports how many commands are currently queued for node.
	Len(node ID) int
}
