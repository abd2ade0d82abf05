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

package cache

import (
	"context"
	"sync/atomic"

	"github.com/patrickmn/go-cache"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
	"github.com/nimbusfs/blockmanager/pkg/datanode"
)

// UnavailableStorages tracks storages, nodes, and whole racks that just
// failed a placement attempt -- a replicate command the target refused,
// or a rack that momentarily has no room. Placement treats anything
// still in one of these caches as ineligible, the same way it treats a
// decommissioned node, without waiting for the next full heartbeat cycle
// to learn the target is viable again.
type UnavailableStorages struct {
	// key: blocksmap.StorageID
	storageCache *cache.Cache
	// key: datanode.ID
	nodeCache *cache.Cache
	// key: rack name
	rackCache *cache.Cache

	storageSeqNum atomic.Uint64
	nodeSeqNum    atomic.Uint64
	rackSeqNum    atomic.Uint64
}

// NewUnavailableStorages returns an empty UnavailableStorages.
func NewUnavailableStorages() *UnavailableStorages {
	u := &UnavailableStorages{
		storageCache: cache.New(UnavailableStorageTTL, UnavailableStorageCleanupInterval),
		nodeCache:    cache.New(UnavailableStorageTTL, UnavailableStorageCleanupInterval),
		rackCache:    cache.New(UnavailableStorageTTL, UnavailableStorageCleanupInterval),
	}
	u.storageCache.OnEvicted(func(string, interface{}) { u.storageSeqNum.Add(1) })
	u.nodeCache.OnEvicted(func(string, interface{}) { u.nodeSeqNum.Add(1) })
	u.rackCache.OnEvicted(func(string, interface{}) { u.rackSeqNum.Add(1) })
	return u
}

// SeqNum changes whenever any entry expires, letting a caller detect that
// the eligible pool may have grown without polling every key.
func (u *UnavailableStorages) SeqNum() uint64 {
	return u.storageSeqNum.Load() + u.nodeSeqNum.Load() + u.rackSeqNum.Load()
}

// IsUnavailable reports whether storage, its node, or its rack is
// currently excluded from placement.
func (u *UnavailableStorages) IsUnavailable(storage blocksmap.StorageID, node datanode.ID, rack string) bool {
	_, storageFound := u.storageCache.Get(string(storage))
	_, nodeFound := u.nodeCache.Get(string(node))
	_, rackFound := u.rackCache.Get(rack)
	return storageFound || nodeFound || rackFound
}

// MarkStorageUnavailable excludes storage from placement for
// UnavailableStorageTTL, logging why.
func (u *UnavailableStorages) MarkStorageUnavailable(ctx context.Context, storage blocksmap.StorageID, reason string) {
	log.FromContext(ctx).WithValues("storage", storage, "reason", reason, "ttl", UnavailableStorageTTL).
		V(1).Info("excluding storage from placement")
	u.storageCache.SetDefault(string(storage), struct{}{})
}

// MarkNodeUnavailable excludes every storage on node from placement.
func (u *UnavailableStorages) MarkNodeUnavailable(node datanode.ID) {
	u.nodeCache.SetDefault(string(node), struct{}{})
}

// MarkRackUnavailable excludes every storage on rack from placement.
func (u *UnavailableStorages) MarkRackUnavailable(rack string) {
	u.rackCache.SetDefault(rack, struct{}{})
}

// Clear removes storage's exclusion before its TTL expires -- used once
// a retried placement against it succeeds.
func (u *UnavailableStorages) Clear(storage blocksmap.StorageID) {
	u.storageCache.Delete(string(storage))
}

// Flush drops every exclusion, storage, node, and rack alike.
func (u *UnavailableStorages) Flush() {
	u.storageCache.Flush()
	u.nodeCache.Flush()
	u.rackCache.Flush()
}
