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

// Package pendingreplications is C6: in-flight replication work with a
// deadline. A timer thread scans for entries past deadline and moves them
// to a timed-out list the orchestrator drains and re-adds to C5.
package pendingreplications

import (
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
)

// Entry is one block's in-flight replication attempt.
type Entry struct {
	Block                      block.ID
	ExpectedAdditionalReplicas int
	Targets                    []blocksmap.StorageID
	Deadline                   time.Time
}

// Set is C6: block id -> in-flight replication attempt, backed by a
// go-cache instance whose per-entry TTL *is* the deadline sweep -- the
// cache's own janitor goroutine scans every cleanupInterval and its
// OnEvicted hook is what moves an expired entry onto the timed-out list,
// rather than this package running its own ticker.
type Set struct {
	pendingTimeout time.Duration
	cache          *gocache.Cache

	mu       sync.Mutex
	timedOut []Entry
}

// New returns an empty Set whose entries expire pendingTimeout after they
// are added -- replication.pending.timeout in the configuration surface.
func New(pendingTimeout time.Duration) *Set {
	s := &Set{
		pendingTimeout: pendingTimeout,
		cache:          gocache.New(pendingTimeout, pendingTimeout/2),
	}
	s.cache.OnEvicted(func(key string, value interface{}) {
		entry, ok := value.(Entry)
		if !ok {
			return
		}
		if time.Now().Before(entry.Deadline) {
			return // deleted by Remove before its deadline, not timed out
		}
		s.mu.Lock()
		s.timedOut = append(s.timedOut, entry)
		s.mu.Unlock()
	})
	return s
}

func key(id block.ID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Add records a new in-flight replication attempt for id, replacing any
// existing one and resetting its deadline to now+pendingTimeout.
func (s *Set) Add(id block.ID, expectedAdditionalReplicas int, targets []blocksmap.StorageID) {
	entry := Entry{
		Block:                      id,
		ExpectedAdditionalReplicas: expectedAdditionalReplicas,
		Targets:                    targets,
		Deadline:                   time.Now().Add(s.pendingTimeout),
	}
	s.cache.SetDefault(key(id), entry)
}

// Remove drops id's in-flight attempt -- replication was confirmed before
// the deadline.
func (s *Set) Remove(id block.ID) {
	s.cache.Delete(key(id))
}

// Get returns id's in-flight attempt, if any.
func (s *Set) Get(id block.ID) (Entry, bool) {
	v, ok := s.cache.Get(key(id))
	if !ok {
		return Entry{}, false
	}
	entry, ok := v.(Entry)
	return entry, ok
}

// Count is the number of in-flight replication attempts currently tracked.
func (s *Set) Count() int {
	return s.cache.ItemCount()
}

// DrainTimedOut removes and returns every entry that has crossed its
// deadline since the last call. The orchestrator re-adds each to C5.
func (s *Set) DrainTimedOut() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timedOut) == 0 {
		return nil
	}
	out := s.timedOut
	s.timedOut = nil
	return out
}
