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

// Package collection defines the owning abstraction BlocksMap links every
// BlockInfo back to -- the block manager's view of a file handle. It never
// looks inside a file; it only needs enough to validate a block against it
// and to learn where its last block lives.
package collection

import "github.com/nimbusfs/blockmanager/pkg/block"

// ID identifies a BlockCollection (an inode id, in the source this spec is
// drawn from).
type ID int64

// BlockCollection is the namespace-side handle BlockInfo.Collection points
// at. The block manager treats it as opaque beyond these accessors.
type BlockCollection interface {
	ID() ID

	// Replication is the target replica count for every block in this
	// collection.
	Replication() int16

	// PreferredBlockSize bounds how large the last block may grow before a
	// client must allocate a new one.
	PreferredBlockSize() int64

	// LastBlockID reports the collection's current last block, if any.
	LastBlockID() (id block.ID, ok bool)

	// SetLastBlockID is called by the orchestrator after allocating the
	// collection's new last block.
	SetLastBlockID(id block.ID)
}
