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

// Package token defines the access-token/transport-key contract the
// orchestrator consumes when annotating reader locations -- opaque
// credential material, issued and rotated entirely outside this module.
package token

import (
	"time"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
)

// Token is an opaque, already-serialized credential for one block and the
// set of storages it authorizes access to.
type Token struct {
	Block    block.ID
	Storages []blocksmap.StorageID
	Blob     []byte
	Expiry   time.Time
}

// BlockTokenIssuer mints and rotates access tokens. block-access-token.enable
// gates whether the orchestrator calls it at all (§6).
type BlockTokenIssuer interface {
	// IssueToken mints a token authorizing read access to id on storages.
	IssueToken(id block.ID, storages []blocksmap.StorageID) (Token, error)

	// CurrentKeyBlob returns the active access-key blob to push to
	// datanodes on block-access-key.update.interval.
	CurrentKeyBlob() []byte
}
