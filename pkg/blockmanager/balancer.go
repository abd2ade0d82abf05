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

package blockmanager

import (
	"fmt"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
	"github.com/nimbusfs/blockmanager/pkg/datanode"
)

// BlockWithLocations is one entry of GetBlocks' sampled sequence: a block
// together with every storage currently holding a replica of it.
type BlockWithLocations struct {
	Block    block.Block
	Storages []blocksmap.StorageID
}

// GetBlocks implements §6's inbound balancer RPC: it walks node's storages
// via C1's per-storage intrusive lists, accumulating blocks until roughly
// size bytes have been sampled. Order follows storage enumeration order,
// not any particular priority -- the balancer only needs a representative
// sample of what the node holds, not the full set.
func (m *BlockManager) GetBlocks(node datanode.ID, size uint64) ([]BlockWithLocations, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	nodeInfo, ok := m.nodes.Node(node)
	if !ok {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, node)
	}

	var out []BlockWithLocations
	var sampled uint64
	seen := make(map[block.ID]struct{})
	for _, st := range nodeInfo.Storages {
		if sampled >= size {
			break
		}
		for _, info := range m.blocks.BlocksOnStorage(st.ID) {
			if sampled >= size {
				break
			}
			if _, dup := seen[info.ID]; dup {
				continue
			}
			seen[info.ID] = struct{}{}
			out = append(out, BlockWithLocations{Block: info.Block, Storages: info.Storages()})
			sampled += info.NumBytes
		}
	}
	return out, nil
}
