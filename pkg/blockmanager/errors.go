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

import "errors"

// Sentinel error kinds (§7). Wrap with fmt.Errorf("...: %w", ErrX) and
// compare with errors.Is.
var (
	// ErrPrecondition covers an invalid replication range or a reference
	// to a node/storage/collection that does not exist. Returned
	// synchronously to the caller.
	ErrPrecondition = errors.New("blockmanager: precondition failed")

	// ErrNotFound covers an unknown block, storage, or collection id in a
	// context where the caller can simply be told "not found" -- a report
	// entry referencing it is silently ignored instead (a stale datanode).
	ErrNotFound = errors.New("blockmanager: not found")

	// ErrInvariantViolation marks an assertion failure: internal state
	// that should be impossible if every prior mutation was correct. The
	// ReplicationMonitor's panic-recovery logs and swallows every other
	// panic but re-panics on this one, so the process dies rather than keep
	// converging from state it can no longer trust.
	ErrInvariantViolation = errors.New("blockmanager: invariant violation")
)

// staleState marks an operation that targeted a standby-postponed block:
// recorded in the pending-messages queue and returned as success, to be
// reprocessed once the edit log catches up. It is deliberately not
// exported as an error value returned to callers -- per §7 this path
// "returned as success" -- it exists so internal code can distinguish the
// condition before swallowing it.
type staleState struct{ reason string }

func (e staleState) Error() string { return "blockmanager: stale state: " + e.reason }
