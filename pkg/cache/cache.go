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

// Package cache holds the short-lived, TTL-bounded caches placement
// consults to avoid repeatedly picking a target that just failed.
package cache

import "time"

const (
	// UnavailableStorageTTL is how long a storage, node, or rack marked
	// unavailable is excluded from placement before it's given another
	// chance.
	UnavailableStorageTTL = 3 * time.Minute
	// UnavailableStorageCleanupInterval triggers lazy eviction at this
	// interval -- shorter than the TTL itself so placement reacts quickly
	// once an entry expires.
	UnavailableStorageCleanupInterval = 10 * time.Second
)
