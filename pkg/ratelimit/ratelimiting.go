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

// Package ratelimit bounds how much outbound command traffic the
// ReplicationMonitor (§4.7.2) may enqueue in a single iteration, so a
// burst of newly under-replicated or invalidated blocks can't flood the
// cluster's datanodes with commands all at once.
package ratelimit

import (
	"math"

	"k8s.io/client-go/util/flowcontrol"
)

// WorkRateLimiterProvider hands back the token-bucket budget for each
// category of outbound work the monitor schedules.
type WorkRateLimiterProvider interface {
	// Replicate bounds how many Replicate commands may be enqueued per
	// ReplicationMonitor iteration.
	Replicate() flowcontrol.PassiveRateLimiter
	// Invalidate bounds how many Invalidate commands may be enqueued per
	// iteration.
	Invalidate() flowcontrol.PassiveRateLimiter
}

// nopRateLimiter never throttles.
type nopRateLimiter struct{}

func (*nopRateLimiter) TryAccept() bool { return true }
func (*nopRateLimiter) Stop()           {}
func (*nopRateLimiter) QPS() float32    { return math.MaxFloat32 }

// NopRateLimiterProvider imposes no limit, the default when throttling
// isn't configured.
type NopRateLimiterProvider struct {
	limiter flowcontrol.PassiveRateLimiter
}

// NewNopRateLimiterProvider returns a provider whose TryAccept always
// succeeds.
func NewNopRateLimiterProvider() *NopRateLimiterProvider {
	return &NopRateLimiterProvider{limiter: &nopRateLimiter{}}
}

func (p *NopRateLimiterProvider) Replicate() flowcontrol.PassiveRateLimiter  { return p.limiter }
func (p *NopRateLimiterProvider) Invalidate() flowcontrol.PassiveRateLimiter { return p.limiter }

// DefaultRateLimiterProvider is a token-bucket budget per category:
// replicate commands (bandwidth-heavy, a full block copy) get their own
// bucket separate from invalidate commands (cheap deletes).
type DefaultRateLimiterProvider struct {
	replicate  flowcontrol.PassiveRateLimiter
	invalidate flowcontrol.PassiveRateLimiter
}

// NewDefaultRateLimiterProvider builds a provider from caller-supplied
// qps/burst pairs, typically derived from the configured replication work
// multiplier so the bucket roughly tracks one iteration's planned work.
func NewDefaultRateLimiterProvider(replicateQPS float32, replicateBurst int, invalidateQPS float32, invalidateBurst int) *DefaultRateLimiterProvider {
	return &DefaultRateLimiterProvider{
		replicate:  flowcontrol.NewTokenBucketPassiveRateLimiter(replicateQPS, replicateBurst),
		invalidate: flowcontrol.NewTokenBucketPassiveRateLimiter(invalidateQPS, invalidateBurst),
	}
}

func (p *DefaultRateLimiterProvider) Replicate() flowcontrol.PassiveRateLimiter  { return p.replicate }
func (p *DefaultRateLimiterProvider) Invalidate() flowcontrol.PassiveRateLimiter { return p.invalidate }
