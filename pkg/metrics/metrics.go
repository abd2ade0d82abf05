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

// Package metrics exports the block manager's counters as Prometheus
// collectors: safe block count, excess/postponed replica counts,
// replication work throughput, and mis-replication scan progress.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "blockmanager"

var (
	// SafeBlockCount is the number of Complete blocks with enough live
	// replicas to leave safe mode (§3 invariant 6).
	SafeBlockCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "blocks", Name: "safe_count",
		Help: "Complete blocks with at least minReplication live replicas.",
	})

	// ExcessReplicas is the gauge for excessreplicas.Set.Total (§5's
	// excessBlocksCount). Registered, but no code in this module sets it.
	ExcessReplicas = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "replicas", Name: "excess_total",
		Help: "Replicas currently marked excess across the cluster.",
	})

	// PostponedMisreplicated is the gauge for §5's
	// postponedMisreplicatedBlocksCount. Registered, but no code in this
	// module sets it.
	PostponedMisreplicated = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "blocks", Name: "postponed_misreplicated",
		Help: "Blocks postponed from mis-replication classification pending a fresh report.",
	})

	// ReplicationWorkScheduled counts blocks for which a replicate command
	// was enqueued by the ReplicationMonitor (§4.7.2/§4.7.7).
	ReplicationWorkScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "replication", Name: "work_scheduled_total",
		Help: "Blocks for which a replicate command was enqueued.",
	})

	// InvalidationWorkScheduled counts delete commands enqueued (§4.7.8).
	InvalidationWorkScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "invalidation", Name: "work_scheduled_total",
		Help: "Delete commands enqueued on datanodes.",
	})

	// PendingTimeouts is the counter for C6 entries that crossed their
	// deadline. Registered, but no code in this module increments it.
	PendingTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "replication", Name: "pending_timeouts_total",
		Help: "In-flight replication attempts that crossed their deadline before confirming.",
	})

	// MisreplicationScanProgress publishes the fraction of C1 the
	// mis-replication scan has processed in its current pass (§4.7.10).
	MisreplicationScanProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "scan", Name: "misreplication_progress_ratio",
		Help: "Fraction of BlocksMap processed by the current mis-replication scan pass.",
	})
)

// MustRegister registers every collector above against reg. Called once
// from cmd/blockmanagerd's wiring.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		SafeBlockCount,
		ExcessReplicas,
		PostponedMisreplicated,
		ReplicationWorkScheduled,
		InvalidationWorkScheduled,
		PendingTimeouts,
		MisreplicationScanProgress,
	)
}
