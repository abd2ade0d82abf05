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

// Command blockmanagerd runs the block manager's ReplicationMonitor loop
// against an in-memory, synthetically driven cluster. There is no wire
// protocol in this module's scope for a real datanode to connect over, so
// this binary seeds a small fake cluster via pkg/blocktest, replays
// synthetic block reports against it, and serves Prometheus metrics --
// useful for soaking the orchestrator's logic and watching its counters
// move under sustained load.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/nimbusfs/blockmanager/pkg/block"
	"github.com/nimbusfs/blockmanager/pkg/blockmanager"
	"github.com/nimbusfs/blockmanager/pkg/blocksmap"
	"github.com/nimbusfs/blockmanager/pkg/blocktest"
	"github.com/nimbusfs/blockmanager/pkg/cache"
	"github.com/nimbusfs/blockmanager/pkg/collection"
	"github.com/nimbusfs/blockmanager/pkg/config"
	"github.com/nimbusfs/blockmanager/pkg/datanode"
	"github.com/nimbusfs/blockmanager/pkg/logging"
	"github.com/nimbusfs/blockmanager/pkg/metrics"
	"github.com/nimbusfs/blockmanager/pkg/placement"
	"github.com/nimbusfs/blockmanager/pkg/ratelimit"
)

var opts struct {
	MetricsPort  int
	NumNodes     int
	NumRacks     int
	NumFiles     int
	ReportPeriod time.Duration
}

func main() {
	flag.IntVar(&opts.MetricsPort, "metrics-port", 8080, "The port the Prometheus metrics endpoint binds to")
	flag.IntVar(&opts.NumNodes, "nodes", 12, "Number of fake datanodes to seed")
	flag.IntVar(&opts.NumRacks, "racks", 3, "Number of racks to spread the fake datanodes across")
	flag.IntVar(&opts.NumFiles, "files", 200, "Number of fake block collections to seed")
	flag.DurationVar(&opts.ReportPeriod, "report-period", 2*time.Second, "How often the synthetic cluster replays a block report")
	flag.Parse()

	log, err := logging.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("building logger: %v", err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.IntoContext(ctx, log)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error(err, "loading configuration")
		return
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: fmt.Sprintf(":%d", opts.MetricsPort), Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "metrics server exited")
		}
	}()

	nodes := blocktest.NewDatanodeManager()
	for i := 0; i < opts.NumNodes; i++ {
		id := datanodeID(i)
		rack := rackName(i % opts.NumRacks)
		nodes.AddNode(id, rack, storageID(id, "sda"), storageID(id, "sdb"))
	}

	unavailable := cache.NewUnavailableStorages()
	pp := &placement.RackAware{Nodes: nodes, Unavailable: unavailable}
	limiter := ratelimit.NewDefaultRateLimiterProvider(
		float32(cfg.ReplicationWorkMultiplier*opts.NumNodes), cfg.ReplicationWorkMultiplier*opts.NumNodes*2,
		float32(opts.NumNodes), opts.NumNodes*2,
	)

	cmds := datanode.NewQueueCommandQueue()
	m := blockmanager.New(cfg, &blocktest.Mutex{}, clock.RealClock{}, nodes, cmds, pp, nil, log, opts.NumFiles*4)
	m.SetWorkRateLimiter(limiter)
	m.SetActive(true)

	seedCollections(m, cfg, opts.NumFiles)

	go driveSyntheticReports(ctx, m, nodes, cmds, opts.ReportPeriod)

	log.Info("blockmanagerd starting", "nodes", opts.NumNodes, "racks", opts.NumRacks, "files", opts.NumFiles)
	m.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "shutting down metrics server")
	}
	log.Info("blockmanagerd stopped")
}

func datanodeID(i int) datanode.ID { return datanode.ID(fmt.Sprintf("dn%d", i)) }
func rackName(i int) string        { return fmt.Sprintf("rack%d", i) }

func storageID(node datanode.ID, disk string) blocksmap.StorageID {
	return blocksmap.StorageID(fmt.Sprintf("%s/%s", node, disk))
}

// seedCollections registers numFiles fake collections, each holding one
// freshly allocated UnderConstruction block with no storages yet. The
// blocks are not queued in C5: AddBlockCollection does not bucket them,
// the ReplicationMonitor skips a file's still-open last block, and the
// mis-replication scan skips blocks that are not Complete.
func seedCollections(m *blockmanager.BlockManager, cfg *config.Settings, numFiles int) {
	for i := 0; i < numFiles; i++ {
		coll := blocktest.NewCollection(collection.ID(i), cfg.ReplicationDefault, 128<<20)
		b := block.Block{ID: block.ID(i + 1), GenerationStamp: 1, NumBytes: 0}
		if _, err := m.AddBlockCollection(coll, b); err != nil {
			continue
		}
	}
}

// driveSyntheticReports simulates the heartbeat layer this module doesn't
// implement: each tick, it acknowledges every Replicate command the
// ReplicationMonitor enqueued since the last tick (as an immediate
// OpReceived, standing in for a datanode that copies a block instantly),
// then replays, for each storage of every node, a full block report
// listing the replicas C1 already records there, so the full-report diff
// path runs every tick without dropping acknowledged replicas. One random
// node's reports are skipped per tick.
func driveSyntheticReports(ctx context.Context, m *blockmanager.BlockManager, nodes *blocktest.DatanodeManager, cmds *datanode.QueueCommandQueue, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		live := nodes.LiveNodes()
		if len(live) == 0 {
			continue
		}

		for _, node := range live {
			for _, cmd := range cmds.Drain(node.ID, cmds.Len(node.ID)) {
				if cmd.Kind != datanode.Replicate {
					continue
				}
				for _, target := range cmd.Targets {
					targetStorage, ok := nodes.Storage(target)
					if !ok {
						continue
					}
					event := block.IncrementalEvent{Op: block.OpReceived, Block: cmd.Block}
					_ = m.ProcessIncrementalBlockReport(targetStorage.NodeID, target, []block.IncrementalEvent{event})
				}
			}
		}

		skip := live[rng.Intn(len(live))].ID
		for _, node := range live {
			if node.ID == skip {
				continue
			}
			held, err := m.GetBlocks(node.ID, ^uint64(0))
			if err != nil {
				continue
			}
			for _, st := range node.Storages {
				var report []block.ReportedBlock
				for _, bl := range held {
					for _, loc := range bl.Storages {
						if loc == st.ID {
							report = append(report, block.ReportedBlock{Block: bl.Block, State: block.Finalized})
						}
					}
				}
				if _, err := m.ProcessReport(node.ID, st.ID, report); err != nil {
					continue
				}
			}
		}
	}
}
