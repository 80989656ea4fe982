// Package observability bundles the store's metrics, logging and tracing
// plumbing.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Singleton guard: tests construct the engine repeatedly and duplicate
	// registration panics.
	globalCollector *Collector
	collectorMutex  sync.Mutex
)

// Collector holds all Prometheus metrics for the memory store.
type Collector struct {
	registry *prometheus.Registry

	// Store metrics
	NodesLive     prometheus.Gauge
	NodesCreated  prometheus.Counter
	NodesDeduped  prometheus.Counter
	NodesDeleted  prometheus.Counter
	EdgesCreated  prometheus.Counter
	EdgesDeleted  prometheus.Counter
	IndexRebuilds prometheus.Counter

	// Query metrics
	SearchDuration prometheus.Histogram

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Consolidation metrics
	NodesMerged           prometheus.Counter
	NodesPruned           prometheus.Counter
	ConsolidationDuration prometheus.Histogram
}

// NewCollector creates the metrics collector for the given namespace.
func NewCollector(namespace string) *Collector {
	collectorMutex.Lock()
	defer collectorMutex.Unlock()

	if globalCollector != nil {
		return globalCollector
	}

	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		NodesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_live",
			Help:      "Current number of live nodes in the store",
		}),
		NodesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_created_total",
			Help:      "Total number of nodes created",
		}),
		NodesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_deduped_total",
			Help:      "Total number of inserts that deduplicated onto an existing node",
		}),
		NodesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_deleted_total",
			Help:      "Total number of nodes deleted",
		}),
		EdgesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edges_created_total",
			Help:      "Total number of edges created",
		}),
		EdgesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edges_deleted_total",
			Help:      "Total number of edges deleted",
		}),
		IndexRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vector_index_rebuilds_total",
			Help:      "Total number of vector index rebuilds",
		}),
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Similarity search duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of query cache hits",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of query cache misses",
		}),
		NodesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_merged_total",
			Help:      "Total number of nodes merged by consolidation",
		}),
		NodesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_pruned_total",
			Help:      "Total number of nodes pruned by consolidation",
		}),
		ConsolidationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consolidation_duration_seconds",
			Help:      "Consolidation pass duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		}),
	}

	registry.MustRegister(
		c.NodesLive, c.NodesCreated, c.NodesDeduped, c.NodesDeleted,
		c.EdgesCreated, c.EdgesDeleted, c.IndexRebuilds,
		c.SearchDuration,
		c.CacheHits, c.CacheMisses,
		c.NodesMerged, c.NodesPruned, c.ConsolidationDuration,
	)

	globalCollector = c
	return c
}

// Registry returns the collector's registry for the promhttp handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveSearch records one search duration.
func (c *Collector) ObserveSearch(d time.Duration) {
	c.SearchDuration.Observe(d.Seconds())
}

// ObserveConsolidation records one consolidation pass duration.
func (c *Collector) ObserveConsolidation(d time.Duration) {
	c.ConsolidationDuration.Observe(d.Seconds())
}
