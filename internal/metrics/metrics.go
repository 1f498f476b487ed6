// Package metrics centralizes the engine's Prometheus collectors. Every
// Metrics value owns a private registry so parallel tests and embedded
// engines never fight over collector registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the components record into.
type Metrics struct {
	registry *prometheus.Registry

	CapsulesCreated prometheus.Counter
	CapsulesUpdated prometheus.Counter
	CapsulesDeleted prometheus.Counter

	BusPublished *prometheus.CounterVec // label: type
	BusDropped   *prometheus.CounterVec // label: type

	CascadesStarted   prometheus.Counter
	CascadesCompleted prometheus.Counter
	CascadeDropped    *prometheus.CounterVec // label: reason (hop_budget, cycle, malformed)
	OverlayErrors     *prometheus.CounterVec // label: overlay

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheRejected  prometheus.Counter

	EdgesDetected *prometheus.CounterVec // label: relationship_type

	PartitionsSynthesized prometheus.Counter
	PartitionMoves        prometheus.Counter
	CrossPartitionQueries *prometheus.CounterVec // label: mode
	CrossPartitionLatency prometheus.Histogram

	FederationHandshakes *prometheus.CounterVec // label: outcome
	FederationPushes     *prometheus.CounterVec // label: outcome
	FederationSigFailed  prometheus.Counter

	LineageMigrations *prometheus.CounterVec // labels: from, to

	HTTPRequests *prometheus.CounterVec // labels: method, path, status
}

// New builds the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.CapsulesCreated = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "forge", Name: "capsules_created_total",
		Help: "Capsules persisted through the engine.",
	})
	m.CapsulesUpdated = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "forge", Name: "capsules_updated_total",
		Help: "Capsule updates persisted through the engine.",
	})
	m.CapsulesDeleted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "forge", Name: "capsules_deleted_total",
		Help: "Capsules deleted through the engine.",
	})

	m.BusPublished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge", Name: "bus_events_published_total",
		Help: "Events published on the in-process bus.",
	}, []string{"type"})
	m.BusDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge", Name: "bus_events_dropped_total",
		Help: "Events dropped because a subscriber's buffer was full.",
	}, []string{"type"})

	m.CascadesStarted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "forge", Name: "cascades_started_total",
		Help: "Cascade chains created.",
	})
	m.CascadesCompleted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "forge", Name: "cascades_completed_total",
		Help: "Cascade chains that reached completed state.",
	})
	m.CascadeDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge", Name: "cascade_events_dropped_total",
		Help: "Cascade events dropped before dispatch.",
	}, []string{"reason"})
	m.OverlayErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge", Name: "overlay_errors_total",
		Help: "Overlay invocations that failed and were isolated.",
	}, []string{"overlay"})

	m.CacheHits = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "forge", Name: "cache_hits_total",
		Help: "Query cache hits.",
	})
	m.CacheMisses = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "forge", Name: "cache_misses_total",
		Help: "Query cache misses.",
	})
	m.CacheEvictions = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "forge", Name: "cache_evictions_total",
		Help: "Entries evicted to stay under the size bound.",
	})
	m.CacheRejected = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "forge", Name: "cache_rejected_total",
		Help: "Values rejected for exceeding the cached result size cap.",
	})

	m.EdgesDetected = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge", Name: "semantic_edges_detected_total",
		Help: "Edges created by the semantic detector.",
	}, []string{"relationship_type"})

	m.PartitionsSynthesized = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "forge", Name: "partitions_synthesized_total",
		Help: "Hash partitions synthesized when no existing partition could accept a capsule.",
	})
	m.PartitionMoves = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "forge", Name: "partition_capsules_moved_total",
		Help: "Capsules moved between partitions by rebalance jobs.",
	})
	m.CrossPartitionQueries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge", Name: "cross_partition_queries_total",
		Help: "Cross-partition fan-out queries by aggregation mode.",
	}, []string{"mode"})
	m.CrossPartitionLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "forge", Name: "cross_partition_latency_seconds",
		Help:    "End-to-end latency of cross-partition queries.",
		Buckets: prometheus.DefBuckets,
	})

	m.FederationHandshakes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge", Name: "federation_handshakes_total",
		Help: "Handshake attempts by outcome.",
	}, []string{"outcome"})
	m.FederationPushes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge", Name: "federation_pushes_total",
		Help: "Sync payload pushes by outcome.",
	}, []string{"outcome"})
	m.FederationSigFailed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "forge", Name: "federation_signature_failures_total",
		Help: "Inbound federation messages rejected for bad signatures or stale timestamps.",
	})

	m.LineageMigrations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge", Name: "lineage_migrations_total",
		Help: "Lineage records moved between storage tiers.",
	}, []string{"from", "to"})

	m.HTTPRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge", Name: "http_requests_total",
		Help: "API requests by method, route, and status.",
	}, []string{"method", "path", "status"})

	return m
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
