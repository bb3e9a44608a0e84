// Package metrics exposes the Prometheus counters and histograms the
// server tracks for ingest and query traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestTotal counts ingest attempts by terminal status.
	IngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goreason_ingest_total",
		Help: "Total document ingest attempts by status.",
	}, []string{"status"})

	// QueryTotal counts query attempts by terminal status.
	QueryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goreason_query_total",
		Help: "Total query attempts by status.",
	}, []string{"status"})

	// QueryDuration tracks end-to-end query latency.
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "goreason_query_duration_seconds",
		Help:    "Query latency in seconds, from request to answer.",
		Buckets: prometheus.DefBuckets,
	})

	// RetrievalDegraded counts queries whose retrieval fell back to a
	// partial strategy set under the global soft deadline.
	RetrievalDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goreason_retrieval_degraded_total",
		Help: "Queries where one or more retrieval strategies missed the soft deadline.",
	})

	// CacheHits / CacheMisses track the in-process retrieval cache.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goreason_cache_hits_total",
		Help: "Query cache hits.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goreason_cache_misses_total",
		Help: "Query cache misses.",
	})
)
