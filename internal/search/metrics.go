// Package search metrics for query volume, fan-out health, and cache efficiency.
package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SearchesTotal counts top-level searches by kind and outcome.
	// Labels: kind (single, hybrid, text), result (ok, denied, error)
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "search",
			Name:      "searches_total",
			Help:      "Total number of top-level search calls",
		},
		[]string{"kind", "result"},
	)

	// SearchDuration tracks end-to-end search latency by kind.
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memoryd",
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "End-to-end search latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// FanoutTasksTotal counts individual (collection, vector) sub-queries.
	// Labels: result (success, failure, timeout)
	FanoutTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "search",
			Name:      "fanout_tasks_total",
			Help:      "Total number of fan-out sub-queries by outcome",
		},
		[]string{"result"},
	)

	// FanoutTaskDuration tracks per-sub-query latency.
	FanoutTaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "memoryd",
			Subsystem: "search",
			Name:      "fanout_task_duration_seconds",
			Help:      "Latency of individual fan-out sub-queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// PathTimeoutsTotal counts modality paths cancelled by their timeout.
	// Labels: path (text, multimodal)
	PathTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "search",
			Name:      "path_timeouts_total",
			Help:      "Total number of modality paths that hit their timeout",
		},
		[]string{"path"},
	)

	// DeniedShortCircuitsTotal counts searches answered empty before any
	// index I/O because the access filter matches nothing.
	DeniedShortCircuitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "search",
			Name:      "denied_short_circuits_total",
			Help:      "Total number of searches short-circuited by an empty access filter",
		},
	)

	// DroppedFilterKeysTotal counts caller filter keys outside the
	// recognized vocabulary.
	DroppedFilterKeysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "search",
			Name:      "dropped_filter_keys_total",
			Help:      "Total number of unrecognized caller filter keys dropped",
		},
	)

	// AnalysisCacheHits counts query analyses served from cache.
	AnalysisCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "search",
			Name:      "analysis_cache_hits_total",
			Help:      "Total number of query analysis cache hits",
		},
	)

	// AnalysisCacheMisses counts query analyses that required recomputation.
	AnalysisCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "search",
			Name:      "analysis_cache_misses_total",
			Help:      "Total number of query analysis cache misses",
		},
	)

	// AnalysisCacheSize tracks the current number of cached analyses.
	AnalysisCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "memoryd",
			Subsystem: "search",
			Name:      "analysis_cache_entries",
			Help:      "Current number of entries in the query analysis cache",
		},
	)
)

// RecordSearch records the outcome of one top-level search call.
func RecordSearch(kind, result string, seconds float64) {
	SearchesTotal.WithLabelValues(kind, result).Inc()
	SearchDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordFanoutTask records the outcome of one fan-out sub-query.
func RecordFanoutTask(result string, seconds float64) {
	FanoutTasksTotal.WithLabelValues(result).Inc()
	FanoutTaskDuration.Observe(seconds)
}
