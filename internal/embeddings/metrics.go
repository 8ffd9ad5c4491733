package embeddings

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	embedRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memoryd",
			Subsystem: "embeddings",
			Name:      "requests_total",
			Help:      "Total embedding requests by operation and result.",
		},
		[]string{"operation", "result"},
	)

	embedDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memoryd",
			Subsystem: "embeddings",
			Name:      "duration_seconds",
			Help:      "Embedding request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func recordEmbed(operation, result string, seconds float64) {
	embedRequestsTotal.WithLabelValues(operation, result).Inc()
	embedDuration.WithLabelValues(operation).Observe(seconds)
}
