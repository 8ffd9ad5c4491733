package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var auditEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "memoryd",
		Subsystem: "audit",
		Name:      "events_total",
		Help:      "Total audit events by publish result.",
	},
	[]string{"result"},
)

func recordAudit(result string) {
	auditEventsTotal.WithLabelValues(result).Inc()
}
