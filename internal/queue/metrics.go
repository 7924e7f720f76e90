package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "beacon"

var queueSize = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "size",
		Help:      "Number of queue entries by status",
	},
	[]string{"status"},
)

var staleProcessing = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "stale_processing",
		Help:      "Rows stuck in processing beyond the staleness window (no lease reclaim exists)",
	},
)

// RecordStats updates queue depth metrics.
func RecordStats(stats *Stats) {
	queueSize.WithLabelValues(string(StatusQueued)).Set(float64(stats.Queued))
	queueSize.WithLabelValues(string(StatusProcessing)).Set(float64(stats.Processing))
	queueSize.WithLabelValues(string(StatusRetry)).Set(float64(stats.Retry))
	queueSize.WithLabelValues(string(StatusSent)).Set(float64(stats.Sent))
	queueSize.WithLabelValues(string(StatusFailedTerminal)).Set(float64(stats.FailedTerminal))
	queueSize.WithLabelValues(string(StatusShadow)).Set(float64(stats.Shadow))
	queueSize.WithLabelValues(string(StatusSkippedRollout)).Set(float64(stats.SkippedRollout))
	queueSize.WithLabelValues(string(StatusSkippedBudget)).Set(float64(stats.SkippedBudget))
	staleProcessing.Set(float64(stats.StaleProcessing))
}
