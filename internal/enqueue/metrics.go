package enqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "beacon"

var (
	candidatesScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enqueue",
			Name:      "candidates_scanned_total",
			Help:      "Candidates discovered per source category",
		},
		[]string{"source"},
	)

	scanErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enqueue",
			Name:      "scan_errors_total",
			Help:      "Failed producer scans per source category",
		},
		[]string{"source"},
	)

	entriesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enqueue",
			Name:      "entries_queued_total",
			Help:      "Queue entries inserted, net of dedupe conflicts",
		},
	)
)

func recordCandidates(source string, count int) {
	candidatesScanned.WithLabelValues(source).Add(float64(count))
}

func recordScanError(source string) {
	scanErrors.WithLabelValues(source).Inc()
}

func recordQueued(count int64) {
	entriesQueued.Add(float64(count))
}
