package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "beacon"

var (
	passOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "Entry resolutions per dispatch outcome",
		},
		[]string{"outcome"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "deliveries_total",
			Help:      "Delivered notifications per type",
		},
		[]string{"type"},
	)

	tokensDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "device_tokens_deleted_total",
			Help:      "Device tokens removed after APNs reported them invalid",
		},
	)
)

func recordPass(result *Result) {
	passOutcomes.WithLabelValues("sent").Add(float64(result.Sent))
	passOutcomes.WithLabelValues("retried").Add(float64(result.Retried))
	passOutcomes.WithLabelValues("failed_terminal").Add(float64(result.FailedTerminal))
	passOutcomes.WithLabelValues("skipped_rollout").Add(float64(result.SkippedRollout))
	passOutcomes.WithLabelValues("skipped_budget").Add(float64(result.SkippedBudget))
	passOutcomes.WithLabelValues("shadow").Add(float64(result.Shadowed))
}

func recordDelivery(notificationType string) {
	deliveries.WithLabelValues(notificationType).Inc()
}

func recordTokensDeleted(count int) {
	tokensDeleted.Add(float64(count))
}
