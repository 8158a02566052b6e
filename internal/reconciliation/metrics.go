package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "vault_mismatches",
		Help:      "Number of escrows whose vault balance disagreed with the record in the last run.",
	})

	reconcileExpired = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "expired_escrows",
		Help:      "Number of funded escrows past their timeout in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs aborted by an error.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileExpired,
		reconcileDuration,
		reconcileErrors,
	)
}
