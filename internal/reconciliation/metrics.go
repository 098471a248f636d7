package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "genexchange",
		Subsystem: "reconciliation",
		Name:      "escrow_mismatches",
		Help:      "Number of escrow accounts whose ledger balance disagreed with the record in the last run.",
	})

	reconcileExpired = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "genexchange",
		Subsystem: "reconciliation",
		Name:      "expired_escrows",
		Help:      "Number of funded escrows past their hold window found in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "genexchange",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genexchange",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
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
