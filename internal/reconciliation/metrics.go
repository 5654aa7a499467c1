package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileWalletDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketpay",
		Subsystem: "reconciliation",
		Name:      "wallet_drift",
		Help:      "Number of wallets whose projection diverged from the ledger in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketpay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketpay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileWalletDrift,
		reconcileDuration,
		reconcileErrors,
	)
}
