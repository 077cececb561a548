package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts ledger operations by type.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fanlink",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fanlink",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// InsufficientFundsTotal counts debits rejected for lack of tokens.
	InsufficientFundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fanlink",
			Name:      "ledger_insufficient_funds_total",
			Help:      "Debits rejected because the account held too few tokens.",
		},
		[]string{"type"},
	)

	// TokensTransferred tracks total tokens moved between accounts by kind.
	TokensTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fanlink",
			Name:      "ledger_tokens_transferred_total",
			Help:      "Total tokens moved between accounts by transfer kind.",
		},
		[]string{"kind"},
	)

	// ReconcileDrift tracks accounts whose balance disagrees with entry sums.
	ReconcileDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fanlink",
			Name:      "ledger_reconcile_drift_accounts",
			Help:      "Accounts where the balance row disagrees with the entry sum.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OpsTotal,
		OpDuration,
		InsufficientFundsTotal,
		TokensTransferred,
		ReconcileDrift,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	OpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
