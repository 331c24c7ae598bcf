package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "genmeter",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "genmeter",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	ledgerDebited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genmeter",
		Name:      "ledger_debited_credits_total",
		Help:      "Credits charged across all accounts.",
	})

	ledgerCredited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genmeter",
		Name:      "ledger_credited_credits_total",
		Help:      "Credits added by bucket.",
	}, []string{"bucket"})

	ledgerRefills = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genmeter",
		Name:      "ledger_refills_total",
		Help:      "Tier grants applied.",
	})

	ledgerOverdrafts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genmeter",
		Name:      "ledger_overdraft_deductions_total",
		Help:      "Deductions that left crypto or pack negative.",
	})

	ledgerTxRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genmeter",
		Name:      "ledger_transaction_retries_total",
		Help:      "Serialization failures retried by the postgres store.",
	})
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		ledgerDebited,
		ledgerCredited,
		ledgerRefills,
		ledgerOverdrafts,
		ledgerTxRetries,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
