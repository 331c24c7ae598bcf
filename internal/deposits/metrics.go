package deposits

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "deposits",
		Name:      "transfers_total",
		Help:      "USDC transfers seen by outcome.",
	}, []string{"outcome"})

	creditsDeposited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "deposits",
		Name:      "credits_total",
		Help:      "Crypto credits added from on-chain deposits.",
	})

	pollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "deposits",
		Name:      "poll_errors_total",
		Help:      "Failed deposit polls.",
	})

	lastBlockGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "genmeter",
		Subsystem: "deposits",
		Name:      "last_block",
		Help:      "Last block scanned for deposits.",
	})
)

func init() {
	prometheus.MustRegister(transfers, creditsDeposited, pollErrors, lastBlockGauge)
}
