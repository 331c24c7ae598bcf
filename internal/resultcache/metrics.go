package resultcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	lookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by result.",
	}, []string{"result"}) // "hit", "join", "miss"

	computeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "cache",
		Name:      "computes_total",
		Help:      "Computations run on a miss, by outcome.",
	}, []string{"outcome"})

	evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries evicted by capacity pressure.",
	})

	entriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "genmeter",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries held, pending included.",
	})
)

func init() {
	prometheus.MustRegister(lookups, computeTotal, evictions, entriesGauge)
}
