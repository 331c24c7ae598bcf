package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

var rejected = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "genmeter",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the per-client HTTP rate limit.",
})

func init() {
	prometheus.MustRegister(rejected)
}
