package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	generateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "gateway",
		Name:      "generate_requests_total",
		Help:      "Generation requests by service type and status.",
	}, []string{"service_type", "status"}) // "success", "hit", or an error code

	generateDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "genmeter",
		Subsystem: "gateway",
		Name:      "generate_duration_seconds",
		Help:      "End-to-end generation latency by cache status.",
		Buckets:   []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"cache"})

	generateInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "genmeter",
		Subsystem: "gateway",
		Name:      "generate_in_flight",
		Help:      "Generation requests currently being served.",
	})

	admissionWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "genmeter",
		Subsystem: "gateway",
		Name:      "admission_wait_seconds",
		Help:      "Time a cache miss waited for its admission slot.",
		Buckets:   []float64{0.001, 0.01, 0.1, 1, 5, 10, 30, 60},
	})

	creditsCharged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "gateway",
		Name:      "credits_charged_total",
		Help:      "Credits debited for generations by service type.",
	}, []string{"service_type"})

	logsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "gateway",
		Name:      "request_logs_pruned_total",
		Help:      "Request log rows removed by the retention sweep.",
	})
)

func init() {
	prometheus.MustRegister(
		generateTotal,
		generateDuration,
		generateInFlight,
		admissionWait,
		creditsCharged,
		logsPruned,
	)
}
