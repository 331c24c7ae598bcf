package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "upstream",
		Name:      "dispatch_total",
		Help:      "Dispatches by service type and outcome.",
	}, []string{"service_type", "outcome"}) // "success", "transient", "client_error", "no_workers", "canceled"

	dispatchRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "upstream",
		Name:      "dispatch_retries_total",
		Help:      "Attempts moved to a different worker after a transient failure.",
	}, []string{"service_type"})

	callDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "genmeter",
		Subsystem: "upstream",
		Name:      "call_duration_seconds",
		Help:      "Worker call latency, queue wait excluded.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"service_type"})

	workersRegistered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "upstream",
		Name:      "workers_registered_total",
		Help:      "New workers seen via heartbeat or re-resolve.",
	})

	resolves = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "upstream",
		Name:      "resolves_total",
		Help:      "Re-resolve attempts after finding no active worker.",
	})

	workerLoad = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "genmeter",
		Subsystem: "upstream",
		Name:      "worker_load",
		Help:      "Selection load per worker.",
	}, []string{"service_type", "address"})

	workerErrors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "genmeter",
		Subsystem: "upstream",
		Name:      "worker_error_count",
		Help:      "Decaying error score per worker.",
	}, []string{"service_type", "address"})

	workerThroughput = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "genmeter",
		Subsystem: "upstream",
		Name:      "worker_requests_per_minute",
		Help:      "Average requests per minute since the worker first registered.",
	}, []string{"service_type", "address"})

	activeWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "genmeter",
		Subsystem: "upstream",
		Name:      "active_workers",
		Help:      "Workers within the heartbeat timeout.",
	}, []string{"service_type"})
)

func init() {
	prometheus.MustRegister(
		dispatchTotal,
		dispatchRetries,
		callDuration,
		workersRegistered,
		resolves,
		workerLoad,
		workerErrors,
		workerThroughput,
		activeWorkers,
	)
}

func recordSnapshot(snaps []Snapshot) {
	active := make(map[string]int)
	for _, s := range snaps {
		workerLoad.WithLabelValues(s.ServiceType, s.Address).Set(float64(s.Load))
		workerErrors.WithLabelValues(s.ServiceType, s.Address).Set(float64(s.ErrorCount))
		workerThroughput.WithLabelValues(s.ServiceType, s.Address).Set(s.PerMinute)
		if s.Active {
			active[s.ServiceType]++
		} else if _, ok := active[s.ServiceType]; !ok {
			active[s.ServiceType] = 0
		}
	}
	for st, n := range active {
		activeWorkers.WithLabelValues(st).Set(float64(n))
	}
}
