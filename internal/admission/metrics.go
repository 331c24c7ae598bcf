package admission

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	admitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "admission",
		Name:      "admitted_total",
		Help:      "Tasks started by admission mode.",
	}, []string{"mode"}) // "normal", "bypass", "direct"

	rejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "admission",
		Name:      "rejected_total",
		Help:      "Tasks refused because the client's backlog was full.",
	})

	waitTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "admission",
		Name:      "wait_timeouts_total",
		Help:      "Tasks that gave up waiting for a slot.",
	})

	waitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "genmeter",
		Subsystem: "admission",
		Name:      "wait_seconds",
		Help:      "Time between enqueue and start.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"mode"})

	slotsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "genmeter",
		Subsystem: "admission",
		Name:      "client_slots",
		Help:      "Client slots currently held.",
	})
)

func init() {
	prometheus.MustRegister(admitted, rejected, waitTimeouts, waitSeconds, slotsGauge)
}
