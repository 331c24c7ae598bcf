package billing

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Stripe webhook deliveries by outcome.",
	}, []string{"outcome"})

	creditsPurchased = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "genmeter",
		Subsystem: "billing",
		Name:      "credits_purchased_total",
		Help:      "Pack credits added from paid checkout sessions.",
	})
)

func init() {
	prometheus.MustRegister(webhookEvents, creditsPurchased)
}
