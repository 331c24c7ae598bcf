// Package metrics holds the process-wide Prometheus instrumentation: HTTP
// traffic, stream clients, and the database pool. Domain packages register
// their own series under the same namespace.
package metrics

import (
	"database/sql"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every genmeter series.
const Namespace = "genmeter"

var (
	// HTTPRequestsTotal counts requests by method, route pattern, and status class.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration covers slow generations as well as fast cache hits.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "path"},
	)

	// HTTPInFlight counts requests currently being served.
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "http_requests_in_flight",
		Help:      "HTTP requests currently being served.",
	})

	// ActiveWebSocketClients tracks connected worker stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPInFlight,
		ActiveWebSocketClients,
	)
}

// RegisterDB exports sql.DBStats for db under dbName. Registering the same
// name twice is a no-op.
func RegisterDB(db *sql.DB, dbName string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, dbName))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware records request count, latency, and in-flight gauge.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern keeps cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		HTTPInFlight.Inc()
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPInFlight.Dec()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry on /metrics.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
