package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Webhook delivery metrics
	WebhookAttemptsTotal     *prometheus.CounterVec
	WebhookAttemptDuration   *prometheus.HistogramVec
	WebhookDeliveriesTotal   *prometheus.CounterVec
	WebhookCircuitOpensTotal prometheus.Counter
	WebhookRetriesPostponed  prometheus.Counter
	WebhookRetryBatchSize    prometheus.Histogram
	WebhookDeliveriesCleaned prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

var metrics *Metrics

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		// Webhook delivery metrics
		WebhookAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_attempts_total",
				Help: "Total number of webhook delivery attempts",
			},
			[]string{"event_type", "outcome"},
		),
		WebhookAttemptDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_attempt_duration_seconds",
				Help:    "Webhook HTTP attempt duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"outcome"},
		),
		WebhookDeliveriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Total number of webhook deliveries reaching a terminal status",
			},
			[]string{"event_type", "status"},
		),
		WebhookCircuitOpensTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webhook_circuit_opens_total",
				Help: "Total number of webhook circuit breaker open transitions",
			},
		),
		WebhookRetriesPostponed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webhook_retries_postponed_total",
				Help: "Total number of due retries postponed because the circuit was open",
			},
		),
		WebhookRetryBatchSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webhook_retry_batch_size",
				Help:    "Number of deliveries attempted per retry worker pass",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		WebhookDeliveriesCleaned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_cleaned_total",
				Help: "Total number of delivery records removed by retention cleanup",
			},
		),

		// Database metrics
		DBConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	if metrics == nil {
		return Init()
	}
	return metrics
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler returns a Gin-compatible handler for Prometheus metrics
func GinHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		// Track in-flight requests
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// Process request
		c.Next()

		// Record metrics
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
