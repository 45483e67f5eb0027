package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Pipeline metrics
	queuePublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_published_total",
			Help: "Entries published to the durable queue",
		},
		[]string{"topic"},
	)

	queuePublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_publish_failures_total",
			Help: "Failed queue publishes",
		},
		[]string{"topic"},
	)

	workerBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_batches_total",
			Help: "Batches handed to a topic handler",
		},
		[]string{"topic"},
	)

	workerAckedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_acked_total",
			Help: "Entries acknowledged after successful persistence",
		},
		[]string{"topic"},
	)

	workerPoisonTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_poison_total",
			Help: "Malformed entries dropped and acknowledged",
		},
		[]string{"topic"},
	)

	fanoutDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_delivered_total",
			Help: "Envelopes enqueued onto a live session sink",
		},
	)

	fanoutDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_dropped_total",
			Help: "Envelopes dropped because the sink was full or slow",
		},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Currently registered live sessions",
		},
	)

	dependencyHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dependency_health",
			Help: "Health status of dependencies (1 = healthy, 0 = unhealthy)",
		},
		[]string{"dependency"},
	)
)

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
}

func RecordPublish(topic string, ok bool) {
	if ok {
		queuePublishedTotal.WithLabelValues(topic).Inc()
		return
	}
	queuePublishFailures.WithLabelValues(topic).Inc()
}

func RecordBatch(topic string) {
	workerBatchesTotal.WithLabelValues(topic).Inc()
}

func RecordAcked(topic string, n int) {
	workerAckedTotal.WithLabelValues(topic).Add(float64(n))
}

func RecordPoison(topic string) {
	workerPoisonTotal.WithLabelValues(topic).Inc()
}

func RecordFanout(delivered bool) {
	if delivered {
		fanoutDeliveredTotal.Inc()
		return
	}
	fanoutDroppedTotal.Inc()
}

func SessionOpened() {
	sessionsActive.Inc()
}

func SessionClosed() {
	sessionsActive.Dec()
}

// SetDependencyHealth sets the health status of a dependency.
func SetDependencyHealth(dependency string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	dependencyHealth.WithLabelValues(dependency).Set(value)
}

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
