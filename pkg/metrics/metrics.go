// Package metrics exposes Prometheus instrumentation for the webhook
// surface, the scanner and the Pyrus client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebhooksReceivedTotal counts every POST hitting the webhook
	// endpoint, valid or not.
	WebhooksReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escalator_webhooks_received_total",
		Help: "Total number of webhook deliveries received",
	})

	// WebhooksAdmittedTotal counts webhooks that resulted in a new task
	// row.
	WebhooksAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escalator_webhooks_admitted_total",
		Help: "Total number of webhook deliveries admitted into the store",
	})

	// ScanTicksTotal counts scanner ticks.
	ScanTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escalator_scan_ticks_total",
		Help: "Total number of scanner ticks executed",
	})

	// TasksProcessedTotal counts worker completions by outcome.
	TasksProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escalator_tasks_processed_total",
		Help: "Total number of worker runs by outcome",
	}, []string{"outcome"})

	// StaleLocksRecoveredTotal counts locks broken by the recovery pass.
	StaleLocksRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escalator_stale_locks_recovered_total",
		Help: "Total number of stale task locks recovered",
	})

	// TaskProcessingDuration observes per-task worker wall time.
	TaskProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "escalator_task_processing_duration_seconds",
		Help:    "Duration of individual task processing runs",
		Buckets: prometheus.DefBuckets,
	})

	// PyrusRequestDuration observes every HTTP round trip to the Pyrus
	// API, labeled by method.
	PyrusRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escalator_pyrus_request_duration_seconds",
		Help:    "Duration of HTTP requests to the Pyrus API",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// RetryExhaustionsTotal counts operations that failed every attempt,
	// labeled by operation name.
	RetryExhaustionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escalator_retry_exhaustions_total",
		Help: "Total number of Pyrus operations that exhausted all retries",
	}, []string{"operation"})
)

// RecordWebhook marks a received webhook delivery.
func RecordWebhook() {
	WebhooksReceivedTotal.Inc()
}

// RecordAdmission marks an admitted webhook delivery.
func RecordAdmission() {
	WebhooksAdmittedTotal.Inc()
}

// RecordScanTick marks one scanner tick.
func RecordScanTick() {
	ScanTicksTotal.Inc()
}

// RecordTaskOutcome marks a finished worker run and its duration.
func RecordTaskOutcome(outcome string, duration time.Duration) {
	TasksProcessedTotal.WithLabelValues(outcome).Inc()
	TaskProcessingDuration.Observe(duration.Seconds())
}

// RecordStaleLocks marks n recovered locks.
func RecordStaleLocks(n int) {
	StaleLocksRecoveredTotal.Add(float64(n))
}

// RecordPyrusRequest marks one HTTP round trip to the Pyrus API.
func RecordPyrusRequest(method string, duration time.Duration) {
	PyrusRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRetryExhaustion marks an operation that failed every attempt.
func RecordRetryExhaustion(operation string) {
	RetryExhaustionsTotal.WithLabelValues(operation).Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
