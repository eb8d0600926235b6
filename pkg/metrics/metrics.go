// Package metrics provides Prometheus metrics for the fern job service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsEnqueued tracks enqueue requests by job type and outcome
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of enqueue requests by job type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// JobsProcessed tracks finished processing attempts by resulting job state
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of processing attempts by job type and resulting state",
		},
		[]string{"type", "status"},
	)

	// JobDuration tracks processing attempt duration
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Duration of job processing attempts in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"type"},
	)

	// JobsInFlight tracks jobs currently being processed by this instance
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed",
		},
	)

	// QueueDepth tracks the size of each queue structure
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of jobs in each queue structure",
		},
		[]string{"state"},
	)

	// DLQJobsTotal tracks jobs sent to the dead letter queue
	DLQJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "dlq",
			Name:      "jobs_total",
			Help:      "Total number of jobs sent to dead letter queue",
		},
		[]string{"type"},
	)

	// RateLimitDecisions tracks admission decisions
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of rate limit decisions",
		},
		[]string{"decision"},
	)

	// CircuitTransitions tracks circuit breaker state changes
	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "circuit",
			Name:      "transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// CircuitState is 0 closed, 1 half-open, 2 open
	CircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Current circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"target", "status_code"},
	)

	// HTTPRequestDuration tracks outbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"target"},
	)

	// APIRequestsTotal tracks inbound API requests
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests by method, route and status",
		},
		[]string{"method", "route", "status_code"},
	)

	// APIRequestDuration tracks inbound API request duration
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
)

// RecordEnqueue records an enqueue outcome ("created", "duplicate", "rejected", "unavailable")
func RecordEnqueue(jobType, outcome string) {
	JobsEnqueued.WithLabelValues(jobType, outcome).Inc()
}

// RecordJobProcessed records a processing attempt and its duration
func RecordJobProcessed(jobType, status string, duration time.Duration) {
	JobsProcessed.WithLabelValues(jobType, status).Inc()
	JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordQueueDepth updates the queue structure gauges
func RecordQueueDepth(queued, processing, retry, dlq int64) {
	QueueDepth.WithLabelValues("queued").Set(float64(queued))
	QueueDepth.WithLabelValues("processing").Set(float64(processing))
	QueueDepth.WithLabelValues("retry").Set(float64(retry))
	QueueDepth.WithLabelValues("dlq").Set(float64(dlq))
}

// RecordDLQJob records a job sent to DLQ
func RecordDLQJob(jobType string) {
	DLQJobsTotal.WithLabelValues(jobType).Inc()
}

// RecordRateLimit records an admission decision ("allowed", "denied", "fail_open")
func RecordRateLimit(decision string) {
	RateLimitDecisions.WithLabelValues(decision).Inc()
}

// RecordCircuitTransition records a breaker transition and the new state level
func RecordCircuitTransition(from, to string, level int) {
	CircuitTransitions.WithLabelValues(from, to).Inc()
	CircuitState.Set(float64(level))
}

// RecordHTTPRequest records an outbound HTTP request
func RecordHTTPRequest(target string, statusCode int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(target, strconv.Itoa(statusCode)).Inc()
	HTTPRequestDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(duration.Seconds())
}

// RecordAPIRequest records an inbound API request
func RecordAPIRequest(method, route string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
