package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	// Ingestion metrics
	MessagesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_submitted_total",
			Help: "Send-message requests accepted, by enqueue result",
		},
		[]string{"result"}, // "enqueued" or "deduplicated"
	)

	ValidationRejects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_validation_rejects_total",
			Help: "Send-message requests rejected by validation",
		},
	)

	// Fan-out metrics
	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_publish_failures_total",
			Help: "Fan-out publish calls that failed",
		},
		[]string{"driver"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_events_dropped_total",
			Help: "Live events dropped for slow subscribers",
		},
		[]string{"driver"},
	)

	LiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_live_subscribers",
			Help: "Currently connected live subscribers",
		},
	)

	// Queue and worker metrics
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_jobs_enqueued_total",
			Help: "Persistence jobs offered to the queue",
		},
		[]string{"result"}, // "accepted" or "duplicate"
	)

	JobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_job_outcomes_total",
			Help: "Persistence job outcomes reported by workers",
		},
		[]string{"outcome"}, // completed, duplicate, retryable, terminal
	)

	JobsRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_jobs_retried_total",
			Help: "Jobs rescheduled with backoff",
		},
	)

	JobsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_jobs_dead_lettered_total",
			Help: "Jobs moved to the dead-letter list",
		},
		[]string{"reason"}, // "exhausted", "terminal", "lease_expired"
	)

	JobsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_jobs_reclaimed_total",
			Help: "Jobs redelivered after their lease expired",
		},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatrelay_job_duration_seconds",
			Help:    "Time spent processing one persistence job",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_redis_latency_seconds",
			Help:    "Redis queue operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
		[]string{"op"},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_store_latency_seconds",
			Help:    "Message store query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
		[]string{"driver", "op"},
	)
)
