package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codelab_executions_total",
			Help: "Total number of sandboxed command runs",
		},
		[]string{"phase", "state"}, // phase: "compile", "run"
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codelab_execution_duration_ms",
			Help:    "Wall clock duration of sandboxed command runs in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"phase"},
	)

	ExecutionRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codelab_execution_retries_total",
			Help: "Command runs retried after an engine error",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codelab_queue_depth",
			Help: "Execution requests admitted and not yet picked up",
		},
	)

	RequestsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codelab_requests_admitted_total",
			Help: "Execution requests accepted by the queue",
		},
		[]string{"kind"},
	)

	RequestsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codelab_requests_rejected_total",
			Help: "Execution requests rejected at admission",
		},
		[]string{"reason"},
	)

	RequestsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codelab_requests_finished_total",
			Help: "Execution requests that reached a terminal status",
		},
		[]string{"kind", "status"},
	)

	ImageBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codelab_image_builds_total",
			Help: "Language image builds by final status",
		},
		[]string{"status"},
	)

	ContainerCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codelab_container_creation_ms",
			Help:    "Time to create or reuse a sandbox container",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000},
		},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codelab_jobs_processed_total",
			Help: "Background jobs by name and outcome",
		},
		[]string{"job", "outcome"}, // outcome: "ok", "error", "skipped", "revoked"
	)

	GuardCancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codelab_guard_cancellations_total",
			Help: "Jobs cancelled at dispatch because a competing job was active",
		},
		[]string{"job"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codelab_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
