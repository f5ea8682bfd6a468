// Package metrics defines the Prometheus instrumentation for the
// feedback-core service. All collectors are registered on the default
// registry and exposed at /metrics in development.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts HTTP requests by method, path and status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackcore_http_requests_total",
		Help: "Total HTTP requests processed.",
	}, []string{"method", "path", "status"})

	// RequestDuration observes request latency by method and path.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedbackcore_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	// JobsProcessed counts pipeline jobs by queue and outcome.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackcore_jobs_processed_total",
		Help: "Pipeline jobs processed by queue and outcome.",
	}, []string{"queue", "outcome"})

	// JobDuration observes job processing time by queue.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedbackcore_job_duration_seconds",
		Help:    "Pipeline job processing time.",
		Buckets: []float64{.05, .1, .5, 1, 5, 15, 60, 120},
	}, []string{"queue"})

	// CacheHits counts analytics cache hits by endpoint.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackcore_cache_hits_total",
		Help: "Analytics cache hits by endpoint.",
	}, []string{"endpoint"})

	// CacheMisses counts analytics cache misses by endpoint.
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackcore_cache_misses_total",
		Help: "Analytics cache misses by endpoint.",
	}, []string{"endpoint"})

	// FeedbackIngested counts accepted feedback rows by source.
	FeedbackIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedbackcore_feedback_ingested_total",
		Help: "Feedback rows accepted by source.",
	}, []string{"source"})
)
