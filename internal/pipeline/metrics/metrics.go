package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchesTotal tracks source fetch attempts by result
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_fetches_total",
			Help: "Total number of source fetch attempts",
		},
		[]string{"result"},
	)

	// UploadsTotal tracks file uploads per transport and result
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_uploads_total",
			Help: "Total number of file uploads",
		},
		[]string{"transport", "result"},
	)

	// UploadBytes tracks delivered payload volume per transport
	UploadBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upload_bytes_total",
			Help: "Total bytes delivered downstream",
		},
		[]string{"transport"},
	)

	// RateLimitWait tracks how long callers were suspended by each limiter
	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the rate limiter",
			Buckets: []float64{.05, .25, 1, 5, 15, 30, 60, 300, 1800},
		},
		[]string{"limiter"},
	)

	// BreakerOpen reports 1 while a circuit breaker is open
	BreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_breaker_open",
			Help: "Whether the circuit breaker for a dependency is open",
		},
		[]string{"dependency"},
	)

	// JobsTotal tracks job completions by final status
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_jobs_total",
			Help: "Total number of delivery jobs by final status",
		},
		[]string{"status"},
	)

	// JobsResumed tracks jobs picked up by the startup recovery sweep
	JobsResumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_jobs_resumed_total",
			Help: "Total number of jobs resumed after restart",
		},
	)

	// PendingJobs tracks the current recovery-log backlog
	PendingJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_pending_jobs",
			Help: "Number of pending jobs in the recovery log",
		},
	)

	// DBConnectionPoolUsage tracks database connection pool utilization
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
