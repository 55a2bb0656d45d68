package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SourceCallsTotal tracks calls to source services per service, call kind and outcome
	SourceCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_source_calls_total",
			Help: "Total number of calls to source services",
		},
		[]string{"service", "call", "outcome"},
	)

	// SourceTimeouts tracks source calls that exceeded their timeout
	SourceTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_source_timeouts_total",
			Help: "Total number of source calls that timed out",
		},
		[]string{"service", "call"},
	)

	// SourceCallDuration tracks source call latency
	SourceCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_source_call_duration_seconds",
			Help:    "Duration of calls to source services",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "call"},
	)

	// BreakerState tracks circuit breaker state (0=closed, 1=half-open, 2=open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collector_breaker_state",
			Help: "Circuit breaker state per breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"breaker"},
	)

	// ConnectionEvents tracks connection lifecycle events
	ConnectionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_connection_events_total",
			Help: "Total number of persistent connection lifecycle events",
		},
		[]string{"event"},
	)

	// ConnectionFailures tracks failed connection attempts
	ConnectionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_connection_failures_total",
			Help: "Total number of failed persistent connection attempts",
		},
	)

	// ConnectionFallback tracks how often fallback mode was enabled
	ConnectionFallback = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_connection_fallback_total",
			Help: "Total number of times fallback mode was enabled",
		},
	)

	// ConnectionAvailable is 1 while the persistent connection is usable
	ConnectionAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_connection_available",
			Help: "Whether the persistent connection is available (1) or not (0)",
		},
	)

	// PermitsActive tracks permits currently held
	PermitsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_permits_active",
			Help: "Number of mutation permits currently held",
		},
	)

	// PermitRejections tracks permit acquisitions rejected per scope
	PermitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_permit_rejections_total",
			Help: "Total number of permit acquisitions rejected",
		},
		[]string{"scope"},
	)

	// CacheRequests tracks validation cache lookups per key kind and result
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_validation_cache_requests_total",
			Help: "Total number of validation cache lookups",
		},
		[]string{"kind", "result"},
	)

	// CacheInvalidations tracks key deletions per reason and result
	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_validation_cache_invalidations_total",
			Help: "Total number of validation cache key invalidations",
		},
		[]string{"reason", "result"},
	)

	// ValidationResults tracks validation outcomes per operation and code
	ValidationResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_validation_results_total",
			Help: "Total number of mutation validations by outcome code",
		},
		[]string{"operation", "code"},
	)

	// MutationsTotal tracks mutation entry point calls
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_mutations_total",
			Help: "Total number of mutation requests",
		},
		[]string{"operation", "outcome"},
	)

	// MutationDuration tracks the synchronous span of mutation entry points
	MutationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_mutation_duration_seconds",
			Help:    "Duration of mutation requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// RetryAttempts tracks settled retry attempts
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_retry_attempts_total",
			Help: "Total number of settled retry attempts",
		},
		[]string{"interface_type", "status"},
	)

	// RetryDuration tracks end-to-end retry execution time
	RetryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_retry_duration_seconds",
			Help:    "Duration of retry execution from dispatch to completion",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"interface_type"},
	)

	// EventsPublished tracks domain events delivered to subscribers
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_events_published_total",
			Help: "Total number of domain events published",
		},
		[]string{"type"},
	)

	// EventsDropped tracks events dropped because a subscriber was full
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_events_dropped_total",
			Help: "Total number of domain events dropped for a full subscriber",
		},
		[]string{"type"},
	)

	// StaleAttemptsSwept tracks attempts failed by the sweeper
	StaleAttemptsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_stale_attempts_swept_total",
			Help: "Total number of stale retry attempts failed by the sweeper",
		},
	)

	// DBConnectionPoolUsage tracks database connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// DBBatchSize tracks the number of ids read per batch query
	DBBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_db_batch_size",
			Help:    "Number of rows requested per batch query",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		},
		[]string{"operation"},
	)
)
