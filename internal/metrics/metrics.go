package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch outcome labels.
const (
	OutcomeNetwork       = "network"
	OutcomeCache         = "cache"
	OutcomeStaleCache    = "stale_cache"
	OutcomeFallback      = "fallback"
	OutcomeRateLimited   = "rate_limited"
	OutcomeLockContended = "lock_contended"
)

var (
	FetchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crypto_tracker_fetch_outcomes_total",
		Help: "Guarded fetch results by operation and data source",
	}, []string{"operation", "outcome"})

	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crypto_tracker_provider_requests_total",
		Help: "Outbound provider requests by provider and HTTP status",
	}, []string{"provider", "status"})

	RetryWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crypto_tracker_retry_wait_seconds",
		Help:    "Time spent waiting between provider attempts",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	}, []string{"operation"})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crypto_tracker_job_runs_total",
		Help: "Scheduled refresh runs by job and status",
	}, []string{"job", "status"})

	TickerClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crypto_tracker_ticker_clients",
		Help: "Connected websocket ticker clients",
	})
)
