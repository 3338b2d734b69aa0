package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the message-delivery core.
//
// Naming convention: namespace_subsystem_name
// - namespace: courier (application-level grouping)
// - subsystem: dispatch, offline, push, redis (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (sessions, subscriptions, lease held)
// - Counter: cumulative events (deliveries, retries, failovers)
// - Histogram: latency distributions (request handling, push round trips)

var (
	// ActiveSessions tracks the current number of live WebSocket sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "courier",
		Subsystem: "dispatch",
		Name:      "sessions_active",
		Help:      "Current number of active WebSocket sessions",
	})

	// DispatchDeliveries counts publish attempts by outcome (local, remote, dropped).
	DispatchDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "dispatch",
		Name:      "deliveries_total",
		Help:      "Publish operations by delivery outcome",
	}, []string{"outcome"})

	// RequestDuration tracks controller handling latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "courier",
		Subsystem: "api",
		Name:      "request_seconds",
		Help:      "Time spent handling REST/WS requests",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"service", "method"})

	// OfflineRounds counts orchestrator scan rounds by result.
	OfflineRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "offline",
		Name:      "rounds_total",
		Help:      "Offline scan rounds by result",
	}, []string{"result"})

	// OfflineLeaseHeld is 1 while this node owns the offline scan lease.
	OfflineLeaseHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "courier",
		Subsystem: "offline",
		Name:      "lease_held",
		Help:      "Whether this node currently holds the offline scan lease",
	})

	// PushAttempts counts provider submissions by provider and status.
	PushAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "push",
		Name:      "attempts_total",
		Help:      "Push provider submissions by provider and status",
	}, []string{"provider", "status"})

	// PushRetries counts backoff retries per provider.
	PushRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "push",
		Name:      "retries_total",
		Help:      "Push retries by provider",
	}, []string{"provider"})

	// PartitionFailovers counts replica advances inside a partition.
	PartitionFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "redis",
		Name:      "partition_failovers_total",
		Help:      "Replica failovers per partition",
	}, []string{"partition"})

	// CircuitBreakerState exposes the cross-node publish breaker state.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "courier",
		Subsystem: "redis",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "redis",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected because the circuit breaker was open",
	}, []string{"name"})

	// RateLimitRequests counts requests that passed rate limiting.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "api",
		Name:      "rate_limit_requests_total",
		Help:      "Requests checked against the rate limiter",
	}, []string{"path"})

	// RateLimitExceeded counts rejected requests per path and limit type.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Subsystem: "api",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"path", "limit_type"})
)

func IncSession() {
	ActiveSessions.Inc()
}

func DecSession() {
	ActiveSessions.Dec()
}
