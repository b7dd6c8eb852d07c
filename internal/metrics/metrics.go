// Package metrics declares the bridge's prometheus collectors. All hot-path
// observation sites reference the package-level vars directly; registration
// happens once at bootstrap via Register.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubbridge",
			Name:      "requests_total",
			Help:      "Tool invocations by tool name and final status.",
		},
		[]string{"tool", "status"},
	)

	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubbridge",
			Name:      "auth_failures_total",
			Help:      "Authentication and authorization failures by reason.",
		},
		[]string{"reason"},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hubbridge",
			Name:      "cache_hits_total",
			Help:      "Result cache hits.",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hubbridge",
			Name:      "cache_misses_total",
			Help:      "Result cache misses.",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hubbridge",
			Name:      "cache_evictions_total",
			Help:      "Result cache evictions (LRU plus expiry sweeps).",
		},
	)

	QueueRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubbridge",
			Name:      "queue_rejected_total",
			Help:      "Enqueue attempts rejected because the queue was full.",
		},
		[]string{"priority"},
	)

	UpstreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hubbridge",
			Name:      "upstream_retries_total",
			Help:      "Retried idempotent upstream calls.",
		},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubbridge",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		},
		[]string{"hub", "to"},
	)

	QueueWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hubbridge",
			Name:      "queue_wait_seconds",
			Help:      "Time between enqueue and dequeue.",
			// lowest bucket 1 ms, highest 1 ms * 2^15 ~= 32 s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"priority"},
	)

	UpstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hubbridge",
			Name:      "upstream_latency_seconds",
			Help:      "Upstream call latency by tool.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"tool"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hubbridge",
			Name:      "queue_depth",
			Help:      "Queued calls per priority class.",
		},
		[]string{"priority"},
	)

	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hubbridge",
			Name:      "sessions_active",
			Help:      "Upstream sessions currently leased to a call.",
		},
		[]string{"hub"},
	)

	SessionsIdle = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hubbridge",
			Name:      "sessions_idle",
			Help:      "Healthy upstream sessions not currently leased.",
		},
		[]string{"hub"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hubbridge",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per hub (0 closed, 1 half-open, 2 open).",
		},
		[]string{"hub"},
	)

	CacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hubbridge",
			Name:      "cache_size",
			Help:      "Live entries in the result cache.",
		},
	)
)

var collectors = []prometheus.Collector{
	RequestsTotal,
	AuthFailuresTotal,
	CacheHitsTotal,
	CacheMissesTotal,
	CacheEvictionsTotal,
	QueueRejectedTotal,
	UpstreamRetriesTotal,
	BreakerTransitionsTotal,
	QueueWaitSeconds,
	UpstreamLatencySeconds,
	QueueDepth,
	SessionsActive,
	SessionsIdle,
	BreakerState,
	CacheSize,
}

// Register registers every bridge collector with r. Duplicate registration
// is tolerated so tests and repeated bootstraps do not panic.
func Register(r prometheus.Registerer) error {
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
