// Package metrics wires the module's components to
// prometheus/client_golang: request counters per request kind, lock-wait
// latency, GC throughput, and rebalance transitions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every metric this module exports, registered against
// a caller-supplied prometheus.Registerer so tests can use an isolated
// registry instead of the global default one.
type Registry struct {
	RequestsTotal   *prometheus.CounterVec
	RequestErrors   *prometheus.CounterVec
	LockWaitSeconds *prometheus.HistogramVec
	GCVersionsTotal prometheus.Counter
	GCRunsTotal     prometheus.Counter
	RebalanceTotal  *prometheus.CounterVec
	SafeTimeSeconds prometheus.Gauge
}

// New registers every metric against reg and returns the handle.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "partitiontx",
			Subsystem: "replica",
			Name:      "requests_total",
			Help:      "Total requests handled by the partition replica listener, by request kind.",
		}, []string{"kind"}),

		RequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "partitiontx",
			Subsystem: "replica",
			Name:      "request_errors_total",
			Help:      "Total requests that returned an error, by request kind and error code.",
		}, []string{"kind", "code"}),

		LockWaitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "partitiontx",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time a request spent blocked in Acquire before a lock was granted or denied.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),

		GCVersionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "partitiontx",
			Subsystem: "gc",
			Name:      "versions_removed_total",
			Help:      "Total obsolete MVCC versions removed by the low-watermark GC driver.",
		}),

		GCRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "partitiontx",
			Subsystem: "gc",
			Name:      "runs_total",
			Help:      "Total GC passes executed by the low-watermark GC driver.",
		}),

		RebalanceTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "partitiontx",
			Subsystem: "rebalance",
			Name:      "transitions_total",
			Help:      "Total assignment state machine transitions, by branch.",
		}, []string{"branch"}),

		SafeTimeSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "partitiontx",
			Subsystem: "replica",
			Name:      "safe_time_unix_seconds",
			Help:      "The replica's current safe-time, as Unix seconds.",
		}),
	}
}
