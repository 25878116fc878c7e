package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across all routes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "crawlcoord",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// JobsMaterializedTotal counts PENDING jobs inserted by the policy scheduler.
var JobsMaterializedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crawlcoord",
		Subsystem: "scheduler",
		Name:      "jobs_materialized_total",
		Help:      "Total number of jobs materialized from due policies.",
	},
	[]string{"policy_id"},
)

// LeaseSweepReclaimedTotal counts jobs reclaimed from expired leases.
var LeaseSweepReclaimedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "crawlcoord",
		Subsystem: "scheduler",
		Name:      "lease_sweep_reclaimed_total",
		Help:      "Total number of expired leases reclaimed by the sweeper.",
	},
)

// JobsPulledTotal counts jobs successfully leased to a bot via pull.
var JobsPulledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crawlcoord",
		Subsystem: "botcoord",
		Name:      "jobs_pulled_total",
		Help:      "Total number of jobs leased to bots.",
	},
	[]string{"bot_id"},
)

// JobsSubmittedTotal counts submit calls by outcome.
var JobsSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crawlcoord",
		Subsystem: "botcoord",
		Name:      "jobs_submitted_total",
		Help:      "Total number of job submissions by outcome.",
	},
	[]string{"bot_id", "outcome"},
)

// PendingCacheHitsTotal counts cache hits/misses/errors on the pending-job cache.
var PendingCacheHitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crawlcoord",
		Subsystem: "pendingcache",
		Name:      "lookups_total",
		Help:      "Total number of pending-job cache lookups by result.",
	},
	[]string{"result"},
)

// RecordQueueDepth reports the current depth of the auto-record queue.
var RecordQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "crawlcoord",
		Subsystem: "recordqueue",
		Name:      "depth",
		Help:      "Current number of result ids waiting in the auto-record queue.",
	},
)

// AutoRecordProcessedTotal counts results the auto-record pipeline has drained, by outcome.
var AutoRecordProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "crawlcoord",
		Subsystem: "autorecord",
		Name:      "processed_total",
		Help:      "Total number of results processed by the auto-record pipeline, by outcome.",
	},
	[]string{"outcome"},
)

// AutoRecordBatchDuration tracks how long a drain batch takes to flush.
var AutoRecordBatchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "crawlcoord",
		Subsystem: "autorecord",
		Name:      "batch_duration_seconds",
		Help:      "Auto-record batch flush duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
)

// All returns the crawlcoord-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		JobsMaterializedTotal,
		LeaseSweepReclaimedTotal,
		JobsPulledTotal,
		JobsSubmittedTotal,
		PendingCacheHitsTotal,
		RecordQueueDepth,
		AutoRecordProcessedTotal,
		AutoRecordBatchDuration,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors passed in.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
