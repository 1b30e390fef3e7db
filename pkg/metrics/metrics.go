// Package metrics exposes Prometheus instrumentation for the session
// engine: a var block of collectors registered in init(), plus a Timer
// helper for histogram observations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session lifecycle
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "playervault_sessions_active",
			Help: "Number of sessions currently held in memory",
		},
	)

	SessionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "playervault_sessions_by_state",
			Help: "Number of sessions currently in each FSM state",
		},
		[]string{"state"},
	)

	LoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playervault_load_duration_seconds",
			Help:    "Time taken to load a key into a Ready session",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Queue
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "playervault_queue_depth",
			Help: "Number of operations currently queued for a key",
		},
		[]string{"key"},
	)

	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playervault_operations_total",
			Help: "Total number of queue operations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	FastPathTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playervault_fast_path_updates_total",
			Help: "Total number of updates that took the no-transaction-pending fast path",
		},
	)

	// Lock manager
	LockAcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playervault_lock_acquire_duration_seconds",
			Help:    "Time taken to acquire a lease, including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	LockRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playervault_lock_refresh_total",
			Help: "Total number of lease refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	LocksLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playervault_locks_lost_total",
			Help: "Total number of leases lost mid-session",
		},
	)

	// Backoff
	BackoffRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playervault_backoff_retries_total",
			Help: "Total number of retried backend calls by classification",
		},
		[]string{"class"},
	)

	// Transactions
	TxPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playervault_tx_phase_duration_seconds",
			Help:    "Time taken per transaction coordinator phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	TxOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playervault_tx_outcomes_total",
			Help: "Total number of transactions by outcome",
		},
		[]string{"outcome"},
	)

	// Shard manager
	ShardOrphansQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "playervault_shard_orphans_queued",
			Help: "Number of shard documents queued for garbage collection",
		},
	)

	ShardOrphansDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playervault_shard_orphans_deleted_total",
			Help: "Total number of orphaned shard documents successfully deleted",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsByState,
		LoadDuration,
		QueueDepth,
		OperationsTotal,
		FastPathTotal,
		LockAcquireDuration,
		LockRefreshTotal,
		LocksLost,
		BackoffRetriesTotal,
		TxPhaseDuration,
		TxOutcomesTotal,
		ShardOrphansQueued,
		ShardOrphansDeleted,
	)
}

// Handler returns the Prometheus HTTP handler, for a host process that
// wants to mount /metrics; the session engine itself never listens on a
// socket.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
