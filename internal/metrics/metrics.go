// Package metrics exposes the Prometheus metrics the replication engine
// records, following the teacher's promauto package-level registration style
// (internal/metrics, pkg/metrics) rather than a hand-rolled registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchDuration tracks how long one replication-set run (fetch through
	// apply, across every destination) takes, labelled by outcome.
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replicator",
			Name:      "batch_duration_seconds",
			Help:      "Duration of one replication set run",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"replication_set", "outcome"},
	)

	// RowsApplied counts rows written to a destination, by operation.
	RowsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replicator",
			Name:      "rows_applied_total",
			Help:      "Total rows applied to a destination by operation",
		},
		[]string{"destination", "table", "operation"},
	)

	// ForeignKeyDeferrals counts changes whose apply was deferred by the FK
	// deferral planner (internal/planner) because their referenced row was
	// still pending in the same batch.
	ForeignKeyDeferrals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replicator",
			Name:      "fk_deferrals_total",
			Help:      "Total changes deferred by the foreign key deferral planner",
		},
		[]string{"table", "constraint"},
	)

	// HistoryGaps counts fatal or repopulation-triggering history gaps
	// detected by the change fetcher (internal/changefeed).
	HistoryGaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replicator",
			Name:      "history_gaps_total",
			Help:      "Total change-history gaps detected, by whether repopulation was allowed",
		},
		[]string{"table", "outcome"},
	)

	// DestinationVersion reports the last version each destination has
	// confirmed, for dashboards comparing lag across destinations.
	DestinationVersion = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "replicator",
			Name:      "destination_version",
			Help:      "Last confirmed change-tracking version per destination",
		},
		[]string{"destination"},
	)

	// SyncedTotal counts `Synced` notifications (spec §6) emitted per
	// replication set; internal/daemon.emitSynced increments it alongside
	// its send on the in-process chan SyncEvent.
	SyncedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replicator",
			Name:      "synced_total",
			Help:      "Total Synced notifications emitted per replication set",
		},
		[]string{"replication_set"},
	)
)

// RetryMetrics tracks internal/retry's connection-backoff attempts,
// adapted from the teacher's pkg/metrics.RetryMetrics. A nil *RetryMetrics
// is safe to call methods on (every method is a no-op), matching how
// internal/retry.Policy treats an unset Metrics field.
type RetryMetrics struct {
	AttemptsTotal      *prometheus.CounterVec
	BackoffSeconds     *prometheus.HistogramVec
	FinalAttemptsTotal *prometheus.HistogramVec
}

// NewRetryMetrics registers and returns the connection-retry metrics.
func NewRetryMetrics() *RetryMetrics {
	return &RetryMetrics{
		AttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "replicator",
				Subsystem: "connection_retry",
				Name:      "attempts_total",
				Help:      "Total connection retry attempts by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		BackoffSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "replicator",
				Subsystem: "connection_retry",
				Name:      "backoff_seconds",
				Help:      "Backoff delay before a connection retry attempt",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"operation"},
		),
		FinalAttemptsTotal: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "replicator",
				Subsystem: "connection_retry",
				Name:      "final_attempts_total",
				Help:      "Number of attempts until final success or failure",
				Buckets:   []float64{1, 2, 3, 4, 5, 10},
			},
			[]string{"operation", "outcome"},
		),
	}
}

func (m *RetryMetrics) RecordAttempt(operation, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *RetryMetrics) RecordBackoff(operation string, delaySeconds float64) {
	if m == nil {
		return
	}
	m.BackoffSeconds.WithLabelValues(operation).Observe(delaySeconds)
}

func (m *RetryMetrics) RecordFinalAttempt(operation, outcome string, attempts int) {
	if m == nil {
		return
	}
	m.FinalAttemptsTotal.WithLabelValues(operation, outcome).Observe(float64(attempts))
}
