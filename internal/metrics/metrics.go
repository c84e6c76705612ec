// Package metrics registers the Prometheus collectors for the circulation core.
// Collectors are package-level and updated from the layers that own the events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Consistency metrics
var (
	// VersionConflicts counts conditional writes rejected by a version mismatch.
	VersionConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circulation_version_conflicts_total",
			Help: "Conditional writes rejected because the row version changed",
		},
		[]string{"table"},
	)

	// OperationLogEntries counts intent log transitions by resulting status.
	OperationLogEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circulation_operation_log_entries_total",
			Help: "Operation log entries by status transition",
		},
		[]string{"status"},
	)

	// AuditFlushes counts audit batch flushes by result.
	AuditFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circulation_audit_flushes_total",
			Help: "Audit trail batch flushes",
		},
		[]string{"result"},
	)

	// AuditBuffered is the number of audit entries waiting to be flushed.
	AuditBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "circulation_audit_buffered_entries",
			Help: "Audit entries buffered in memory",
		},
	)
)

// Business metrics
var (
	// LoanTransitions counts borrowing workflow outcomes.
	LoanTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circulation_loan_transitions_total",
			Help: "Borrowing workflow transitions",
		},
		[]string{"transition", "result"},
	)

	// CategoryCacheLookups counts reader category lookups by cache result.
	CategoryCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circulation_category_cache_lookups_total",
			Help: "Reader category lookups by cache result",
		},
		[]string{"result"},
	)

	// MaintenanceRuns counts background maintenance jobs.
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circulation_maintenance_runs_total",
			Help: "Background maintenance job executions",
		},
		[]string{"job", "result"},
	)
)

// Result converts an error into the result label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
