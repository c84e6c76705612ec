package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mikestefanello/backlite"

	"github.com/mrlokans/circulation/internal/metrics"
)

const (
	QueueCleanupAuditLogs     = "cleanup_audit_logs"
	QueueCleanupOperationLogs = "cleanup_operation_logs"
	QueueCleanupSoftDeletes   = "cleanup_soft_deletes"
	QueueRecoverOperations    = "recover_pending_operations"
)

const day = 24 * time.Hour

// retention keeps finished tasks for a day and the payload of failed ones.
func retention() *backlite.Retention {
	return &backlite.Retention{
		Duration:   day,
		OnlyFailed: false,
		Data:       &backlite.RetainData{OnlyFailed: true},
	}
}

// AuditCleaner deletes audit rows older than the retention period.
type AuditCleaner interface {
	CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error)
}

// OperationLogMaintainer expires and recovers operation log entries.
type OperationLogMaintainer interface {
	CleanupExpired(ctx context.Context, retention time.Duration) (int64, error)
	RecoverPending(ctx context.Context, maxBatch int) (int64, error)
}

// Purger hard-deletes rows soft-deleted longer than retention ago.
type Purger interface {
	CleanupExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// CleanupAuditLogsTask removes audit rows older than RetentionDays.
type CleanupAuditLogsTask struct {
	RetentionDays int `json:"retention_days"`
}

func (t CleanupAuditLogsTask) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        QueueCleanupAuditLogs,
		MaxAttempts: 3,
		Backoff:     5 * time.Minute,
		Timeout:     2 * time.Minute,
		Retention:   retention(),
	}
}

// CleanupOperationLogsTask removes finished operation log entries older than
// RetentionDays. Pending entries are left to the recovery sweep.
type CleanupOperationLogsTask struct {
	RetentionDays int `json:"retention_days"`
}

func (t CleanupOperationLogsTask) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        QueueCleanupOperationLogs,
		MaxAttempts: 3,
		Backoff:     5 * time.Minute,
		Timeout:     2 * time.Minute,
		Retention:   retention(),
	}
}

// CleanupSoftDeletesTask purges rows soft-deleted more than RetentionDays ago.
type CleanupSoftDeletesTask struct {
	RetentionDays int `json:"retention_days"`
}

func (t CleanupSoftDeletesTask) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        QueueCleanupSoftDeletes,
		MaxAttempts: 3,
		Backoff:     5 * time.Minute,
		Timeout:     5 * time.Minute,
		Retention:   retention(),
	}
}

// RecoverPendingOperationsTask fails operation log entries left pending past
// the recovery threshold, at most MaxBatch per run.
type RecoverPendingOperationsTask struct {
	MaxBatch int `json:"max_batch,omitempty"`
}

func (t RecoverPendingOperationsTask) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        QueueRecoverOperations,
		MaxAttempts: 1,
		Backoff:     time.Minute,
		Timeout:     2 * time.Minute,
		Retention:   retention(),
	}
}

func logger() *slog.Logger {
	return slog.Default().With(slog.String("component", "tasks"))
}

func observe(job string, err error) {
	metrics.MaintenanceRuns.WithLabelValues(job, metrics.Result(err)).Inc()
}

func CleanupAuditLogsProcessor(cleaner AuditCleaner, defaultDays int) backlite.QueueProcessor[CleanupAuditLogsTask] {
	return func(ctx context.Context, task CleanupAuditLogsTask) (err error) {
		defer func() { observe(QueueCleanupAuditLogs, err) }()
		if cleaner == nil {
			return fmt.Errorf("audit cleaner not configured")
		}

		days := task.RetentionDays
		if days <= 0 {
			days = defaultDays
		}
		deleted, err := cleaner.CleanupOldLogs(ctx, days)
		if err != nil {
			return fmt.Errorf("cleanup audit logs: %w", err)
		}
		logger().InfoContext(ctx, "cleaned up audit logs",
			slog.Int64("deleted", deleted),
			slog.Int("retention_days", days))
		return nil
	}
}

func CleanupOperationLogsProcessor(journal OperationLogMaintainer, defaultDays int) backlite.QueueProcessor[CleanupOperationLogsTask] {
	return func(ctx context.Context, task CleanupOperationLogsTask) (err error) {
		defer func() { observe(QueueCleanupOperationLogs, err) }()
		if journal == nil {
			return fmt.Errorf("operation log not configured")
		}

		days := task.RetentionDays
		if days <= 0 {
			days = defaultDays
		}
		deleted, err := journal.CleanupExpired(ctx, time.Duration(days)*day)
		if err != nil {
			return fmt.Errorf("cleanup operation logs: %w", err)
		}
		logger().InfoContext(ctx, "cleaned up operation logs",
			slog.Int64("deleted", deleted),
			slog.Int("retention_days", days))
		return nil
	}
}

// CleanupSoftDeletesProcessor purges every table in purgers. A failing table
// does not stop the others; the joined error fails the task.
func CleanupSoftDeletesProcessor(purgers map[string]Purger, defaultDays int) backlite.QueueProcessor[CleanupSoftDeletesTask] {
	return func(ctx context.Context, task CleanupSoftDeletesTask) (err error) {
		defer func() { observe(QueueCleanupSoftDeletes, err) }()

		days := task.RetentionDays
		if days <= 0 {
			days = defaultDays
		}
		var errs []error
		for table, purger := range purgers {
			purged, err := purger.CleanupExpired(ctx, time.Duration(days)*day)
			if err != nil {
				errs = append(errs, fmt.Errorf("purge %s: %w", table, err))
				continue
			}
			logger().InfoContext(ctx, "purged expired soft deletes",
				slog.String("table", table),
				slog.Int64("purged", purged),
				slog.Int("retention_days", days))
		}
		return errors.Join(errs...)
	}
}

func RecoverPendingOperationsProcessor(journal OperationLogMaintainer, defaultBatch int) backlite.QueueProcessor[RecoverPendingOperationsTask] {
	return func(ctx context.Context, task RecoverPendingOperationsTask) (err error) {
		defer func() { observe(QueueRecoverOperations, err) }()
		if journal == nil {
			return fmt.Errorf("operation log not configured")
		}

		batch := task.MaxBatch
		if batch <= 0 {
			batch = defaultBatch
		}
		failed, err := journal.RecoverPending(ctx, batch)
		if err != nil {
			return fmt.Errorf("recover pending operations: %w", err)
		}
		if failed > 0 {
			logger().WarnContext(ctx, "failed stale pending operations", slog.Int64("count", failed))
		}
		return nil
	}
}

// Maintainers are the components the maintenance queues act on.
type Maintainers struct {
	Audit        AuditCleaner
	OperationLog OperationLogMaintainer
	SoftDeletes  map[string]Purger

	AuditRetentionDays      int
	OperationRetentionDays  int
	SoftDeleteRetentionDays int
	RecoveryBatch           int
}

// Queues returns the maintenance queues wired to m.
func (m Maintainers) Queues() []backlite.Queue {
	return []backlite.Queue{
		backlite.NewQueue(CleanupAuditLogsProcessor(m.Audit, m.AuditRetentionDays)),
		backlite.NewQueue(CleanupOperationLogsProcessor(m.OperationLog, m.OperationRetentionDays)),
		backlite.NewQueue(CleanupSoftDeletesProcessor(m.SoftDeletes, m.SoftDeleteRetentionDays)),
		backlite.NewQueue(RecoverPendingOperationsProcessor(m.OperationLog, m.RecoveryBatch)),
	}
}

// Params override the defaults of a maintenance task. Zero fields keep the
// processor defaults.
type Params struct {
	RetentionDays int `json:"retention_days,omitempty" form:"retention_days"`
	MaxBatch      int `json:"max_batch,omitempty" form:"max_batch"`
}

// Task builds a maintenance task by queue name.
func Task(queue string, p Params) (backlite.Task, error) {
	switch queue {
	case QueueCleanupAuditLogs:
		return CleanupAuditLogsTask{RetentionDays: p.RetentionDays}, nil
	case QueueCleanupOperationLogs:
		return CleanupOperationLogsTask{RetentionDays: p.RetentionDays}, nil
	case QueueCleanupSoftDeletes:
		return CleanupSoftDeletesTask{RetentionDays: p.RetentionDays}, nil
	case QueueRecoverOperations:
		return RecoverPendingOperationsTask{MaxBatch: p.MaxBatch}, nil
	default:
		return nil, fmt.Errorf("unknown task type: %s", queue)
	}
}

// Descriptions lists the maintenance queue names with a short description each.
var Descriptions = []struct {
	Queue       string
	Description string
}{
	{QueueCleanupAuditLogs, "Delete audit log rows older than the retention period"},
	{QueueCleanupOperationLogs, "Delete finished operation log entries older than the retention period"},
	{QueueCleanupSoftDeletes, "Purge books, readers and closed loan records soft-deleted longer than the retention period"},
	{QueueRecoverOperations, "Mark operations left pending past the recovery threshold as failed"},
}
