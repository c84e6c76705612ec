// Package oplog records the intent of every state-changing workflow before it
// runs and its outcome after. It is a crash-visible intent log: an entry left
// pending means the process died or lost the outcome, and the recovery sweep
// eventually marks it failed. It does not coordinate distributed commits.
package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mrlokans/circulation/internal/actor"
	oplogdb "github.com/mrlokans/circulation/internal/database/oplog"
	"github.com/mrlokans/circulation/internal/entities"
	"github.com/mrlokans/circulation/internal/metrics"
	"github.com/mrlokans/circulation/internal/retry"
)

const (
	DefaultRecoveryThreshold = 24 * time.Hour
	DefaultRecoveryBatch     = 100
	DefaultMaxRetries        = 3
)

// DefaultBackoff is the delay schedule between operation retries.
var DefaultBackoff = retry.Exponential(time.Second, 2, 10*time.Second)

// OperationLogError is returned when the intent log itself cannot be written.
// The surrounding workflow must not proceed without its intent entry.
type OperationLogError struct {
	Op          string
	OperationID string
	Err         error
}

func (e *OperationLogError) Error() string {
	return fmt.Sprintf("operation log %s %s: %v", e.Op, e.OperationID, e.Err)
}

func (e *OperationLogError) Unwrap() error {
	return e.Err
}

// Intent describes a mutation about to run. Old and New are snapshots that
// are serialized once and stored opaquely.
type Intent struct {
	Table    string
	RecordID uint
	Type     entities.OperationType
	Old      any
	New      any
	ActorID  uint
}

type Config struct {
	RecoveryThreshold time.Duration
	RecoveryBatch     int
	MaxRetries        int
}

type Journal struct {
	repo    *oplogdb.Repository
	cfg     Config
	now     func() time.Time
	sleep   retry.Sleeper
	backoff retry.Backoff
	logger  *slog.Logger
}

func NewJournal(repo *oplogdb.Repository, cfg Config) *Journal {
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = DefaultRecoveryThreshold
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = DefaultRecoveryBatch
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Journal{
		repo:    repo,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   retry.Sleep,
		backoff: DefaultBackoff,
		logger:  slog.Default().With(slog.String("component", "oplog")),
	}
}

// WithClock returns a copy of the journal that reads time from now.
func (j *Journal) WithClock(now func() time.Time) *Journal {
	c := *j
	c.now = now
	return &c
}

// WithSleeper returns a copy of the journal that waits between retries with sleep.
func (j *Journal) WithSleeper(sleep retry.Sleeper) *Journal {
	c := *j
	c.sleep = sleep
	return &c
}

// MaxRetries is the configured retry budget for Retry callers.
func (j *Journal) MaxRetries() int {
	return j.cfg.MaxRetries
}

// NewOperationID returns a fresh operation id, independent of any storage id.
func NewOperationID() string {
	return "op_" + uuid.NewString()
}

// Begin writes a pending entry for intent and returns its operation id.
func (j *Journal) Begin(ctx context.Context, intent Intent) (string, error) {
	opID := NewOperationID()

	oldData, err := snapshot(intent.Old)
	if err != nil {
		return "", &OperationLogError{Op: "begin", OperationID: opID, Err: err}
	}
	newData, err := snapshot(intent.New)
	if err != nil {
		return "", &OperationLogError{Op: "begin", OperationID: opID, Err: err}
	}

	actorID := intent.ActorID
	if actorID == 0 {
		actorID = actor.ID(ctx)
	}

	entry := &entities.OperationLog{
		OperationID:   opID,
		Table:         intent.Table,
		OperationType: intent.Type,
		OldData:       oldData,
		NewData:       newData,
		Status:        entities.OperationPending,
		CreatedAt:     j.now(),
	}
	if intent.RecordID != 0 {
		id := intent.RecordID
		entry.RecordID = &id
	}
	if actorID != 0 {
		entry.CreatedBy = &actorID
	}

	if err := j.repo.Insert(ctx, entry); err != nil {
		j.logger.ErrorContext(ctx, "failed to begin operation",
			slog.String("operation_id", opID),
			slog.String("table", intent.Table),
			slog.Any("error", err))
		return "", &OperationLogError{Op: "begin", OperationID: opID, Err: err}
	}

	metrics.OperationLogEntries.WithLabelValues(string(entities.OperationPending)).Inc()
	j.logger.DebugContext(ctx, "operation begun",
		slog.String("operation_id", opID),
		slog.String("table", intent.Table),
		slog.String("type", string(intent.Type)))
	return opID, nil
}

// Commit marks a pending entry committed.
func (j *Journal) Commit(ctx context.Context, opID string) error {
	return j.finish(ctx, opID, entities.OperationCommitted, map[string]any{
		"committed_at": j.now(),
	})
}

// Rollback marks a pending entry rolled back with the failure message.
func (j *Journal) Rollback(ctx context.Context, opID, message string) error {
	return j.finish(ctx, opID, entities.OperationRolledBack, map[string]any{
		"rolled_back_at": j.now(),
		"error_message":  message,
	})
}

// MarkFailed marks a pending entry failed with the failure message.
func (j *Journal) MarkFailed(ctx context.Context, opID, message string) error {
	return j.finish(ctx, opID, entities.OperationFailed, map[string]any{
		"error_message": message,
	})
}

// finish applies a one-way transition out of pending. Missing or already
// terminal entries are logged and ignored.
func (j *Journal) finish(ctx context.Context, opID string, status entities.OperationStatus, fields map[string]any) error {
	ok, err := j.repo.Transition(ctx, opID, status, fields)
	if err != nil {
		j.logger.ErrorContext(ctx, "failed to record operation outcome",
			slog.String("operation_id", opID),
			slog.String("status", string(status)),
			slog.Any("error", err))
		return &OperationLogError{Op: string(status), OperationID: opID, Err: err}
	}
	if !ok {
		j.logger.WarnContext(ctx, "operation not pending, outcome ignored",
			slog.String("operation_id", opID),
			slog.String("status", string(status)))
		return nil
	}
	metrics.OperationLogEntries.WithLabelValues(string(status)).Inc()
	return nil
}

// Get returns the entry for opID, or nil if it does not exist.
func (j *Journal) Get(ctx context.Context, opID string) (*entities.OperationLog, error) {
	return j.repo.Get(ctx, opID)
}

// List returns entries newest first, optionally filtered by status.
func (j *Journal) List(ctx context.Context, status entities.OperationStatus, limit, offset int) ([]entities.OperationLog, int64, error) {
	return j.repo.List(ctx, status, limit, offset)
}

// RecoverPending fails pending entries older than the recovery threshold,
// at most maxBatch per call. It returns how many entries were failed.
func (j *Journal) RecoverPending(ctx context.Context, maxBatch int) (int64, error) {
	if maxBatch <= 0 {
		maxBatch = j.cfg.RecoveryBatch
	}
	cutoff := j.now().Add(-j.cfg.RecoveryThreshold)
	message := fmt.Sprintf("operation timed out: pending longer than %s", j.cfg.RecoveryThreshold)

	n, err := j.repo.FailStale(ctx, cutoff, maxBatch, message)
	if err != nil {
		return 0, &OperationLogError{Op: "recover", Err: err}
	}
	if n > 0 {
		metrics.OperationLogEntries.WithLabelValues(string(entities.OperationFailed)).Add(float64(n))
		j.logger.WarnContext(ctx, "failed stale pending operations",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff))
	}
	return n, nil
}

// CleanupExpired purges terminal entries older than retention.
func (j *Journal) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := j.now().Add(-retention)
	n, err := j.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, &OperationLogError{Op: "cleanup", Err: err}
	}
	j.logger.InfoContext(ctx, "cleaned up operation log",
		slog.Duration("retention", retention),
		slog.Int64("deleted", n))
	return n, nil
}

func snapshot(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(b), nil
}
