// Package versioned implements optimistic concurrency checks for governed
// tables. Every write names the version it was computed against and succeeds
// only if the row still carries that version, bumping it by one.
package versioned

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mrlokans/circulation/internal/metrics"
	"github.com/mrlokans/circulation/internal/retry"
)

// Record is a model with a fixed table; the set of stores is closed over the
// model types compiled into the program.
type Record interface {
	TableName() string
}

// DefaultBackoff is the delay schedule between conflicting write attempts.
var DefaultBackoff = retry.Linear(100 * time.Millisecond)

// Bounds restricts the post-adjustment value of a numeric column. A nil end
// is unbounded.
type Bounds struct {
	Min *int64
	Max *int64
}

func Between(min, max int64) Bounds {
	return Bounds{Min: &min, Max: &max}
}

func AtLeast(min int64) Bounds {
	return Bounds{Min: &min}
}

// protected columns are never taken from caller-supplied field maps.
var protected = map[string]struct{}{
	"id":         {},
	"version":    {},
	"created_at": {},
}

type Store[T Record] struct {
	db      *gorm.DB
	table   string
	numeric map[string]struct{}
	now     func() time.Time
	sleep   retry.Sleeper
	backoff retry.Backoff
	logger  *slog.Logger
}

// NewStore returns a store for T. numericColumns lists the columns
// AdjustNumeric may touch.
func NewStore[T Record](db *gorm.DB, numericColumns ...string) *Store[T] {
	var zero T
	numeric := make(map[string]struct{}, len(numericColumns))
	for _, c := range numericColumns {
		numeric[c] = struct{}{}
	}
	return &Store[T]{
		db:      db,
		table:   zero.TableName(),
		numeric: numeric,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   retry.Sleep,
		backoff: DefaultBackoff,
		logger:  slog.Default().With(slog.String("component", "versioned"), slog.String("table", zero.TableName())),
	}
}

// WithTx returns a copy of the store bound to tx.
func (s *Store[T]) WithTx(tx *gorm.DB) *Store[T] {
	c := *s
	c.db = tx
	return &c
}

// WithSleeper returns a copy of the store that waits between retries with sleep.
func (s *Store[T]) WithSleeper(sleep retry.Sleeper) *Store[T] {
	c := *s
	c.sleep = sleep
	return &c
}

// WithClock returns a copy of the store that stamps updated_at from now.
func (s *Store[T]) WithClock(now func() time.Time) *Store[T] {
	c := *s
	c.now = now
	return &c
}

func (s *Store[T]) Table() string {
	return s.table
}

// ConditionalUpdate applies fields to row id only if its version equals
// expectedVersion. A false result means the row changed or does not exist;
// callers re-read to tell the two apart.
func (s *Store[T]) ConditionalUpdate(ctx context.Context, id uint, fields map[string]any, expectedVersion int64) (bool, error) {
	values := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		if _, skip := protected[k]; skip {
			continue
		}
		values[k] = v
	}
	values["version"] = gorm.Expr("version + 1")
	values["updated_at"] = s.now()

	res := s.db.WithContext(ctx).
		Model(new(T)).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("conditional update of %s %d: %w", s.table, id, res.Error)
	}
	if res.RowsAffected != 1 {
		metrics.VersionConflicts.WithLabelValues(s.table).Inc()
		return false, nil
	}
	return true, nil
}

// CurrentVersion reads the version of row id, including soft-deleted rows.
func (s *Store[T]) CurrentVersion(ctx context.Context, id uint) (int64, bool, error) {
	var versions []int64
	err := s.db.WithContext(ctx).
		Model(new(T)).
		Where("id = ?", id).
		Limit(1).
		Pluck("version", &versions).Error
	if err != nil {
		return 0, false, fmt.Errorf("read version of %s %d: %w", s.table, id, err)
	}
	if len(versions) == 0 {
		return 0, false, nil
	}
	return versions[0], true, nil
}

// AdjustNumeric adds delta to column in a single statement guarded by the
// expected version and by bounds on the resulting value. Nothing changes
// unless every condition holds.
func (s *Store[T]) AdjustNumeric(ctx context.Context, id uint, column string, delta int64, expectedVersion int64, bounds Bounds) (bool, error) {
	if _, ok := s.numeric[column]; !ok {
		return false, fmt.Errorf("%w: %s.%s", ErrColumnNotAdjustable, s.table, column)
	}
	col := clause.Column{Name: column}

	q := s.db.WithContext(ctx).
		Model(new(T)).
		Where("id = ? AND version = ?", id, expectedVersion)
	if bounds.Min != nil {
		q = q.Where("? + ? >= ?", col, delta, *bounds.Min)
	}
	if bounds.Max != nil {
		q = q.Where("? + ? <= ?", col, delta, *bounds.Max)
	}

	res := q.Updates(map[string]any{
		column:       gorm.Expr("? + ?", col, delta),
		"version":    gorm.Expr("version + 1"),
		"updated_at": s.now(),
	})
	if res.Error != nil {
		return false, fmt.Errorf("adjust %s.%s for %d: %w", s.table, column, id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Refresh re-derives the fields for the next attempt of a retried update.
type Refresh func(ctx context.Context) (map[string]any, error)

// RetryConditionalUpdate reads the current version and applies fields,
// retrying on conflict with linear backoff. It returns the version the row
// carries after the write.
func (s *Store[T]) RetryConditionalUpdate(ctx context.Context, id uint, fields map[string]any, maxAttempts int, refresh Refresh) (int64, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		version, found, err := s.CurrentVersion(ctx, id)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, fmt.Errorf("%w: %s %d", ErrRecordNotFound, s.table, id)
		}

		ok, err := s.ConditionalUpdate(ctx, id, fields, version)
		if err != nil {
			return 0, err
		}
		if ok {
			return version + 1, nil
		}
		if attempt == maxAttempts {
			break
		}

		if refresh != nil {
			if fields, err = refresh(ctx); err != nil {
				return 0, fmt.Errorf("refresh %s %d before retry: %w", s.table, id, err)
			}
		}

		delay := s.backoff(attempt)
		s.logger.InfoContext(ctx, "version conflict, retrying",
			slog.Uint64("id", uint64(id)),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxAttempts),
			slog.Duration("delay", delay))
		if err := s.sleep(ctx, delay); err != nil {
			return 0, err
		}
	}

	s.logger.WarnContext(ctx, "version conflict retries exhausted",
		slog.Uint64("id", uint64(id)),
		slog.Int("attempts", maxAttempts))
	return 0, &OptimisticLockError{Table: s.table, ID: id, Attempts: maxAttempts}
}
