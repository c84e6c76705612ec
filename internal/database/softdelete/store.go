// Package softdelete implements logical deletion for governed tables.
// A soft-deleted row keeps its data and history; it is hidden from active
// queries until restored or purged by the retention cleanup.
package softdelete

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/mrlokans/circulation/internal/database/versioned"
)

// ErrReferenced is returned by typed repositories that refuse to purge a row
// other records still depend on.
var ErrReferenced = errors.New("record is still referenced")

// SoftDeleteError wraps a storage failure of a soft-delete operation.
type SoftDeleteError struct {
	Op    string
	Table string
	ID    uint
	Err   error
}

func (e *SoftDeleteError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("%s %s %d: %v", e.Op, e.Table, e.ID, e.Err)
}

func (e *SoftDeleteError) Unwrap() error {
	return e.Err
}

// Scope narrows a query; used for active filters and cleanup guards.
type Scope = func(*gorm.DB) *gorm.DB

// NotDeleted restricts a query to active rows.
func NotDeleted(db *gorm.DB) *gorm.DB {
	return db.Where("is_deleted = ?", false)
}

// OnlyDeleted restricts a query to soft-deleted rows.
func OnlyDeleted(db *gorm.DB) *gorm.DB {
	return db.Where("is_deleted = ?", true)
}

type Store[T versioned.Record] struct {
	db     *gorm.DB
	table  string
	now    func() time.Time
	logger *slog.Logger
}

func NewStore[T versioned.Record](db *gorm.DB) *Store[T] {
	var zero T
	return &Store[T]{
		db:     db,
		table:  zero.TableName(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default().With(slog.String("component", "softdelete"), slog.String("table", zero.TableName())),
	}
}

// WithTx returns a copy of the store bound to tx.
func (s *Store[T]) WithTx(tx *gorm.DB) *Store[T] {
	c := *s
	c.db = tx
	return &c
}

// WithClock returns a copy of the store that reads time from now.
func (s *Store[T]) WithClock(now func() time.Time) *Store[T] {
	c := *s
	c.now = now
	return &c
}

func (s *Store[T]) wrap(op string, id uint, err error) error {
	return &SoftDeleteError{Op: op, Table: s.table, ID: id, Err: err}
}

// SoftDelete marks an active row deleted. It returns false if the row is
// missing, already deleted, or fails one of the guards.
func (s *Store[T]) SoftDelete(ctx context.Context, id uint, actorID uint, reason string, guards ...Scope) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).
		Model(new(T)).
		Scopes(guards...).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]any{
			"is_deleted":    true,
			"deleted_at":    now,
			"deleted_by":    actor(actorID),
			"delete_reason": text(reason),
			"version":       gorm.Expr("version + 1"),
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, s.wrap("soft delete", id, res.Error)
	}
	if res.RowsAffected == 1 {
		s.logger.InfoContext(ctx, "soft deleted", slog.Uint64("id", uint64(id)), slog.Uint64("actor", uint64(actorID)))
	}
	return res.RowsAffected == 1, nil
}

// Restore clears the deletion marker of a soft-deleted row. It returns false
// if the row is missing or not deleted.
func (s *Store[T]) Restore(ctx context.Context, id uint, actorID uint) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(new(T)).
		Where("id = ? AND is_deleted = ?", id, true).
		Updates(map[string]any{
			"is_deleted":    false,
			"deleted_at":    nil,
			"deleted_by":    nil,
			"delete_reason": nil,
			"version":       gorm.Expr("version + 1"),
			"updated_at":    s.now(),
		})
	if res.Error != nil {
		return false, s.wrap("restore", id, res.Error)
	}
	if res.RowsAffected == 1 {
		s.logger.InfoContext(ctx, "restored", slog.Uint64("id", uint64(id)), slog.Uint64("actor", uint64(actorID)))
	}
	return res.RowsAffected == 1, nil
}

// HardDelete removes the row. Without guards the delete is unconditional;
// guards are evaluated in the same DELETE statement, so a referential check
// passed as a guard cannot be raced by a concurrent writer.
func (s *Store[T]) HardDelete(ctx context.Context, id uint, guards ...Scope) (bool, error) {
	res := s.db.WithContext(ctx).Scopes(guards...).Where("id = ?", id).Delete(new(T))
	if res.Error != nil {
		return false, s.wrap("hard delete", id, res.Error)
	}
	if res.RowsAffected == 1 {
		s.logger.WarnContext(ctx, "hard deleted", slog.Uint64("id", uint64(id)))
	}
	return res.RowsAffected == 1, nil
}

// BatchSoftDelete soft-deletes every active row in ids that passes the
// guards and returns how many rows changed.
func (s *Store[T]) BatchSoftDelete(ctx context.Context, ids []uint, actorID uint, reason string, guards ...Scope) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.now()
	res := s.db.WithContext(ctx).
		Model(new(T)).
		Scopes(guards...).
		Where("id IN ? AND is_deleted = ?", ids, false).
		Updates(map[string]any{
			"is_deleted":    true,
			"deleted_at":    now,
			"deleted_by":    actor(actorID),
			"delete_reason": text(reason),
			"version":       gorm.Expr("version + 1"),
			"updated_at":    now,
		})
	if res.Error != nil {
		return 0, s.wrap("batch soft delete", 0, res.Error)
	}
	s.logger.InfoContext(ctx, "batch soft deleted", slog.Int("requested", len(ids)), slog.Int64("deleted", res.RowsAffected))
	return res.RowsAffected, nil
}

// Active loads an active row.
func (s *Store[T]) Active(ctx context.Context, id uint) (*T, error) {
	return s.find(ctx, id, NotDeleted)
}

// IncludingDeleted loads a row whether or not it is soft-deleted.
func (s *Store[T]) IncludingDeleted(ctx context.Context, id uint) (*T, error) {
	return s.find(ctx, id)
}

func (s *Store[T]) find(ctx context.Context, id uint, scopes ...Scope) (*T, error) {
	var out T
	err := s.db.WithContext(ctx).Scopes(scopes...).Where("id = ?", id).Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s %d", versioned.ErrRecordNotFound, s.table, id)
	}
	if err != nil {
		return nil, s.wrap("load", id, err)
	}
	return &out, nil
}

// ListDeleted returns soft-deleted rows, most recently deleted first, and the
// total number of soft-deleted rows.
func (s *Store[T]) ListDeleted(ctx context.Context, limit, offset int) ([]T, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(new(T)).Scopes(OnlyDeleted).Count(&total).Error; err != nil {
		return nil, 0, s.wrap("count deleted", 0, err)
	}

	var rows []T
	query := s.db.WithContext(ctx).Scopes(OnlyDeleted).Order("deleted_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, 0, s.wrap("list deleted", 0, err)
	}
	return rows, total, nil
}

// CleanupExpired purges rows soft-deleted longer than retention ago. Guards
// add conditions a row must also meet to be purged.
func (s *Store[T]) CleanupExpired(ctx context.Context, retention time.Duration, guards ...Scope) (int64, error) {
	cutoff := s.now().Add(-retention)
	res := s.db.WithContext(ctx).
		Scopes(OnlyDeleted).
		Scopes(guards...).
		Where("deleted_at < ?", cutoff).
		Delete(new(T))
	if res.Error != nil {
		return 0, s.wrap("cleanup", 0, res.Error)
	}
	s.logger.InfoContext(ctx, "purged expired soft deletes",
		slog.Duration("retention", retention),
		slog.Int64("deleted", res.RowsAffected))
	return res.RowsAffected, nil
}

func actor(id uint) any {
	if id == 0 {
		return nil
	}
	return id
}

func text(s string) any {
	if s == "" {
		return nil
	}
	return s
}
