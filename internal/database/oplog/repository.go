// Package oplog persists operation intent entries. Status transitions are
// guarded in SQL so an entry leaves pending exactly once.
package oplog

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/mrlokans/circulation/internal/entities"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(ctx context.Context, entry *entities.OperationLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// Get returns the entry for operationID, or nil if there is none.
func (r *Repository) Get(ctx context.Context, operationID string) (*entities.OperationLog, error) {
	var entry entities.OperationLog
	err := r.db.WithContext(ctx).Where("operation_id = ?", operationID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Transition moves a pending entry to status, applying extra columns.
// It returns false if the entry is missing or no longer pending.
func (r *Repository) Transition(ctx context.Context, operationID string, status entities.OperationStatus, fields map[string]any) (bool, error) {
	values := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		values[k] = v
	}
	values["status"] = status

	res := r.db.WithContext(ctx).
		Model(&entities.OperationLog{}).
		Where("operation_id = ? AND status = ?", operationID, entities.OperationPending).
		Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FailStale marks up to limit pending entries created before cutoff as
// failed, oldest first.
func (r *Repository) FailStale(ctx context.Context, cutoff time.Time, limit int, message string) (int64, error) {
	stale := r.db.Model(&entities.OperationLog{}).
		Select("id").
		Where("status = ? AND created_at < ?", entities.OperationPending, cutoff).
		Order("created_at ASC").
		Limit(limit)

	res := r.db.WithContext(ctx).
		Model(&entities.OperationLog{}).
		Where("id IN (?) AND status = ?", stale, entities.OperationPending).
		Updates(map[string]any{
			"status":        entities.OperationFailed,
			"error_message": message,
		})
	return res.RowsAffected, res.Error
}

// DeleteTerminalBefore purges committed, rolled back and failed entries
// created before cutoff. Pending entries are never purged.
func (r *Repository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status <> ? AND created_at < ?", entities.OperationPending, cutoff).
		Delete(&entities.OperationLog{})
	return res.RowsAffected, res.Error
}

// List returns entries newest first, optionally filtered by status.
func (r *Repository) List(ctx context.Context, status entities.OperationStatus, limit, offset int) ([]entities.OperationLog, int64, error) {
	query := r.db.WithContext(ctx).Model(&entities.OperationLog{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var entries []entities.OperationLog
	err := query.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&entries).Error
	return entries, total, err
}
