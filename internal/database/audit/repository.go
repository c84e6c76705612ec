package audit

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/mrlokans/circulation/internal/entities"
)

const (
	defaultPageSize = 50
	topN            = 5
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Filter narrows audit queries. Zero fields are ignored.
type Filter struct {
	UserID   *uint
	Action   entities.AuditAction
	Table    string
	RecordID *uint
	From     time.Time
	To       time.Time
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int64  `json:"count"`
}

type TableCount struct {
	TableName string `json:"table_name"`
	Count     int64  `json:"count"`
}

// ActivityStats summarizes one user's audit trail.
type ActivityStats struct {
	TotalActions    int64            `json:"total_actions"`
	ActionBreakdown map[string]int64 `json:"action_breakdown"`
	DailyActivity   []DailyCount     `json:"daily_activity"`
}

// Overview summarizes system-wide audit activity.
type Overview struct {
	TotalLogs   int64         `json:"total_logs"`
	ActiveUsers int64         `json:"active_users"`
	TopActions  []ActionCount `json:"top_actions"`
	TopTables   []TableCount  `json:"top_tables"`
}

// InsertBatch writes entries in order inside one transaction; either all rows
// land or none do. The caller's slice is not modified.
func (r *Repository) InsertBatch(ctx context.Context, entries []entities.AuditLog) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]entities.AuditLog, len(entries))
	copy(rows, entries)
	for i := range rows {
		rows[i].ID = 0
		if rows[i].CreatedAt.IsZero() {
			rows[i].CreatedAt = time.Now().UTC()
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
}

func (r *Repository) filtered(ctx context.Context, f Filter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&entities.AuditLog{})
	if f.UserID != nil {
		query = query.Where("user_id = ?", *f.UserID)
	}
	if f.Action != "" {
		query = query.Where("action = ?", f.Action)
	}
	if f.Table != "" {
		query = query.Where("table_name = ?", f.Table)
	}
	if f.RecordID != nil {
		query = query.Where("record_id = ?", *f.RecordID)
	}
	if !f.From.IsZero() {
		query = query.Where("created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		query = query.Where("created_at <= ?", f.To.UTC())
	}
	return query
}

// Query retrieves paginated audit entries, most recent first.
func (r *Repository) Query(ctx context.Context, f Filter, limit, offset int) ([]entities.AuditLog, int64, error) {
	var entries []entities.AuditLog
	var total int64

	query := r.filtered(ctx, f)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}

	err := query.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&entries).Error
	return entries, total, err
}

// ActivityStats aggregates a user's entries created at or after since.
func (r *Repository) ActivityStats(ctx context.Context, userID uint, since time.Time) (*ActivityStats, error) {
	f := Filter{UserID: &userID, From: since}
	stats := &ActivityStats{ActionBreakdown: map[string]int64{}}

	if err := r.filtered(ctx, f).Count(&stats.TotalActions).Error; err != nil {
		return nil, err
	}

	var breakdown []ActionCount
	err := r.filtered(ctx, f).
		Select("action, COUNT(*) AS count").
		Group("action").
		Order("count DESC").
		Scan(&breakdown).Error
	if err != nil {
		return nil, err
	}
	for _, b := range breakdown {
		stats.ActionBreakdown[b.Action] = b.Count
	}

	err = r.filtered(ctx, f).
		Select("DATE(created_at) AS date, COUNT(*) AS count").
		Group("DATE(created_at)").
		Order("date").
		Scan(&stats.DailyActivity).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// SystemOverview aggregates all entries created at or after since.
func (r *Repository) SystemOverview(ctx context.Context, since time.Time) (*Overview, error) {
	f := Filter{From: since}
	overview := &Overview{}

	if err := r.filtered(ctx, f).Count(&overview.TotalLogs).Error; err != nil {
		return nil, err
	}

	err := r.filtered(ctx, f).
		Where("user_id IS NOT NULL").
		Distinct("user_id").
		Count(&overview.ActiveUsers).Error
	if err != nil {
		return nil, err
	}

	err = r.filtered(ctx, f).
		Select("action, COUNT(*) AS count").
		Group("action").
		Order("count DESC").
		Limit(topN).
		Scan(&overview.TopActions).Error
	if err != nil {
		return nil, err
	}

	err = r.filtered(ctx, f).
		Select("table_name, COUNT(*) AS count").
		Where("table_name IS NOT NULL AND table_name <> ''").
		Group("table_name").
		Order("count DESC").
		Limit(topN).
		Scan(&overview.TopTables).Error
	if err != nil {
		return nil, err
	}
	return overview, nil
}

// DeleteOlderThan removes entries created before cutoff.
// Returns the number of deleted entries.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&entities.AuditLog{})
	return result.RowsAffected, result.Error
}
