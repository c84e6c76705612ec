// Package borrowing provides operations on loan records.
package borrowing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mrlokans/circulation/internal/database/softdelete"
	"github.com/mrlokans/circulation/internal/database/versioned"
	"github.com/mrlokans/circulation/internal/entities"
)

// Repository handles borrowing record persistence.
type Repository struct {
	db       *gorm.DB
	versions *versioned.Store[entities.BorrowingRecord]
	deletes  *softdelete.Store[entities.BorrowingRecord]
}

// NewRepository creates a new borrowing repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		db:       db,
		versions: versioned.NewStore[entities.BorrowingRecord](db),
		deletes:  softdelete.NewStore[entities.BorrowingRecord](db),
	}
}

// WithTx returns a repository bound to tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{
		db:       tx,
		versions: r.versions.WithTx(tx),
		deletes:  r.deletes.WithTx(tx),
	}
}

func (r *Repository) Versions() *versioned.Store[entities.BorrowingRecord] {
	return r.versions
}

// Filter narrows loan listings. Zero fields are ignored.
type Filter struct {
	ReaderID uint
	BookID   uint
	Status   entities.BorrowingStatus
}

// Create inserts a loan at version 1.
func (r *Repository) Create(ctx context.Context, record *entities.BorrowingRecord) error {
	record.Version = 1
	return r.db.WithContext(ctx).Create(record).Error
}

// Get returns an active loan record.
func (r *Repository) Get(ctx context.Context, id uint) (*entities.BorrowingRecord, error) {
	return r.deletes.Active(ctx, id)
}

// Update applies fields if the record is still at expectedVersion.
func (r *Repository) Update(ctx context.Context, id uint, fields map[string]any, expectedVersion int64) (bool, error) {
	return r.versions.ConditionalUpdate(ctx, id, fields, expectedVersion)
}

// FindOpen returns the open loan of bookID by readerID, or nil.
func (r *Repository) FindOpen(ctx context.Context, readerID, bookID uint) (*entities.BorrowingRecord, error) {
	var record entities.BorrowingRecord
	err := r.db.WithContext(ctx).
		Scopes(softdelete.NotDeleted).
		Where("reader_id = ? AND book_id = ? AND status IN ?", readerID, bookID, entities.OpenBorrowingStatuses).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// HasOverdue reports whether the reader holds a loan that is overdue or past
// due as of today, whether or not the sweep has promoted it yet.
func (r *Repository) HasOverdue(ctx context.Context, readerID uint, today time.Time) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&entities.BorrowingRecord{}).
		Scopes(softdelete.NotDeleted).
		Where("reader_id = ?", readerID).
		Where("status = ? OR (status = ? AND due_date < ?)",
			entities.BorrowingStatusOverdue, entities.BorrowingStatusBorrowed, entities.CalendarDay(today)).
		Count(&n).Error
	return n > 0, err
}

// PromoteOverdue moves borrowed loans due before today to overdue and returns
// the ids it changed.
func (r *Repository) PromoteOverdue(ctx context.Context, today time.Time) ([]uint, error) {
	var promoted []uint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		err := tx.Model(&entities.BorrowingRecord{}).
			Scopes(softdelete.NotDeleted).
			Where("status = ? AND due_date < ?", entities.BorrowingStatusBorrowed, entities.CalendarDay(today)).
			Order("due_date ASC, id ASC").
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}

		err = tx.Model(&entities.BorrowingRecord{}).
			Where("id IN ? AND status = ?", ids, entities.BorrowingStatusBorrowed).
			Updates(map[string]any{
				"status":     entities.BorrowingStatusOverdue,
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now().UTC(),
			}).Error
		if err != nil {
			return err
		}
		promoted = ids
		return nil
	})
	return promoted, err
}

// ListOverdue returns overdue loans, earliest due first.
func (r *Repository) ListOverdue(ctx context.Context) ([]entities.BorrowingRecord, error) {
	var records []entities.BorrowingRecord
	err := r.db.WithContext(ctx).
		Scopes(softdelete.NotDeleted).
		Where("status = ?", entities.BorrowingStatusOverdue).
		Order("due_date ASC, id ASC").
		Find(&records).Error
	return records, err
}

// List retrieves paginated loans, most recent first.
func (r *Repository) List(ctx context.Context, f Filter, limit, offset int) ([]entities.BorrowingRecord, int64, error) {
	var records []entities.BorrowingRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&entities.BorrowingRecord{}).Scopes(softdelete.NotDeleted)
	if f.ReaderID > 0 {
		query = query.Where("reader_id = ?", f.ReaderID)
	}
	if f.BookID > 0 {
		query = query.Where("book_id = ?", f.BookID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	err := query.Order("borrow_date DESC, id DESC").Limit(limit).Offset(offset).Find(&records).Error
	return records, total, err
}

// Statistics summarizes loan activity.
type Statistics struct {
	Total      int64           `json:"total"`
	Open       int64           `json:"open"`
	Overdue    int64           `json:"overdue"`
	TotalFines decimal.Decimal `json:"total_fines"`
}

func (r *Repository) Statistics(ctx context.Context) (*Statistics, error) {
	var row struct {
		Total      int64
		Open       int64
		Overdue    int64
		TotalFines float64
	}
	err := r.db.WithContext(ctx).
		Model(&entities.BorrowingRecord{}).
		Scopes(softdelete.NotDeleted).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status IN ? THEN 1 ELSE 0 END), 0) AS open,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS overdue,
			COALESCE(SUM(fine_amount), 0) AS total_fines`,
			entities.OpenBorrowingStatuses, entities.BorrowingStatusOverdue).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &Statistics{
		Total:      row.Total,
		Open:       row.Open,
		Overdue:    row.Overdue,
		TotalFines: decimal.NewFromFloat(row.TotalFines).Round(2),
	}, nil
}

// GetIncludingDeleted returns a loan record whether or not it is soft-deleted.
func (r *Repository) GetIncludingDeleted(ctx context.Context, id uint) (*entities.BorrowingRecord, error) {
	return r.deletes.IncludingDeleted(ctx, id)
}

// SoftDelete hides a closed loan record. An open loan is refused with
// softdelete.ErrReferenced since it still holds a copy.
func (r *Repository) SoftDelete(ctx context.Context, id uint, actorID uint, reason string) (bool, error) {
	ok, err := r.deletes.SoftDelete(ctx, id, actorID, reason, closedOnly)
	if err != nil || ok {
		return ok, err
	}
	return false, r.refuseOpen(ctx, id)
}

func (r *Repository) Restore(ctx context.Context, id uint, actorID uint) (bool, error) {
	return r.deletes.Restore(ctx, id, actorID)
}

// BatchSoftDelete hides the closed loan records among ids. Open loans are
// skipped.
func (r *Repository) BatchSoftDelete(ctx context.Context, ids []uint, actorID uint, reason string) (int64, error) {
	return r.deletes.BatchSoftDelete(ctx, ids, actorID, reason, closedOnly)
}

func (r *Repository) ListDeleted(ctx context.Context, limit, offset int) ([]entities.BorrowingRecord, int64, error) {
	return r.deletes.ListDeleted(ctx, limit, offset)
}

// Purge hard-deletes a closed loan record.
func (r *Repository) Purge(ctx context.Context, id uint) (bool, error) {
	ok, err := r.deletes.HardDelete(ctx, id, closedOnly)
	if err != nil || ok {
		return ok, err
	}
	return false, r.refuseOpen(ctx, id)
}

// refuseOpen explains why a guarded change touched no row: nil when the
// record is missing or already in the target state, ErrReferenced when the
// loan is still open.
func (r *Repository) refuseOpen(ctx context.Context, id uint) error {
	record, err := r.deletes.IncludingDeleted(ctx, id)
	if errors.Is(err, versioned.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if record.Status.Open() {
		return fmt.Errorf("%w: loan %d is %s", softdelete.ErrReferenced, id, record.Status)
	}
	return nil
}

// CleanupExpired purges loan records soft-deleted longer than retention ago.
// Open loans are never purged.
func (r *Repository) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	return r.deletes.CleanupExpired(ctx, retention, closedOnly)
}

func closedOnly(db *gorm.DB) *gorm.DB {
	return db.Where("status NOT IN ?", entities.OpenBorrowingStatuses)
}
