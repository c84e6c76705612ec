// Package readers provides operations on readers and their categories.
package readers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"gorm.io/gorm"

	"github.com/mrlokans/circulation/internal/database/softdelete"
	"github.com/mrlokans/circulation/internal/database/versioned"
	"github.com/mrlokans/circulation/internal/entities"
	"github.com/mrlokans/circulation/internal/metrics"
)

const ColumnOpenLoans = "open_loans"

// Reader categories are read on every borrow and renewal and only change
// through CreateCategory, so lookups are cached for a short while.
const (
	categoryCacheSize = 64
	categoryCacheTTL  = 5 * time.Minute
)

// Repository handles reader lifecycle and loan counters.
type Repository struct {
	db         *gorm.DB
	versions   *versioned.Store[entities.Reader]
	deletes    *softdelete.Store[entities.Reader]
	categories *expirable.LRU[uint, entities.ReaderCategory]
	now        func() time.Time
}

// NewRepository creates a new readers repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		db:         db,
		versions:   versioned.NewStore[entities.Reader](db, ColumnOpenLoans),
		deletes:    softdelete.NewStore[entities.Reader](db),
		categories: expirable.NewLRU[uint, entities.ReaderCategory](categoryCacheSize, nil, categoryCacheTTL),
		now:        time.Now,
	}
}

// WithTx returns a repository bound to tx. The category cache is shared.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{
		db:         tx,
		versions:   r.versions.WithTx(tx),
		deletes:    r.deletes.WithTx(tx),
		categories: r.categories,
		now:        r.now,
	}
}

// WithClock returns a copy of the repository that dates new cards and
// deletions from now.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	c := *r
	c.now = now
	c.deletes = r.deletes.WithClock(now)
	return &c
}

func (r *Repository) Versions() *versioned.Store[entities.Reader] {
	return r.versions
}

func (r *Repository) CreateCategory(ctx context.Context, category *entities.ReaderCategory) error {
	return r.db.WithContext(ctx).Create(category).Error
}

// Category returns a reader category, from the cache when possible.
func (r *Repository) Category(ctx context.Context, id uint) (*entities.ReaderCategory, error) {
	if category, ok := r.categories.Get(id); ok {
		metrics.CategoryCacheLookups.WithLabelValues("hit").Inc()
		return &category, nil
	}
	metrics.CategoryCacheLookups.WithLabelValues("miss").Inc()

	var category entities.ReaderCategory
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&category).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: reader category %d", versioned.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	r.categories.Add(id, category)
	return &category, nil
}

func (r *Repository) CategoryByCode(ctx context.Context, code string) (*entities.ReaderCategory, error) {
	var category entities.ReaderCategory
	err := r.db.WithContext(ctx).Where("code = ?", code).Take(&category).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: reader category %s", versioned.ErrRecordNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return &category, nil
}

// Create registers a reader at version 1 with no open loans. Without an
// explicit expiry date the card expires after the category validity period.
func (r *Repository) Create(ctx context.Context, reader *entities.Reader) error {
	category, err := r.Category(ctx, reader.CategoryID)
	if err != nil {
		return err
	}
	if reader.Status == "" {
		reader.Status = entities.ReaderStatusActive
	}
	if reader.ExpiryDate == nil && category.ValidityDays > 0 {
		expiry := entities.CalendarDay(r.now()).AddDate(0, 0, category.ValidityDays)
		reader.ExpiryDate = &expiry
	}
	reader.OpenLoans = 0
	reader.Version = 1
	return r.db.WithContext(ctx).Create(reader).Error
}

// Get returns an active reader.
func (r *Repository) Get(ctx context.Context, id uint) (*entities.Reader, error) {
	return r.deletes.Active(ctx, id)
}

func (r *Repository) GetIncludingDeleted(ctx context.Context, id uint) (*entities.Reader, error) {
	return r.deletes.IncludingDeleted(ctx, id)
}

// AdjustOpenLoans changes the open loan counter by delta. Increments are
// capped at maxLoans; decrements only need to stay non-negative so a
// lowered category limit never blocks a return.
func (r *Repository) AdjustOpenLoans(ctx context.Context, id uint, delta, expectedVersion, maxLoans int64) (bool, error) {
	bounds := versioned.AtLeast(0)
	if delta > 0 {
		bounds = versioned.Between(0, maxLoans)
	}
	return r.versions.AdjustNumeric(ctx, id, ColumnOpenLoans, delta, expectedVersion, bounds)
}

// Update applies fields if the reader is still at expectedVersion.
func (r *Repository) Update(ctx context.Context, id uint, fields map[string]any, expectedVersion int64) (bool, error) {
	return r.versions.ConditionalUpdate(ctx, id, fields, expectedVersion)
}

func (r *Repository) SoftDelete(ctx context.Context, id uint, actorID uint, reason string) (bool, error) {
	return r.deletes.SoftDelete(ctx, id, actorID, reason)
}

func (r *Repository) Restore(ctx context.Context, id uint, actorID uint) (bool, error) {
	return r.deletes.Restore(ctx, id, actorID)
}

func (r *Repository) BatchSoftDelete(ctx context.Context, ids []uint, actorID uint, reason string) (int64, error) {
	return r.deletes.BatchSoftDelete(ctx, ids, actorID, reason)
}

func (r *Repository) ListDeleted(ctx context.Context, limit, offset int) ([]entities.Reader, int64, error) {
	return r.deletes.ListDeleted(ctx, limit, offset)
}

// Purge hard-deletes a reader that has no open loans. The open-loan check
// is part of the DELETE itself; a refused purge returns ErrReferenced and a
// missing reader returns false.
func (r *Repository) Purge(ctx context.Context, id uint) (bool, error) {
	ok, err := r.deletes.HardDelete(ctx, id, withoutOpenLoans)
	if err != nil || ok {
		return ok, err
	}
	if _, err := r.deletes.IncludingDeleted(ctx, id); err != nil {
		if errors.Is(err, versioned.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return false, fmt.Errorf("%w: reader %d has open loans", softdelete.ErrReferenced, id)
}

// CleanupExpired purges readers soft-deleted longer than retention ago,
// skipping any that still have open loans.
func (r *Repository) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	return r.deletes.CleanupExpired(ctx, retention, withoutOpenLoans)
}

func withoutOpenLoans(db *gorm.DB) *gorm.DB {
	return db.Where("NOT EXISTS (SELECT 1 FROM borrowing_records br WHERE br.reader_id = readers.id AND br.status IN ?)",
		entities.OpenBorrowingStatuses)
}
