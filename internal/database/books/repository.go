// Package books provides inventory operations on the books table.
//
// Quantity changes go through bounded version-checked adjustments so that
// available_quantity never leaves [0, total_quantity]:
//
//	repo := books.NewRepository(db).WithTx(tx)
//	ok, err := repo.AdjustAvailable(ctx, book.ID, -1, book.Version, book.TotalQuantity)
package books

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mrlokans/circulation/internal/database/softdelete"
	"github.com/mrlokans/circulation/internal/database/versioned"
	"github.com/mrlokans/circulation/internal/entities"
)

const (
	ColumnAvailable = "available_quantity"
	ColumnTotal     = "total_quantity"
)

// Repository handles book inventory and lifecycle operations.
type Repository struct {
	db       *gorm.DB
	versions *versioned.Store[entities.Book]
	deletes  *softdelete.Store[entities.Book]
}

// NewRepository creates a new books repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		db:       db,
		versions: versioned.NewStore[entities.Book](db, ColumnAvailable, ColumnTotal),
		deletes:  softdelete.NewStore[entities.Book](db),
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

// Versions exposes the version-checked store for callers composing their own
// retries.
func (r *Repository) Versions() *versioned.Store[entities.Book] {
	return r.versions
}

// Create inserts a book at version 1. A new book has no loans, so every copy
// is available.
func (r *Repository) Create(ctx context.Context, book *entities.Book) error {
	if book.TotalQuantity < 0 {
		return fmt.Errorf("total quantity must not be negative")
	}
	book.AvailableQuantity = book.TotalQuantity
	if book.Status == "" {
		book.Status = entities.BookStatusNormal
	}
	book.Version = 1
	return r.db.WithContext(ctx).Create(book).Error
}

// Get returns an active book.
func (r *Repository) Get(ctx context.Context, id uint) (*entities.Book, error) {
	return r.deletes.Active(ctx, id)
}

// GetIncludingDeleted returns a book whether or not it is soft-deleted.
func (r *Repository) GetIncludingDeleted(ctx context.Context, id uint) (*entities.Book, error) {
	return r.deletes.IncludingDeleted(ctx, id)
}

// AdjustAvailable changes available_quantity by delta, keeping it within
// [0, total]. total must be the value read at expectedVersion.
func (r *Repository) AdjustAvailable(ctx context.Context, id uint, delta, expectedVersion, total int64) (bool, error) {
	return r.versions.AdjustNumeric(ctx, id, ColumnAvailable, delta, expectedVersion, versioned.Between(0, total))
}

// AdjustTotal changes total_quantity by delta, keeping it at or above
// minTotal (the available quantity read at expectedVersion).
func (r *Repository) AdjustTotal(ctx context.Context, id uint, delta, expectedVersion, minTotal int64) (bool, error) {
	return r.versions.AdjustNumeric(ctx, id, ColumnTotal, delta, expectedVersion, versioned.AtLeast(minTotal))
}

// Update applies fields if the book is still at expectedVersion.
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

func (r *Repository) ListDeleted(ctx context.Context, limit, offset int) ([]entities.Book, int64, error) {
	return r.deletes.ListDeleted(ctx, limit, offset)
}

// Purge hard-deletes a book that has no open loans. The open-loan check
// is part of the DELETE itself; a refused purge returns ErrReferenced and a
// missing book returns false.
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
	return false, fmt.Errorf("%w: book %d has open loans", softdelete.ErrReferenced, id)
}

// CleanupExpired purges books soft-deleted longer than retention ago,
// skipping any that still have open loans.
func (r *Repository) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	return r.deletes.CleanupExpired(ctx, retention, withoutOpenLoans)
}

func withoutOpenLoans(db *gorm.DB) *gorm.DB {
	return db.Where("NOT EXISTS (SELECT 1 FROM borrowing_records br WHERE br.book_id = books.id AND br.status IN ?)",
		entities.OpenBorrowingStatuses)
}
