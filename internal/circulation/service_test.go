package circulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/mrlokans/circulation/internal/database"
	"github.com/mrlokans/circulation/internal/database/dbtest"
	oplogdb "github.com/mrlokans/circulation/internal/database/oplog"
	"github.com/mrlokans/circulation/internal/database/readers"
	"github.com/mrlokans/circulation/internal/entities"
	"github.com/mrlokans/circulation/internal/oplog"
)

var start = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

type change struct {
	action entities.AuditAction
	table  string
	id     uint
	info   map[string]any
}

type recorder struct {
	mu      sync.Mutex
	changes []change
}

func (r *recorder) RecordChange(_ context.Context, action entities.AuditAction, table string, recordID uint, _, _ any, info map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change{action: action, table: table, id: recordID, info: info})
}

func (r *recorder) actions() []entities.AuditAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entities.AuditAction, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.action)
	}
	return out
}

type fixture struct {
	svc     *Service
	db      *gorm.DB
	journal *oplog.Journal
	audit   *recorder
	now     time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t).DB
	f := &fixture{
		db:      db,
		journal: oplog.NewJournal(oplogdb.NewRepository(db), oplog.Config{}),
		audit:   &recorder{},
		now:     start,
	}
	f.svc = NewService(db, f.journal, f.audit, DefaultConfig()).
		WithClock(func() time.Time { return f.now }).
		WithSleeper(func(context.Context, time.Duration) error { return nil })
	return f
}

func (f *fixture) book(t *testing.T, copies int64, price string) *entities.Book {
	t.Helper()
	book, err := f.svc.AddBook(context.Background(), &entities.Book{
		ISBN:          "9780262033848",
		Title:         "Introduction to Algorithms",
		Author:        "Cormen",
		Price:         decimal.RequireFromString(price),
		TotalQuantity: copies,
	})
	require.NoError(t, err)
	return book
}

func (f *fixture) reader(t *testing.T, no string) *entities.Reader {
	t.Helper()
	category, err := readers.NewRepository(f.db).CategoryByCode(context.Background(), database.DefaultReaderCategory.Code)
	require.NoError(t, err)
	return f.readerIn(t, no, category.ID)
}

func (f *fixture) readerIn(t *testing.T, no string, categoryID uint) *entities.Reader {
	t.Helper()
	reader, err := f.svc.RegisterReader(context.Background(), &entities.Reader{
		ReaderNo:   no,
		Name:       "Reader " + no,
		CategoryID: categoryID,
	})
	require.NoError(t, err)
	return reader
}

func (f *fixture) reload(t *testing.T, book *entities.Book, reader *entities.Reader) (*entities.Book, *entities.Reader) {
	t.Helper()
	var b entities.Book
	require.NoError(t, f.db.First(&b, book.ID).Error)
	var r entities.Reader
	require.NoError(t, f.db.First(&r, reader.ID).Error)
	return &b, &r
}

func (f *fixture) operations(t *testing.T, status entities.OperationStatus) int64 {
	t.Helper()
	_, total, err := f.journal.List(context.Background(), status, 1, 0)
	require.NoError(t, err)
	return total
}

func TestBorrow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	book := f.book(t, 3, "20.00")
	reader := f.reader(t, "R001")
	committedBefore := f.operations(t, entities.OperationCommitted)

	loan, err := f.svc.Borrow(ctx, reader.ID, book.ID)
	require.NoError(t, err)

	assert.Equal(t, entities.BorrowingStatusBorrowed, loan.Status)
	assert.Equal(t, entities.CalendarDay(start).AddDate(0, 0, 30), loan.DueDate)
	assert.Zero(t, loan.RenewalCount)
	assert.True(t, loan.FineAmount.IsZero())

	b, r := f.reload(t, book, reader)
	assert.Equal(t, int64(2), b.AvailableQuantity)
	assert.Equal(t, int64(3), b.TotalQuantity)
	assert.Equal(t, int64(2), b.Version)
	assert.Equal(t, int64(1), r.OpenLoans)
	assert.Equal(t, int64(2), r.Version)

	assert.Equal(t, committedBefore+1, f.operations(t, entities.OperationCommitted))
	assert.Zero(t, f.operations(t, entities.OperationPending))
	assert.Contains(t, f.audit.actions(), entities.AuditActionBorrow)
}

func TestBorrowRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown reader or book", func(t *testing.T) {
		f := setup(t)
		book := f.book(t, 1, "10")
		reader := f.reader(t, "R001")

		_, err := f.svc.Borrow(ctx, 999, book.ID)
		assert.ErrorIs(t, err, ErrValidation)

		_, err = f.svc.Borrow(ctx, reader.ID, 999)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("suspended reader", func(t *testing.T) {
		f := setup(t)
		book := f.book(t, 1, "10")
		reader := f.reader(t, "R001")
		require.NoError(t, f.db.Model(reader).Update("status", entities.ReaderStatusSuspended).Error)

		_, err := f.svc.Borrow(ctx, reader.ID, book.ID)
		assert.ErrorIs(t, err, ErrBusinessRule)
		assert.Contains(t, err.Error(), "suspended")
	})

	t.Run("expired card", func(t *testing.T) {
		f := setup(t)
		book := f.book(t, 1, "10")
		reader := f.reader(t, "R001")
		require.NoError(t, f.db.Model(reader).Update("expiry_date", start.AddDate(0, 0, -2)).Error)

		_, err := f.svc.Borrow(ctx, reader.ID, book.ID)
		assert.ErrorIs(t, err, ErrBusinessRule)
		assert.Contains(t, err.Error(), "expired")
	})

	t.Run("borrow limit", func(t *testing.T) {
		f := setup(t)
		category := &entities.ReaderCategory{Code: "SHORT", Name: "Short term", MaxBorrowCount: 1, MaxBorrowDays: 14, ValidityDays: 30}
		require.NoError(t, readers.NewRepository(f.db).CreateCategory(ctx, category))
		reader := f.readerIn(t, "R001", category.ID)
		first := f.book(t, 1, "10")
		second := f.book(t, 1, "10")

		_, err := f.svc.Borrow(ctx, reader.ID, first.ID)
		require.NoError(t, err)

		_, err = f.svc.Borrow(ctx, reader.ID, second.ID)
		assert.ErrorIs(t, err, ErrBorrowLimit)
		assert.ErrorIs(t, err, ErrBusinessRule)
		assert.EqualError(t, err, "reached maximum of 1 loans")
	})

	t.Run("overdue loans block borrowing", func(t *testing.T) {
		f := setup(t)
		reader := f.reader(t, "R001")
		first := f.book(t, 1, "10")
		second := f.book(t, 1, "10")

		_, err := f.svc.Borrow(ctx, reader.ID, first.ID)
		require.NoError(t, err)

		f.now = start.AddDate(0, 0, 31)
		_, err = f.svc.Borrow(ctx, reader.ID, second.ID)
		assert.ErrorIs(t, err, ErrBusinessRule)
		assert.Contains(t, err.Error(), "overdue")
	})

	t.Run("book not in normal condition", func(t *testing.T) {
		f := setup(t)
		book := f.book(t, 1, "10")
		reader := f.reader(t, "R001")
		_, err := f.svc.SetBookStatus(ctx, book.ID, entities.BookStatusDamaged)
		require.NoError(t, err)

		_, err = f.svc.Borrow(ctx, reader.ID, book.ID)
		assert.ErrorIs(t, err, ErrBusinessRule)
		assert.NotErrorIs(t, err, ErrStockUnavailable)
	})

	t.Run("no copy left", func(t *testing.T) {
		f := setup(t)
		book := f.book(t, 1, "10")
		first := f.reader(t, "R001")
		second := f.reader(t, "R002")

		_, err := f.svc.Borrow(ctx, first.ID, book.ID)
		require.NoError(t, err)

		_, err = f.svc.Borrow(ctx, second.ID, book.ID)
		assert.ErrorIs(t, err, ErrStockUnavailable)
		assert.ErrorIs(t, err, ErrBusinessRule)
	})

	t.Run("same book twice", func(t *testing.T) {
		f := setup(t)
		book := f.book(t, 2, "10")
		reader := f.reader(t, "R001")

		_, err := f.svc.Borrow(ctx, reader.ID, book.ID)
		require.NoError(t, err)

		_, err = f.svc.Borrow(ctx, reader.ID, book.ID)
		assert.ErrorIs(t, err, ErrBusinessRule)
	})

	t.Run("rejection changes nothing and rolls back the intent", func(t *testing.T) {
		f := setup(t)
		book := f.book(t, 1, "10")
		reader := f.reader(t, "R001")
		require.NoError(t, f.db.Model(reader).Update("status", entities.ReaderStatusExpired).Error)

		_, err := f.svc.Borrow(ctx, reader.ID, book.ID)
		require.Error(t, err)

		b, r := f.reload(t, book, reader)
		assert.Equal(t, int64(1), b.AvailableQuantity)
		assert.Equal(t, int64(1), b.Version)
		assert.Zero(t, r.OpenLoans)

		var loans int64
		require.NoError(t, f.db.Model(&entities.BorrowingRecord{}).Count(&loans).Error)
		assert.Zero(t, loans)

		assert.Equal(t, int64(1), f.operations(t, entities.OperationRolledBack))
		assert.Zero(t, f.operations(t, entities.OperationPending))
		assert.NotContains(t, f.audit.actions(), entities.AuditActionBorrow)
	})
}

func TestConcurrentBorrowNeverOversells(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	book := f.book(t, 3, "10")

	const borrowers = 8
	readerIDs := make([]uint, borrowers)
	for i := range readerIDs {
		readerIDs[i] = f.reader(t, fmt.Sprintf("R%03d", i)).ID
	}

	var wg sync.WaitGroup
	errs := make([]error, borrowers)
	for i, id := range readerIDs {
		wg.Add(1)
		go func(i int, id uint) {
			defer wg.Done()
			_, errs[i] = f.svc.Borrow(ctx, id, book.ID)
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrStockUnavailable), "unexpected error: %v", err)
	}
	assert.Equal(t, 3, succeeded)

	var b entities.Book
	require.NoError(t, f.db.First(&b, book.ID).Error)
	assert.Zero(t, b.AvailableQuantity)
	assert.Equal(t, int64(3), b.TotalQuantity)

	var open int64
	require.NoError(t, f.db.Model(&entities.BorrowingRecord{}).
		Where("book_id = ? AND status IN ?", book.ID, entities.OpenBorrowingStatuses).
		Count(&open).Error)
	assert.Equal(t, int64(3), open)

	var held int64
	require.NoError(t, f.db.Model(&entities.Reader{}).Select("COALESCE(SUM(open_loans), 0)").Scan(&held).Error)
	assert.Equal(t, int64(3), held)
	assert.Zero(t, f.operations(t, entities.OperationPending))
}

func TestReturn(t *testing.T) {
	ctx := context.Background()

	t.Run("late return is fined per calendar day", func(t *testing.T) {
		f := setup(t)
		book := f.book(t, 1, "10")
		reader := f.reader(t, "R001")
		loan, err := f.svc.Borrow(ctx, reader.ID, book.ID)
		require.NoError(t, err)

		f.now = loan.DueDate.AddDate(0, 0, 3).Add(9 * time.Hour)
		returned, err := f.svc.Return(ctx, loan.ID)
		require.NoError(t, err)

		assert.Equal(t, entities.BorrowingStatusReturned, returned.Status)
		assert.Equal(t, "0.30", returned.FineAmount.StringFixed(2))
		require.NotNil(t, returned.ReturnDate)
		assert.Equal(t, f.now, *returned.ReturnDate)

		b, r := f.reload(t, book, reader)
		assert.Equal(t, int64(1), b.AvailableQuantity)
		assert.Zero(t, r.OpenLoans)

		stored, err := f.svc.GetLoan(ctx, loan.ID)
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("0.3").Equal(stored.FineAmount))
		assert.Equal(t, returned.Version, stored.Version)
	})

	t.Run("return on the due date is free", func(t *testing.T) {
		f := setup(t)
		book := f.book(t, 1, "10")
		reader := f.reader(t, "R001")
		loan, err := f.svc.Borrow(ctx, reader.ID, book.ID)
		require.NoError(t, err)

		f.now = loan.DueDate.Add(23 * time.Hour)
		returned, err := f.svc.Return(ctx, loan.ID)
		require.NoError(t, err)
		assert.True(t, returned.FineAmount.IsZero())
	})

	t.Run("closed loans cannot be returned", func(t *testing.T) {
		f := setup(t)
		book := f.book(t, 1, "10")
		reader := f.reader(t, "R001")
		loan, err := f.svc.Borrow(ctx, reader.ID, book.ID)
		require.NoError(t, err)
		_, err = f.svc.Return(ctx, loan.ID)
		require.NoError(t, err)

		_, err = f.svc.Return(ctx, loan.ID)
		assert.ErrorIs(t, err, ErrBusinessRule)

		b, r := f.reload(t, book, reader)
		assert.Equal(t, int64(1), b.AvailableQuantity)
		assert.Zero(t, r.OpenLoans)
	})

	t.Run("unknown loan is not journaled", func(t *testing.T) {
		f := setup(t)
		before := f.operations(t, entities.OperationRolledBack)

		_, err := f.svc.Return(ctx, 404)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, before, f.operations(t, entities.OperationRolledBack))
	})
}

func TestRenew(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	book := f.book(t, 1, "10")
	reader := f.reader(t, "R001")
	loan, err := f.svc.Borrow(ctx, reader.ID, book.ID)
	require.NoError(t, err)
	due := loan.DueDate

	renewed, err := f.svc.Renew(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, due.AddDate(0, 0, 30), renewed.DueDate)
	assert.Equal(t, 1, renewed.RenewalCount)

	// Renewing on the due date itself is still allowed.
	f.now = renewed.DueDate.Add(8 * time.Hour)
	renewed, err = f.svc.Renew(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, due.AddDate(0, 0, 60), renewed.DueDate)
	assert.Equal(t, 2, renewed.RenewalCount)

	_, err = f.svc.Renew(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrBorrowLimit)
	assert.EqualError(t, err, "reached maximum of 2 renewals")

	stored, err := f.svc.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RenewalCount)
	assert.True(t, due.AddDate(0, 0, 60).Equal(stored.DueDate))
}

func TestRenewRejectsOverdueAndClosedLoans(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	book := f.book(t, 2, "10")
	reader := f.reader(t, "R001")
	loan, err := f.svc.Borrow(ctx, reader.ID, book.ID)
	require.NoError(t, err)

	f.now = loan.DueDate.AddDate(0, 0, 1)
	_, err = f.svc.Renew(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrBusinessRule)
	assert.Contains(t, err.Error(), "overdue")

	_, err = f.svc.Return(ctx, loan.ID)
	require.NoError(t, err)
	_, err = f.svc.Renew(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrBusinessRule)
}

func TestReportLost(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	book := f.book(t, 2, "12.50")
	reader := f.reader(t, "R001")
	loan, err := f.svc.Borrow(ctx, reader.ID, book.ID)
	require.NoError(t, err)

	lost, err := f.svc.ReportLost(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.BorrowingStatusLost, lost.Status)
	assert.Equal(t, "25.00", lost.FineAmount.StringFixed(2))
	assert.Contains(t, lost.Notes, "25.00")

	b, r := f.reload(t, book, reader)
	assert.Equal(t, int64(1), b.TotalQuantity)
	assert.Equal(t, int64(1), b.AvailableQuantity)
	assert.Zero(t, r.OpenLoans)

	_, err = f.svc.Return(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrBusinessRule)
	_, err = f.svc.ReportLost(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrBusinessRule)

	assert.Contains(t, f.audit.actions(), entities.AuditActionLost)
}

func TestOverdueSweep(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	first := f.book(t, 1, "10")
	second := f.book(t, 1, "10")
	reader := f.reader(t, "R001")
	other := f.reader(t, "R002")

	late, err := f.svc.Borrow(ctx, reader.ID, first.ID)
	require.NoError(t, err)

	f.now = start.AddDate(0, 0, 5)
	onTime, err := f.svc.Borrow(ctx, other.ID, second.ID)
	require.NoError(t, err)

	f.now = late.DueDate.AddDate(0, 0, 2)
	overdue, err := f.svc.ListOverdue(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, late.ID, overdue[0].ID)
	assert.Equal(t, entities.BorrowingStatusOverdue, overdue[0].Status)

	n, err := f.svc.PromoteOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already promoted")

	stored, err := f.svc.GetLoan(ctx, onTime.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.BorrowingStatusBorrowed, stored.Status)

	returned, err := f.svc.Return(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.20", returned.FineAmount.StringFixed(2))

	var overdueAudits int
	for _, a := range f.audit.actions() {
		if a == entities.AuditActionOverdue {
			overdueAudits++
		}
	}
	assert.Equal(t, 1, overdueAudits)
}

func TestOverdueSweepRetriesUnderOneOperation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	book := f.book(t, 1, "10.00")
	reader := f.reader(t, "R001")
	loan, err := f.svc.Borrow(ctx, reader.ID, book.ID)
	require.NoError(t, err)
	f.now = loan.DueDate.AddDate(0, 0, 1)

	failures := 2
	err = f.db.Callback().Update().Before("gorm:update").Register("test:flaky_sweep", func(tx *gorm.DB) {
		if tx.Statement.Table == (entities.BorrowingRecord{}).TableName() && failures > 0 {
			failures--
			_ = tx.AddError(errors.New("database is locked"))
		}
	})
	require.NoError(t, err)

	committed := f.operations(t, entities.OperationCommitted)
	n, err := f.svc.PromoteOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, failures)
	assert.Equal(t, committed+1, f.operations(t, entities.OperationCommitted))
	assert.Zero(t, f.operations(t, entities.OperationPending))

	t.Run("exhausted retries fail the operation", func(t *testing.T) {
		other := f.book(t, 1, "10.00")
		late, err := f.svc.Borrow(ctx, f.reader(t, "R002").ID, other.ID)
		require.NoError(t, err)
		f.now = late.DueDate.AddDate(0, 0, 1)

		failures = oplog.DefaultMaxRetries + 1
		_, err = f.svc.PromoteOverdue(ctx)
		assert.ErrorContains(t, err, "database is locked")
		assert.Equal(t, int64(1), f.operations(t, entities.OperationFailed))
		assert.Zero(t, f.operations(t, entities.OperationPending))

		stored, err := f.svc.GetLoan(ctx, late.ID)
		require.NoError(t, err)
		assert.Equal(t, entities.BorrowingStatusBorrowed, stored.Status)
	})
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	first := f.book(t, 1, "10")
	second := f.book(t, 1, "10")
	reader := f.reader(t, "R001")
	other := f.reader(t, "R002")

	a, err := f.svc.Borrow(ctx, reader.ID, first.ID)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, a.ID)
	require.NoError(t, err)
	f.now = start.Add(time.Hour)
	_, err = f.svc.Borrow(ctx, reader.ID, second.ID)
	require.NoError(t, err)
	f.now = start.Add(2 * time.Hour)
	_, err = f.svc.Borrow(ctx, other.ID, first.ID)
	require.NoError(t, err)

	loans, total, err := f.svc.ReaderHistory(ctx, reader.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, loans, 2)
	assert.Equal(t, second.ID, loans[0].BookID)

	loans, total, err = f.svc.BookHistory(ctx, first.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, other.ID, loans[0].ReaderID)

	stats, err := f.svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Open)
}
