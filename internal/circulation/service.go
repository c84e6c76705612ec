// Package circulation implements the borrowing workflow. Every transition
// runs in one database transaction under an operation log intent, changes
// counters only through version-checked bounded adjustments, and is audited
// once it has committed.
//
// A loan moves borrowed -> returned, borrowed -> overdue (daily sweep),
// borrowed|overdue -> returned|lost. Returned and lost are final.
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mrlokans/circulation/internal/database/books"
	"github.com/mrlokans/circulation/internal/database/borrowing"
	"github.com/mrlokans/circulation/internal/database/readers"
	"github.com/mrlokans/circulation/internal/database/versioned"
	"github.com/mrlokans/circulation/internal/entities"
	"github.com/mrlokans/circulation/internal/metrics"
	"github.com/mrlokans/circulation/internal/oplog"
	"github.com/mrlokans/circulation/internal/retry"
)

const (
	DefaultMaxRenewals     = 2
	DefaultConflictRetries = 3
)

var (
	DefaultFinePerDay             = decimal.New(10, -2)
	DefaultCompensationMultiplier = decimal.NewFromInt(2)

	// ConflictBackoff is the delay before re-running a transaction that lost
	// a race: 100ms, 200ms, 300ms...
	ConflictBackoff = retry.Linear(100 * time.Millisecond)
)

type Config struct {
	FinePerDay             decimal.Decimal
	MaxRenewals            int
	CompensationMultiplier decimal.Decimal
	ConflictRetries        int
}

// DefaultConfig returns the standard circulation rules.
func DefaultConfig() Config {
	return Config{
		FinePerDay:             DefaultFinePerDay,
		MaxRenewals:            DefaultMaxRenewals,
		CompensationMultiplier: DefaultCompensationMultiplier,
		ConflictRetries:        DefaultConflictRetries,
	}
}

// Service runs the borrowing workflow.
type Service struct {
	db      *gorm.DB
	books   *books.Repository
	readers *readers.Repository
	loans   *borrowing.Repository
	journal *oplog.Journal
	audit   AuditRecorder
	cfg     Config
	now     func() time.Time
	sleep   retry.Sleeper
	logger  *slog.Logger
}

func NewService(db *gorm.DB, journal *oplog.Journal, recorder AuditRecorder, cfg Config) *Service {
	if cfg.FinePerDay.IsNegative() {
		cfg.FinePerDay = DefaultFinePerDay
	}
	if cfg.MaxRenewals < 0 {
		cfg.MaxRenewals = DefaultMaxRenewals
	}
	if !cfg.CompensationMultiplier.IsPositive() {
		cfg.CompensationMultiplier = DefaultCompensationMultiplier
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = DefaultConflictRetries
	}
	return &Service{
		db:      db,
		books:   books.NewRepository(db),
		readers: readers.NewRepository(db),
		loans:   borrowing.NewRepository(db),
		journal: journal,
		audit:   recorder,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   retry.Sleep,
		logger:  slog.Default().With(slog.String("component", "circulation")),
	}
}

// WithClock returns a copy of the service that reads time from now.
func (s *Service) WithClock(now func() time.Time) *Service {
	c := *s
	c.now = now
	c.readers = s.readers.WithClock(now)
	return &c
}

// WithSleeper returns a copy of the service that waits between conflict
// retries and journaled sweep retries with sleep.
func (s *Service) WithSleeper(sleep retry.Sleeper) *Service {
	c := *s
	c.sleep = sleep
	c.journal = s.journal.WithSleeper(sleep)
	return &c
}

// stores are the repositories bound to one transaction.
type stores struct {
	books   *books.Repository
	readers *readers.Repository
	loans   *borrowing.Repository
}

// transact runs fn in a transaction, re-running it from a fresh read when a
// conditional write loses to a concurrent writer.
func (s *Service) transact(ctx context.Context, fn func(st stores) error) error {
	for attempt := 1; ; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(stores{
				books:   s.books.WithTx(tx),
				readers: s.readers.WithTx(tx),
				loans:   s.loans.WithTx(tx),
			})
		})

		var stale *staleWrite
		if !errors.As(err, &stale) {
			return err
		}
		metrics.VersionConflicts.WithLabelValues(stale.table).Inc()
		if attempt >= s.cfg.ConflictRetries {
			s.logger.WarnContext(ctx, "conflict retries exhausted",
				slog.String("table", stale.table),
				slog.Uint64("id", uint64(stale.id)),
				slog.Int("attempts", attempt))
			return &versioned.OptimisticLockError{Table: stale.table, ID: stale.id, Attempts: attempt}
		}

		delay := ConflictBackoff(attempt)
		s.logger.InfoContext(ctx, "transaction lost a race, retrying",
			slog.String("table", stale.table),
			slog.Uint64("id", uint64(stale.id)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// explain tells a lost race from a violated bound after a rejected adjustment.
func explain[T versioned.Record](ctx context.Context, store *versioned.Store[T], id uint, readVersion int64, bound error) error {
	current, found, err := store.CurrentVersion(ctx, id)
	if err != nil {
		return err
	}
	if !found || current != readVersion {
		return &staleWrite{table: store.Table(), id: id}
	}
	return bound
}

func (s *Service) observe(transition string, err error) {
	metrics.LoanTransitions.WithLabelValues(transition, metrics.Result(err)).Inc()
}

// Borrow lends a copy of bookID to readerID.
func (s *Service) Borrow(ctx context.Context, readerID, bookID uint) (*entities.BorrowingRecord, error) {
	intent := oplog.Intent{
		Table: entities.BorrowingRecord{}.TableName(),
		Type:  entities.OperationInsert,
		New:   map[string]any{"reader_id": readerID, "book_id": bookID},
	}

	var opID string
	record, err := oplog.WithIntent(ctx, s.journal, intent, func(ctx context.Context) (*entities.BorrowingRecord, error) {
		opID = oplog.OperationID(ctx)
		var created *entities.BorrowingRecord
		err := s.transact(ctx, func(st stores) error {
			var err error
			created, err = s.borrow(ctx, st, readerID, bookID)
			return err
		})
		return created, err
	})
	s.observe("borrow", err)
	if err != nil {
		s.logger.InfoContext(ctx, "borrow rejected",
			slog.Uint64("reader_id", uint64(readerID)),
			slog.Uint64("book_id", uint64(bookID)),
			slog.Any("error", err))
		return nil, err
	}

	s.logger.InfoContext(ctx, "book borrowed",
		slog.Uint64("loan_id", uint64(record.ID)),
		slog.Uint64("reader_id", uint64(readerID)),
		slog.Uint64("book_id", uint64(bookID)),
		slog.Time("due_date", record.DueDate))
	s.audit.RecordChange(ctx, entities.AuditActionBorrow, record.TableName(), record.ID, nil, record,
		map[string]any{"operation_id": opID})
	return record, nil
}

func (s *Service) borrow(ctx context.Context, st stores, readerID, bookID uint) (*entities.BorrowingRecord, error) {
	now := s.now()
	today := entities.CalendarDay(now)

	reader, err := st.readers.Get(ctx, readerID)
	if errors.Is(err, versioned.ErrRecordNotFound) {
		return nil, invalid("reader %d does not exist", readerID)
	}
	if err != nil {
		return nil, err
	}
	if reader.Status != entities.ReaderStatusActive {
		return nil, rejected("reader card is %s", reader.Status)
	}
	if reader.Expired(today) {
		return nil, rejected("reader card expired on %s", reader.ExpiryDate.Format(time.DateOnly))
	}

	category, err := st.readers.Category(ctx, reader.CategoryID)
	if err != nil {
		return nil, err
	}
	if reader.OpenLoans >= category.MaxBorrowCount {
		return nil, limitReached("reached maximum of %d loans", category.MaxBorrowCount)
	}

	overdue, err := st.loans.HasOverdue(ctx, readerID, today)
	if err != nil {
		return nil, err
	}
	if overdue {
		return nil, rejected("reader has overdue loans, return them first")
	}

	book, err := st.books.Get(ctx, bookID)
	if errors.Is(err, versioned.ErrRecordNotFound) {
		return nil, invalid("book %d does not exist", bookID)
	}
	if err != nil {
		return nil, err
	}
	if book.Status != entities.BookStatusNormal {
		return nil, rejected("book is %s", book.Status)
	}
	if book.AvailableQuantity < 1 {
		return nil, outOfStock("no copies of %q are available", book.Title)
	}

	existing, err := st.loans.FindOpen(ctx, readerID, bookID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, rejected("reader already has this book on loan")
	}

	record := &entities.BorrowingRecord{
		ReaderID:   readerID,
		BookID:     bookID,
		BorrowDate: now,
		DueDate:    today.AddDate(0, 0, category.MaxBorrowDays),
		Status:     entities.BorrowingStatusBorrowed,
		FineAmount: decimal.Zero,
	}
	if err := st.loans.Create(ctx, record); err != nil {
		return nil, err
	}

	ok, err := st.books.AdjustAvailable(ctx, book.ID, -1, book.Version, book.TotalQuantity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, explain(ctx, st.books.Versions(), book.ID, book.Version,
			outOfStock("no copies of %q are available", book.Title))
	}

	ok, err = st.readers.AdjustOpenLoans(ctx, reader.ID, 1, reader.Version, category.MaxBorrowCount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, explain(ctx, st.readers.Versions(), reader.ID, reader.Version,
			limitReached("reached maximum of %d loans", category.MaxBorrowCount))
	}

	return record, nil
}

// loanIntent loads the loan a transition applies to and describes the
// change for the operation log.
func (s *Service) loanIntent(ctx context.Context, recordID uint, change map[string]any) (*entities.BorrowingRecord, oplog.Intent, error) {
	record, err := s.loans.Get(ctx, recordID)
	if errors.Is(err, versioned.ErrRecordNotFound) {
		return nil, oplog.Intent{}, notFound("loan %d not found", recordID)
	}
	if err != nil {
		return nil, oplog.Intent{}, err
	}
	return record, oplog.Intent{
		Table:    record.TableName(),
		RecordID: record.ID,
		Type:     entities.OperationUpdate,
		Old:      record,
		New:      change,
	}, nil
}

// openLoan re-reads the loan inside the transaction.
func openLoan(ctx context.Context, st stores, recordID uint) (*entities.BorrowingRecord, error) {
	record, err := st.loans.Get(ctx, recordID)
	if errors.Is(err, versioned.ErrRecordNotFound) {
		return nil, notFound("loan %d not found", recordID)
	}
	if err != nil {
		return nil, err
	}
	if !record.Status.Open() {
		return nil, rejected("loan %d is already %s", recordID, record.Status)
	}
	return record, nil
}

// Return closes a loan, charging the overdue fine, and puts the copy back on
// the shelf.
func (s *Service) Return(ctx context.Context, recordID uint) (*entities.BorrowingRecord, error) {
	before, intent, err := s.loanIntent(ctx, recordID, map[string]any{"status": entities.BorrowingStatusReturned})
	if err != nil {
		s.observe("return", err)
		return nil, err
	}

	var opID string
	record, err := oplog.WithIntent(ctx, s.journal, intent, func(ctx context.Context) (*entities.BorrowingRecord, error) {
		opID = oplog.OperationID(ctx)
		var returned *entities.BorrowingRecord
		err := s.transact(ctx, func(st stores) error {
			var err error
			returned, err = s.returnLoan(ctx, st, recordID)
			return err
		})
		return returned, err
	})
	s.observe("return", err)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "book returned",
		slog.Uint64("loan_id", uint64(record.ID)),
		slog.String("fine", record.FineAmount.StringFixed(2)))
	s.audit.RecordChange(ctx, entities.AuditActionReturn, record.TableName(), record.ID, before, record,
		map[string]any{"operation_id": opID, "fine": record.FineAmount.StringFixed(2)})
	return record, nil
}

func (s *Service) returnLoan(ctx context.Context, st stores, recordID uint) (*entities.BorrowingRecord, error) {
	record, err := openLoan(ctx, st, recordID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	fine := OverdueFine(record.DueDate, now, s.cfg.FinePerDay)
	ok, err := st.loans.Update(ctx, record.ID, map[string]any{
		"status":      entities.BorrowingStatusReturned,
		"return_date": now,
		"fine_amount": fine,
	}, record.Version)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &staleWrite{table: record.TableName(), id: record.ID}
	}

	book, err := st.books.GetIncludingDeleted(ctx, record.BookID)
	if err != nil {
		return nil, err
	}
	ok, err = st.books.AdjustAvailable(ctx, book.ID, 1, book.Version, book.TotalQuantity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, explain(ctx, st.books.Versions(), book.ID, book.Version,
			&Error{Kind: ErrInventoryInvariant, Message: fmt.Sprintf("book %d has every copy on the shelf already", book.ID)})
	}

	if err := releaseReader(ctx, st, record.ReaderID); err != nil {
		return nil, err
	}

	record.Status = entities.BorrowingStatusReturned
	record.ReturnDate = &now
	record.FineAmount = fine
	record.Version++
	return record, nil
}

// releaseReader gives the reader back one loan slot.
func releaseReader(ctx context.Context, st stores, readerID uint) error {
	reader, err := st.readers.GetIncludingDeleted(ctx, readerID)
	if err != nil {
		return err
	}
	ok, err := st.readers.AdjustOpenLoans(ctx, reader.ID, -1, reader.Version, 0)
	if err != nil {
		return err
	}
	if !ok {
		return explain(ctx, st.readers.Versions(), reader.ID, reader.Version,
			&Error{Kind: ErrInventoryInvariant, Message: fmt.Sprintf("reader %d has no open loans", reader.ID)})
	}
	return nil
}

// Renew extends a loan that is not yet overdue by another loan period,
// counted from the current due date.
func (s *Service) Renew(ctx context.Context, recordID uint) (*entities.BorrowingRecord, error) {
	before, intent, err := s.loanIntent(ctx, recordID, map[string]any{"renewed": true})
	if err != nil {
		s.observe("renew", err)
		return nil, err
	}

	var opID string
	record, err := oplog.WithIntent(ctx, s.journal, intent, func(ctx context.Context) (*entities.BorrowingRecord, error) {
		opID = oplog.OperationID(ctx)
		var renewed *entities.BorrowingRecord
		err := s.transact(ctx, func(st stores) error {
			var err error
			renewed, err = s.renew(ctx, st, recordID)
			return err
		})
		return renewed, err
	})
	s.observe("renew", err)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "loan renewed",
		slog.Uint64("loan_id", uint64(record.ID)),
		slog.Int("renewal_count", record.RenewalCount),
		slog.Time("due_date", record.DueDate))
	s.audit.RecordChange(ctx, entities.AuditActionRenew, record.TableName(), record.ID, before, record,
		map[string]any{"operation_id": opID})
	return record, nil
}

func (s *Service) renew(ctx context.Context, st stores, recordID uint) (*entities.BorrowingRecord, error) {
	record, err := st.loans.Get(ctx, recordID)
	if errors.Is(err, versioned.ErrRecordNotFound) {
		return nil, notFound("loan %d not found", recordID)
	}
	if err != nil {
		return nil, err
	}
	if record.Status != entities.BorrowingStatusBorrowed {
		return nil, rejected("only borrowed loans can be renewed, loan %d is %s", recordID, record.Status)
	}
	if record.RenewalCount >= s.cfg.MaxRenewals {
		return nil, limitReached("reached maximum of %d renewals", s.cfg.MaxRenewals)
	}
	if entities.CalendarDay(record.DueDate).Before(entities.CalendarDay(s.now())) {
		return nil, rejected("loan %d is overdue and cannot be renewed", recordID)
	}

	reader, err := st.readers.GetIncludingDeleted(ctx, record.ReaderID)
	if err != nil {
		return nil, err
	}
	category, err := st.readers.Category(ctx, reader.CategoryID)
	if err != nil {
		return nil, err
	}

	due := entities.CalendarDay(record.DueDate).AddDate(0, 0, category.MaxBorrowDays)
	ok, err := st.loans.Update(ctx, record.ID, map[string]any{
		"due_date":      due,
		"renewal_count": record.RenewalCount + 1,
	}, record.Version)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &staleWrite{table: record.TableName(), id: record.ID}
	}

	record.DueDate = due
	record.RenewalCount++
	record.Version++
	return record, nil
}

// ReportLost writes off the copy on loan, charging compensation. The copy
// leaves the inventory; availability is unchanged because the copy was
// already out.
func (s *Service) ReportLost(ctx context.Context, recordID uint) (*entities.BorrowingRecord, error) {
	before, intent, err := s.loanIntent(ctx, recordID, map[string]any{"status": entities.BorrowingStatusLost})
	if err != nil {
		s.observe("lost", err)
		return nil, err
	}

	var opID string
	record, err := oplog.WithIntent(ctx, s.journal, intent, func(ctx context.Context) (*entities.BorrowingRecord, error) {
		opID = oplog.OperationID(ctx)
		var lost *entities.BorrowingRecord
		err := s.transact(ctx, func(st stores) error {
			var err error
			lost, err = s.reportLost(ctx, st, recordID)
			return err
		})
		return lost, err
	})
	s.observe("lost", err)
	if err != nil {
		return nil, err
	}

	s.logger.WarnContext(ctx, "book reported lost",
		slog.Uint64("loan_id", uint64(record.ID)),
		slog.Uint64("book_id", uint64(record.BookID)),
		slog.String("compensation", record.FineAmount.StringFixed(2)))
	s.audit.RecordChange(ctx, entities.AuditActionLost, record.TableName(), record.ID, before, record,
		map[string]any{"operation_id": opID, "compensation": record.FineAmount.StringFixed(2)})
	return record, nil
}

func (s *Service) reportLost(ctx context.Context, st stores, recordID uint) (*entities.BorrowingRecord, error) {
	record, err := openLoan(ctx, st, recordID)
	if err != nil {
		return nil, err
	}

	book, err := st.books.GetIncludingDeleted(ctx, record.BookID)
	if err != nil {
		return nil, err
	}

	fine := Compensation(book.Price, s.cfg.CompensationMultiplier)
	notes := fmt.Sprintf("lost, compensation %s", fine.StringFixed(2))
	ok, err := st.loans.Update(ctx, record.ID, map[string]any{
		"status":      entities.BorrowingStatusLost,
		"fine_amount": fine,
		"notes":       notes,
	}, record.Version)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &staleWrite{table: record.TableName(), id: record.ID}
	}

	ok, err = st.books.AdjustTotal(ctx, book.ID, -1, book.Version, book.AvailableQuantity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, explain(ctx, st.books.Versions(), book.ID, book.Version,
			&Error{Kind: ErrInventoryInvariant, Message: fmt.Sprintf("book %d has no copy out to write off", book.ID)})
	}

	if err := releaseReader(ctx, st, record.ReaderID); err != nil {
		return nil, err
	}

	record.Status = entities.BorrowingStatusLost
	record.FineAmount = fine
	record.Notes = notes
	record.Version++
	return record, nil
}

// PromoteOverdue is the scheduled overdue sweep. It runs under an operation
// log entry and retries transient storage failures with the journal's
// backoff; the entry is failed once the retries are exhausted.
func (s *Service) PromoteOverdue(ctx context.Context) (int, error) {
	today := s.now()
	opID, err := s.journal.Begin(ctx, oplog.Intent{
		Table: entities.BorrowingRecord{}.TableName(),
		Type:  entities.OperationUpdate,
		New: map[string]any{
			"status":     entities.BorrowingStatusOverdue,
			"due_before": today.Format(time.DateOnly),
		},
	})
	if err != nil {
		s.observe("overdue", err)
		return 0, fmt.Errorf("promote overdue loans: %w", err)
	}

	n, err := oplog.Retry(ctx, s.journal, opID, s.journal.MaxRetries(), func(ctx context.Context) (int, error) {
		return s.promoteOverdue(ctx, today)
	})
	if err != nil {
		return 0, err
	}
	if cerr := s.journal.Commit(context.WithoutCancel(ctx), opID); cerr != nil {
		s.logger.ErrorContext(ctx, "overdue sweep succeeded but commit was not recorded",
			slog.String("operation_id", opID),
			slog.Any("error", cerr))
	}
	return n, nil
}

// promoteOverdue marks every borrowed loan due before today as overdue and
// returns how many changed.
func (s *Service) promoteOverdue(ctx context.Context, today time.Time) (int, error) {
	ids, err := s.loans.PromoteOverdue(ctx, today)
	s.observe("overdue", err)
	if err != nil {
		return 0, fmt.Errorf("promote overdue loans: %w", err)
	}
	if len(ids) > 0 {
		s.logger.InfoContext(ctx, "loans became overdue", slog.Int("count", len(ids)))
		for _, id := range ids {
			s.audit.RecordChange(ctx, entities.AuditActionOverdue, entities.BorrowingRecord{}.TableName(), id,
				map[string]any{"status": entities.BorrowingStatusBorrowed},
				map[string]any{"status": entities.BorrowingStatusOverdue}, nil)
		}
	}
	return len(ids), nil
}

// ListOverdue promotes loans that became overdue and returns every overdue
// loan, earliest due first. Reads are not journaled.
func (s *Service) ListOverdue(ctx context.Context) ([]entities.BorrowingRecord, error) {
	if _, err := s.promoteOverdue(ctx, s.now()); err != nil {
		return nil, err
	}
	return s.loans.ListOverdue(ctx)
}

func (s *Service) ListLoans(ctx context.Context, filter borrowing.Filter, limit, offset int) ([]entities.BorrowingRecord, int64, error) {
	return s.loans.List(ctx, filter, limit, offset)
}

// ReaderHistory lists every loan of a reader, most recent first.
func (s *Service) ReaderHistory(ctx context.Context, readerID uint, limit, offset int) ([]entities.BorrowingRecord, int64, error) {
	return s.loans.List(ctx, borrowing.Filter{ReaderID: readerID}, limit, offset)
}

// BookHistory lists every loan of a book, most recent first.
func (s *Service) BookHistory(ctx context.Context, bookID uint, limit, offset int) ([]entities.BorrowingRecord, int64, error) {
	return s.loans.List(ctx, borrowing.Filter{BookID: bookID}, limit, offset)
}

func (s *Service) Statistics(ctx context.Context) (*borrowing.Statistics, error) {
	return s.loans.Statistics(ctx)
}

// GetLoan returns a loan record.
func (s *Service) GetLoan(ctx context.Context, recordID uint) (*entities.BorrowingRecord, error) {
	record, err := s.loans.Get(ctx, recordID)
	if errors.Is(err, versioned.ErrRecordNotFound) {
		return nil, notFound("loan %d not found", recordID)
	}
	return record, err
}
