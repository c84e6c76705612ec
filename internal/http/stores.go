package http

import (
	"context"

	"github.com/mikestefanello/backlite"

	auditdb "github.com/mrlokans/circulation/internal/database/audit"
	"github.com/mrlokans/circulation/internal/database/borrowing"
	"github.com/mrlokans/circulation/internal/entities"
)

// This file collects the service interfaces the controllers depend on.
// Each controller takes only what it calls.

// --- Borrowing ---

// LoanService runs the borrowing workflow.
type LoanService interface {
	Borrow(ctx context.Context, readerID, bookID uint) (*entities.BorrowingRecord, error)
	Return(ctx context.Context, recordID uint) (*entities.BorrowingRecord, error)
	Renew(ctx context.Context, recordID uint) (*entities.BorrowingRecord, error)
	ReportLost(ctx context.Context, recordID uint) (*entities.BorrowingRecord, error)
	GetLoan(ctx context.Context, recordID uint) (*entities.BorrowingRecord, error)
	ListLoans(ctx context.Context, filter borrowing.Filter, limit, offset int) ([]entities.BorrowingRecord, int64, error)
	ListOverdue(ctx context.Context) ([]entities.BorrowingRecord, error)
	Statistics(ctx context.Context) (*borrowing.Statistics, error)
}

// --- Catalog ---

// CatalogService manages books and reader cards.
type CatalogService interface {
	AddBook(ctx context.Context, book *entities.Book) (*entities.Book, error)
	GetBook(ctx context.Context, id uint) (*entities.Book, error)
	AddCopies(ctx context.Context, bookID uint, n int64) (*entities.Book, error)
	SetBookStatus(ctx context.Context, bookID uint, status entities.BookStatus) (*entities.Book, error)
	BookHistory(ctx context.Context, bookID uint, limit, offset int) ([]entities.BorrowingRecord, int64, error)

	RegisterReader(ctx context.Context, reader *entities.Reader) (*entities.Reader, error)
	GetReader(ctx context.Context, id uint) (*entities.Reader, error)
	ReaderHistory(ctx context.Context, readerID uint, limit, offset int) ([]entities.BorrowingRecord, int64, error)
}

// Archive soft-deletes, restores and purges rows of one table.
type Archive[T any] interface {
	Delete(ctx context.Context, id uint, reason string) error
	Restore(ctx context.Context, id uint) error
	BatchDelete(ctx context.Context, ids []uint, reason string) (int64, error)
	Purge(ctx context.Context, id uint) error
	Deleted(ctx context.Context, limit, offset int) ([]T, int64, error)
}

// --- Consistency ---

// AuditQuerier reads the audit trail.
type AuditQuerier interface {
	Query(ctx context.Context, filter auditdb.Filter, limit, offset int) ([]entities.AuditLog, int64, error)
	ActivityStats(ctx context.Context, userID uint, days int) (*auditdb.ActivityStats, error)
	SystemOverview(ctx context.Context, days int) (*auditdb.Overview, error)
}

// OperationReader reads the operation log.
type OperationReader interface {
	Get(ctx context.Context, opID string) (*entities.OperationLog, error)
	List(ctx context.Context, status entities.OperationStatus, limit, offset int) ([]entities.OperationLog, int64, error)
}

// --- Background tasks ---

// TaskQueue enqueues maintenance tasks and reports on them.
type TaskQueue interface {
	Enqueue(ctx context.Context, task backlite.Task) (string, error)
	Status(ctx context.Context, taskID string) (backlite.TaskStatus, error)
}

// AuditBuffer reports audit entries not yet written.
type AuditBuffer interface {
	Buffered() int
}

// Pinger checks storage connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
