package interfaces

// This file contains compile-time interface implementation checks.
// These ensure that concrete types satisfy their interfaces at compile time,
// catching missing methods before runtime.
//
// To verify all checks pass: go build ./internal/interfaces/...

import (
	"github.com/mrlokans/circulation/internal/audit"
	"github.com/mrlokans/circulation/internal/circulation"
	"github.com/mrlokans/circulation/internal/database"
	auditdb "github.com/mrlokans/circulation/internal/database/audit"
	"github.com/mrlokans/circulation/internal/database/books"
	"github.com/mrlokans/circulation/internal/database/borrowing"
	"github.com/mrlokans/circulation/internal/database/readers"
	"github.com/mrlokans/circulation/internal/database/versioned"
	"github.com/mrlokans/circulation/internal/entities"
	"github.com/mrlokans/circulation/internal/http"
	"github.com/mrlokans/circulation/internal/oplog"
	"github.com/mrlokans/circulation/internal/scheduler"
	"github.com/mrlokans/circulation/internal/tasks"
)

// =============================================================================
// HTTP Services
// =============================================================================

// LoanService/CatalogService implementations
var _ http.LoanService = (*circulation.Service)(nil)
var _ http.CatalogService = (*circulation.Service)(nil)

// Archive implementations
var _ http.Archive[entities.Book] = (*circulation.Archive[entities.Book])(nil)
var _ http.Archive[entities.Reader] = (*circulation.Archive[entities.Reader])(nil)
var _ http.Archive[entities.BorrowingRecord] = (*circulation.Archive[entities.BorrowingRecord])(nil)

// AuditQuerier/OperationReader implementations
var _ http.AuditQuerier = (*audit.Service)(nil)
var _ http.OperationReader = (*oplog.Journal)(nil)

// TaskQueue/Pinger/AuditBuffer implementations
var _ http.TaskQueue = (*tasks.Client)(nil)
var _ http.Pinger = (*database.Database)(nil)
var _ http.AuditBuffer = (*audit.Trail)(nil)

// =============================================================================
// Consistency Core
// =============================================================================

// AuditRecorder implementations
var _ circulation.AuditRecorder = (*audit.Trail)(nil)

// BatchStore implementations
var _ audit.BatchStore = (*auditdb.Repository)(nil)

// Versioned records
var _ versioned.Record = entities.Book{}
var _ versioned.Record = entities.Reader{}
var _ versioned.Record = entities.BorrowingRecord{}

// =============================================================================
// Maintenance
// =============================================================================

// OverduePromoter/Enqueuer implementations
var _ scheduler.OverduePromoter = (*circulation.Service)(nil)
var _ scheduler.Enqueuer = (*tasks.Client)(nil)

// Task processor dependencies
var _ tasks.AuditCleaner = (*audit.Service)(nil)
var _ tasks.OperationLogMaintainer = (*oplog.Journal)(nil)
var _ tasks.Purger = (*books.Repository)(nil)
var _ tasks.Purger = (*readers.Repository)(nil)
var _ tasks.Purger = (*borrowing.Repository)(nil)
