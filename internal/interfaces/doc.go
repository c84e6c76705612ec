// Package interfaces documents the core abstractions used throughout the application.
//
// This package consolidates interface documentation to help contributors find
// extension points and see how the pieces fit together.
//
// # Interface Categories
//
// ## HTTP Service Interfaces
//
//   - LoanService: Borrow, return, renew and lost transitions (internal/http/stores.go)
//   - CatalogService: Books and reader cards (internal/http/stores.go)
//   - Archive[T]: Soft delete, restore and purge of one table (internal/http/stores.go)
//   - AuditQuerier: Audit trail queries and statistics (internal/http/stores.go)
//   - OperationReader: Operation log lookups (internal/http/stores.go)
//   - TaskQueue: Maintenance task submission (internal/http/stores.go)
//
// ## Consistency Interfaces
//
//   - AuditRecorder: Non-blocking change recording (internal/circulation/interfaces.go)
//   - BatchStore: Ordered, atomic persistence of audit batches (internal/audit/trail.go)
//   - Record: Models handled by the versioned store (internal/database/versioned/store.go)
//   - Clock: Time source for the audit flusher (internal/audit/clock.go)
//
// ## Maintenance Interfaces
//
//   - OverduePromoter: Overdue sweep run by the scheduler (internal/scheduler/maintenance.go)
//   - Enqueuer: Hands scheduled work to the task queue (internal/scheduler/maintenance.go)
//   - AuditCleaner, OperationLogMaintainer, Purger: Retention targets (internal/tasks/maintenance.go)
//
// # Adding a New Loan Transition
//
//  1. Add the operation to circulation.Service. Build an oplog.Intent with the
//     expected version of every row the transition touches and run the change
//     through the service's transact helper so the journal entry and the row
//     updates share one transaction.
//
//  2. Record the change on the AuditRecorder after the transaction commits.
//
//  3. Expose it through LoanService and a LoansController handler, then
//     register the route in router.go.
//
// # Adding a New Soft-Deletable Table
//
//  1. Embed entities.Versioned and entities.SoftDeletable in the model.
//
//  2. Create a repository under internal/database/ with CleanupExpired.
//
//  3. Add an Archive for it in circulation and a Purger entry in
//     entrypoint.App.Maintainers.
//
//  4. Add compile-time checks:
//
//     var _ http.Archive[entities.Shelf] = (*circulation.Archive[entities.Shelf])(nil)
//     var _ tasks.Purger = (*shelves.Repository)(nil)
//
// # Compile-Time Interface Checks
//
// All implementations should include compile-time checks to ensure they satisfy
// their interfaces. This catches missing methods at compile time rather than runtime:
//
//	var _ SomeInterface = (*MyImplementation)(nil)
//
// This pattern is used throughout the codebase. See checks.go for examples.
package interfaces
