// Package database provides the data access layer for the circulation core.
//
// # Architecture
//
// The database layer is organized into mechanism and domain sub-packages:
//
//	database/
//	├── database.go      # Connection setup, migrations, category seeding
//	├── versioned/       # Optimistic version checks (conditional update, bounded adjust)
//	├── softdelete/      # Soft delete, restore, purge and retention cleanup
//	├── oplog/           # Operation intent log persistence
//	├── audit/           # Audit log batch insert, queries and statistics
//	├── books/           # Book inventory repository
//	├── readers/         # Reader and reader category repository
//	└── borrowing/       # Borrowing record repository
//
// # Using Sub-packages
//
// Mechanism stores are generic over a model type. Each domain repository
// composes them for its own table, so callers never pass table names:
//
//	db, err := database.NewDatabase("./circulation.db")
//
//	booksRepo := books.NewRepository(db.DB)
//	ok, err := booksRepo.AdjustAvailable(ctx, bookID, -1, version, total)
//
// # Transactions
//
// SQLite allows a single writer. Code running inside db.Transaction must use
// repositories bound with WithTx(tx); writing through the root handle from
// inside a transaction waits on the busy timeout against itself.
//
// # Adding a New Governed Table
//
//  1. Embed entities.Versioned and entities.SoftDeletable in the model
//  2. Add a TableName method and register the model in Open's AutoMigrate
//  3. Create a sub-package with a Repository composing versioned.Store and softdelete.Store
//  4. Add compile-time interface check: var _ SomeInterface = (*Repository)(nil)
package database
