package http

import "github.com/mrlokans/circulation/internal/entities"

// RouterConfig contains all dependencies needed to create the HTTP router.
// Optional dependencies left nil disable their routes.
type RouterConfig struct {
	// Core dependencies
	Loans   LoanService
	Catalog CatalogService
	Books   Archive[entities.Book]
	Readers Archive[entities.Reader]

	// Closed loan records (optional)
	LoanRecords Archive[entities.BorrowingRecord]

	// Consistency diagnostics
	Audit      AuditQuerier
	Operations OperationReader

	// Task queue client (optional)
	TaskQueue TaskQueue

	// Health checks
	Database   Pinger
	AuditTrail AuditBuffer
	Version    string

	// Expose Prometheus metrics at /metrics
	MetricsEnabled bool

	// Reject writes with 503 while enabled
	ReadOnly bool

	// Browser origins allowed to call the API; empty disables CORS
	AllowedOrigins []string
}
