package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates and configures the HTTP router with all endpoints.
// Uses RouterConfig to receive all dependencies; routes whose dependency is
// nil are not registered.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(SecurityHeadersMiddleware())
	router.Use(StrictTransportSecurityMiddleware(defaultHSTSMaxAge))
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(CORSMiddleware(cfg.AllowedOrigins))
	}

	// Actor and request metadata for the audit trail
	router.Use(RequestContextMiddleware())

	router.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "route not found")
	})

	// Health endpoints
	health := NewHealthController(HealthChecks{
		Database:   cfg.Database,
		AuditTrail: cfg.AuditTrail,
		Operations: cfg.Operations,
	}, cfg.Version)
	router.GET("/health", health.Status)
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "pong",
		})
	})

	if cfg.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api")
	api.Use(ReadOnlyMiddleware(cfg.ReadOnly))

	// Borrowing workflow
	if cfg.Loans != nil {
		loans := NewLoansController(cfg.Loans)
		api.POST("/loans", loans.Borrow)
		api.GET("/loans", loans.ListLoans)
		api.GET("/loans/overdue", loans.ListOverdue)
		api.GET("/loans/stats", loans.Statistics)
		api.GET("/loans/:id", loans.GetLoan)
		api.POST("/loans/:id/return", loans.Return)
		api.POST("/loans/:id/renew", loans.Renew)
		api.POST("/loans/:id/lost", loans.ReportLost)
	}

	// Catalog
	if cfg.Catalog != nil {
		catalog := NewCatalogController(cfg.Catalog)
		api.POST("/books", catalog.AddBook)
		api.GET("/books/:id", catalog.GetBook)
		api.POST("/books/:id/copies", catalog.AddCopies)
		api.PATCH("/books/:id/status", catalog.SetBookStatus)
		api.GET("/books/:id/loans", catalog.BookHistory)
		api.POST("/readers", catalog.RegisterReader)
		api.GET("/readers/:id", catalog.GetReader)
		api.GET("/readers/:id/loans", catalog.ReaderHistory)
	}

	// Soft-delete lifecycle
	if cfg.Books != nil {
		registerArchive(api.Group("/books"), NewArchiveController(cfg.Books, "book"))
	}
	if cfg.Readers != nil {
		registerArchive(api.Group("/readers"), NewArchiveController(cfg.Readers, "reader"))
	}
	if cfg.LoanRecords != nil {
		registerArchive(api.Group("/loans"), NewArchiveController(cfg.LoanRecords, "loan"))
	}

	// Audit trail and operation log
	if cfg.Audit != nil && cfg.Operations != nil {
		audit := NewAuditController(cfg.Audit, cfg.Operations)
		api.GET("/audit", audit.GetAuditLogs)
		api.GET("/audit/overview", audit.GetOverview)
		api.GET("/audit/users/:id/stats", audit.GetUserStats)
		api.GET("/operations", audit.ListOperations)
		api.GET("/operations/:operation_id", audit.GetOperation)
	}

	// Task management endpoints
	if cfg.TaskQueue != nil {
		tasksController := NewTasksController(cfg.TaskQueue)
		api.GET("/tasks/types", tasksController.ListTaskTypes)
		api.GET("/tasks/:id", tasksController.GetTaskStatus)
		api.POST("/tasks/:type/run", tasksController.RunTask)
	}

	return router
}

func registerArchive[T any](group *gin.RouterGroup, archive *ArchiveController[T]) {
	group.GET("/deleted", archive.Deleted)
	group.POST("/batch-delete", archive.BatchDelete)
	group.DELETE("/:id", archive.Delete)
	group.POST("/:id/restore", archive.Restore)
	group.DELETE("/:id/purge", archive.Purge)
}
