package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrlokans/circulation/internal/audit"
	"github.com/mrlokans/circulation/internal/circulation"
	"github.com/mrlokans/circulation/internal/config"
	"github.com/mrlokans/circulation/internal/database"
	auditdb "github.com/mrlokans/circulation/internal/database/audit"
	"github.com/mrlokans/circulation/internal/database/books"
	"github.com/mrlokans/circulation/internal/database/borrowing"
	oplogdb "github.com/mrlokans/circulation/internal/database/oplog"
	"github.com/mrlokans/circulation/internal/database/readers"
	"github.com/mrlokans/circulation/internal/oplog"
	"github.com/mrlokans/circulation/internal/tasks"
)

// App holds the components shared by the server and the maintenance
// commands.
type App struct {
	Config      *config.Config
	DB          *database.Database
	Journal     *oplog.Journal
	Trail       *audit.Trail
	Audit       *audit.Service
	Circulation *circulation.Service
	Books       *books.Repository
	Readers     *readers.Repository
	Loans       *borrowing.Repository
}

// Open connects to the database and builds the circulation core. Audit
// entries spilled by a previous run are replayed before anything else is
// recorded.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := database.Open(cfg.Database.Path, database.Options{
		LogLevel: database.GormLogLevel(config.ParseLevel(cfg.Log.Level)),
	})
	if err != nil {
		return nil, err
	}

	journal := oplog.NewJournal(oplogdb.NewRepository(db.DB), oplog.Config{
		RecoveryThreshold: cfg.OperationLog.RecoveryThreshold,
		RecoveryBatch:     cfg.OperationLog.RecoveryBatch,
		MaxRetries:        cfg.OperationLog.MaxRetries,
	})

	auditRepo := auditdb.NewRepository(db.DB)
	trail := audit.NewTrail(auditRepo, audit.NewAuditor(cfg.Audit.Dir), audit.SystemClock, audit.Config{
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		MaxBuffered:   cfg.Audit.MaxBuffered,
	})
	if _, err := trail.ReplaySpilled(ctx); err != nil {
		// Entries stay on disk for the next start.
		slog.WarnContext(ctx, "could not replay spilled audit entries", slog.Any("error", err))
	}

	svc := circulation.NewService(db.DB, journal, trail, circulation.Config{
		FinePerDay:             cfg.Circulation.FinePerDay,
		MaxRenewals:            cfg.Circulation.MaxRenewals,
		CompensationMultiplier: cfg.Circulation.CompensationMultiplier,
		ConflictRetries:        cfg.Circulation.ConflictRetries,
	})

	return &App{
		Config:      cfg,
		DB:          db,
		Journal:     journal,
		Trail:       trail,
		Audit:       audit.NewService(auditRepo),
		Circulation: svc,
		Books:       books.NewRepository(db.DB),
		Readers:     readers.NewRepository(db.DB),
		Loans:       borrowing.NewRepository(db.DB),
	}, nil
}

// Maintainers returns the components the maintenance queues act on.
func (a *App) Maintainers() tasks.Maintainers {
	return tasks.Maintainers{
		Audit:        a.Audit,
		OperationLog: a.Journal,
		SoftDeletes: map[string]tasks.Purger{
			"books":   a.Books,
			"readers": a.Readers,
			"loans":   a.Loans,
		},
		AuditRetentionDays:      a.Config.Audit.RetentionDays,
		OperationRetentionDays:  a.Config.OperationLog.RetentionDays,
		SoftDeleteRetentionDays: a.Config.SoftDelete.RetentionDays,
		RecoveryBatch:           a.Config.OperationLog.RecoveryBatch,
	}
}

// Close flushes the audit trail and closes the database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Trail.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush audit trail: %w", err))
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}

// closeTimeout bounds the final audit flush of short-lived commands.
const closeTimeout = 30 * time.Second

// CloseQuietly closes the app with a bounded timeout and logs any failure.
func (a *App) CloseQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		slog.Error("shutdown incomplete", slog.Any("error", err))
	}
}
