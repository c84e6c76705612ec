package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mrlokans/circulation/internal/config"
	"github.com/mrlokans/circulation/internal/entrypoint"
	"github.com/mrlokans/circulation/internal/tasks"
)

const commandTimeout = 10 * time.Minute

// maintenanceCommand carries what every maintenance command shares.
type maintenanceCommand struct {
	Config       *config.Config
	DatabasePath string
	Out          io.Writer
}

func newMaintenanceCommand() maintenanceCommand {
	return maintenanceCommand{Config: config.NewConfig(), Out: os.Stdout}
}

func (cmd *maintenanceCommand) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&cmd.DatabasePath, "db", cmd.Config.Database.Path, "Path to the circulation database")
}

// open resolves the database path and opens the application.
func (cmd *maintenanceCommand) open(ctx context.Context) (*entrypoint.App, error) {
	absDBPath, err := filepath.Abs(cmd.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for database: %w", err)
	}
	if _, err := os.Stat(absDBPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found: %s", absDBPath)
	}
	cmd.Config.Database.Path = absDBPath
	config.SetupLogger(cmd.Config.Log)
	return entrypoint.Open(ctx, cmd.Config)
}

func (cmd *maintenanceCommand) printf(format string, args ...any) {
	fmt.Fprintf(cmd.Out, format, args...)
}

// RecoverCommand fails operation log entries left pending by a crash.
type RecoverCommand struct {
	maintenanceCommand
	MaxBatch int
}

func NewRecoverCommand() *RecoverCommand {
	return &RecoverCommand{maintenanceCommand: newMaintenanceCommand()}
}

func (cmd *RecoverCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	cmd.bindFlags(fs)
	fs.IntVar(&cmd.MaxBatch, "batch", cmd.Config.OperationLog.RecoveryBatch, "Maximum number of pending operations to fail in one run")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s recover [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Mark operations left pending longer than OPLOG_RECOVERY_THRESHOLD as failed.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if cmd.MaxBatch <= 0 {
		return fmt.Errorf("-batch must be positive")
	}
	return nil
}

func (cmd *RecoverCommand) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	app, err := cmd.open(ctx)
	if err != nil {
		return err
	}
	defer app.CloseQuietly()

	failed, err := app.Journal.RecoverPending(ctx, cmd.MaxBatch)
	if err != nil {
		return fmt.Errorf("recover pending operations: %w", err)
	}
	cmd.printf("Recovered %d pending operations\n", failed)
	return nil
}

// SweepOverdueCommand marks loans past their due date as overdue.
type SweepOverdueCommand struct {
	maintenanceCommand
	List bool
}

func NewSweepOverdueCommand() *SweepOverdueCommand {
	return &SweepOverdueCommand{maintenanceCommand: newMaintenanceCommand()}
}

func (cmd *SweepOverdueCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("sweep-overdue", flag.ContinueOnError)
	cmd.bindFlags(fs)
	fs.BoolVar(&cmd.List, "list", false, "Print every overdue loan after the sweep")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s sweep-overdue [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Mark borrowed loans due before today as overdue.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	return fs.Parse(args)
}

func (cmd *SweepOverdueCommand) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	app, err := cmd.open(ctx)
	if err != nil {
		return err
	}
	defer app.CloseQuietly()

	promoted, err := app.Circulation.PromoteOverdue(ctx)
	if err != nil {
		return err
	}
	cmd.printf("Marked %d loans overdue\n", promoted)

	if !cmd.List {
		return nil
	}
	loans, err := app.Circulation.ListOverdue(ctx)
	if err != nil {
		return err
	}
	cmd.printf("\n=== Overdue Loans (%d) ===\n", len(loans))
	for _, loan := range loans {
		cmd.printf("loan %d: reader %d, book %d, due %s\n",
			loan.ID, loan.ReaderID, loan.BookID, loan.DueDate.Format(time.DateOnly))
	}
	return nil
}

// CleanupCommand applies the retention policies once, without the task queue.
type CleanupCommand struct {
	maintenanceCommand
	AuditDays      int
	OperationDays  int
	SoftDeleteDays int
}

func NewCleanupCommand() *CleanupCommand {
	return &CleanupCommand{maintenanceCommand: newMaintenanceCommand()}
}

func (cmd *CleanupCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	cmd.bindFlags(fs)
	fs.IntVar(&cmd.AuditDays, "audit-days", cmd.Config.Audit.RetentionDays, "Delete audit log rows older than this many days")
	fs.IntVar(&cmd.OperationDays, "oplog-days", cmd.Config.OperationLog.RetentionDays, "Delete finished operation log entries older than this many days")
	fs.IntVar(&cmd.SoftDeleteDays, "soft-delete-days", cmd.Config.SoftDelete.RetentionDays, "Purge rows soft-deleted more than this many days ago")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s cleanup [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Apply the audit log, operation log and soft-delete retention policies.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if cmd.AuditDays <= 0 || cmd.OperationDays <= 0 || cmd.SoftDeleteDays <= 0 {
		return fmt.Errorf("retention periods must be positive")
	}
	return nil
}

// Run executes each cleanup and reports every failure, not just the first.
func (cmd *CleanupCommand) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	app, err := cmd.open(ctx)
	if err != nil {
		return err
	}
	defer app.CloseQuietly()

	m := app.Maintainers()
	steps := []struct {
		name string
		run  func() error
	}{
		{"audit logs", func() error {
			return tasks.CleanupAuditLogsProcessor(m.Audit, m.AuditRetentionDays)(ctx, tasks.CleanupAuditLogsTask{RetentionDays: cmd.AuditDays})
		}},
		{"operation logs", func() error {
			return tasks.CleanupOperationLogsProcessor(m.OperationLog, m.OperationRetentionDays)(ctx, tasks.CleanupOperationLogsTask{RetentionDays: cmd.OperationDays})
		}},
		{"soft-deleted rows", func() error {
			return tasks.CleanupSoftDeletesProcessor(m.SoftDeletes, m.SoftDeleteRetentionDays)(ctx, tasks.CleanupSoftDeletesTask{RetentionDays: cmd.SoftDeleteDays})
		}},
	}

	var errs []error
	for _, step := range steps {
		if err := step.run(); err != nil {
			cmd.printf("[ERROR] %s: %v\n", step.name, err)
			errs = append(errs, err)
			continue
		}
		cmd.printf("[OK] %s\n", step.name)
	}
	return errors.Join(errs...)
}
