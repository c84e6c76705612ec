package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mrlokans/circulation/internal/entities"
)

// DSNParams are appended to every SQLite path. Writers take the lock at BEGIN
// so two transactions never both read a version and then race to upgrade.
const DSNParams = "_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// DefaultReaderCategory is seeded so a fresh database can register readers.
var DefaultReaderCategory = entities.ReaderCategory{
	Code:           "STANDARD",
	Name:           "Standard",
	MaxBorrowCount: 5,
	MaxBorrowDays:  30,
	ValidityDays:   365,
}

type Database struct {
	DB *gorm.DB
}

type Options struct {
	// LogLevel controls gorm's SQL logging; logger.Silent disables it.
	LogLevel logger.LogLevel
}

// DSN returns the connection string for the SQLite file at path.
func DSN(path string) string {
	return path + "?" + DSNParams
}

func NewDatabase(dbPath string) (*Database, error) {
	return Open(dbPath, Options{LogLevel: logger.Warn})
}

func Open(dbPath string, opts Options) (*Database, error) {
	if opts.LogLevel == 0 {
		opts.LogLevel = logger.Warn
	}
	db, err := gorm.Open(sqlite.Open(DSN(dbPath)), &gorm.Config{
		Logger:  logger.Default.LogMode(opts.LogLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	err = db.AutoMigrate(
		&entities.ReaderCategory{},
		&entities.BookCategory{},
		&entities.Book{},
		&entities.Reader{},
		&entities.BorrowingRecord{},
		&entities.OperationLog{},
		&entities.AuditLog{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	database := &Database{DB: db}

	if err := database.seedReaderCategories(); err != nil {
		return nil, fmt.Errorf("failed to seed reader categories: %w", err)
	}

	slog.Info("database initialized", slog.String("path", dbPath))

	return database, nil
}

// GormLogLevel maps a process log level to gorm's logger level. SQL tracing
// is only enabled at debug.
func GormLogLevel(level slog.Level) logger.LogLevel {
	switch {
	case level <= slog.LevelDebug:
		return logger.Info
	case level <= slog.LevelWarn:
		return logger.Warn
	default:
		return logger.Error
	}
}

func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *Database) seedReaderCategories() error {
	var existing entities.ReaderCategory
	err := d.DB.Where("code = ?", DefaultReaderCategory.Code).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		category := DefaultReaderCategory
		if err := d.DB.Create(&category).Error; err != nil {
			return fmt.Errorf("failed to create reader category %s: %w", category.Code, err)
		}
		slog.Info("created reader category", slog.String("code", category.Code))
		return nil
	}
	return err
}
