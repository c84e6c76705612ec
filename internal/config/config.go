package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type (
	Config struct {
		HTTP
		Global
		Database
		Log
		Tasks
		Audit
		OperationLog
		SoftDelete
		Circulation
		Maintenance
		Metrics
	}

	HTTP struct {
		Port           int32
		Host           string
		AllowedOrigins []string // CORS origins; empty disables CORS handling
	}

	Global struct {
		ShutdownTimeoutInSeconds int
		ReadOnly                 bool // Reject every write request, e.g. during a restore
	}
	Database struct {
		Path      string
		TasksPath string // Separate SQLite file used by the background task queue
	}
	Log struct {
		Level  string // debug, info, warn, error
		Format string // text or json
	}
	Tasks struct {
		Enabled           bool
		Workers           int
		MaxRetries        int
		RetryDelay        time.Duration
		TaskTimeout       time.Duration
		ReleaseAfter      time.Duration
		CleanupInterval   time.Duration
		RetentionDuration time.Duration
	}
	Audit struct {
		Dir           string // Spill directory for entries that could not be persisted
		RetentionDays int    // Days to keep audit log rows (default: 365)
		BatchSize     int
		FlushInterval time.Duration
		MaxBuffered   int // Entries kept in memory before spilling to Dir
	}
	OperationLog struct {
		RetentionDays     int           // Days to keep terminal entries (default: 7)
		RecoveryThreshold time.Duration // Age after which pending entries are failed
		RecoveryBatch     int
		MaxRetries        int
	}
	SoftDelete struct {
		RetentionDays int // Days before soft-deleted rows are purged (default: 30)
	}
	Circulation struct {
		FinePerDay             decimal.Decimal
		MaxRenewals            int
		CompensationMultiplier decimal.Decimal // Lost book fine = price * multiplier
		ConflictRetries        int
	}
	Maintenance struct {
		Enabled          bool
		OverdueSchedule  string // Cron format: "5 0 * * *" = daily at 00:05
		RecoverySchedule string // Cron format: "*/30 * * * *" = every 30 minutes
		CleanupSchedule  string // Cron format: "0 2 * * *" = daily at 02:00
	}
	Metrics struct {
		Enabled bool
	}
)

func NewConfig() *Config {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("port", 8188)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("cors_allowed_origins", "")
	v.SetDefault("shutdown_timeout_in_seconds", 5)
	v.SetDefault("read_only", false)
	v.SetDefault("database_path", DefaultDatabasePath)
	v.SetDefault("tasks_database_path", DefaultTasksDatabasePath)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	// Audit trail defaults
	v.SetDefault("audit_dir", "./audit")
	v.SetDefault("audit_retention_days", 365)
	v.SetDefault("audit_batch_size", 100)
	v.SetDefault("audit_flush_interval", "5s")
	v.SetDefault("audit_max_buffered", 1000)

	// Operation log defaults
	v.SetDefault("oplog_retention_days", 7)
	v.SetDefault("oplog_recovery_threshold", "24h")
	v.SetDefault("oplog_recovery_batch", 100)
	v.SetDefault("oplog_max_retries", 3)

	v.SetDefault("soft_delete_retention_days", 30)

	// Circulation rules
	v.SetDefault("fine_per_day", "0.10")
	v.SetDefault("max_renewals", 2)
	v.SetDefault("compensation_multiplier", "2")
	v.SetDefault("conflict_retries", 3)

	// Maintenance schedules
	v.SetDefault("maintenance_enabled", true)
	v.SetDefault("overdue_schedule", "5 0 * * *")
	v.SetDefault("recovery_schedule", "*/30 * * * *")
	v.SetDefault("cleanup_schedule", "0 2 * * *")

	v.SetDefault("metrics_enabled", true)

	// Task queue defaults
	v.SetDefault("tasks_enabled", true)
	v.SetDefault("task_workers", 2)
	v.SetDefault("task_max_retries", 3)
	v.SetDefault("task_retry_delay", "1m")
	v.SetDefault("task_timeout", "5m")
	v.SetDefault("task_release_after", "15m")
	v.SetDefault("task_cleanup_interval", "1h")
	v.SetDefault("task_retention_duration", "24h")

	return &Config{
		HTTP: HTTP{
			Port:           v.GetInt32("PORT"),
			Host:           v.GetString("HOST"),
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		Global: Global{
			ShutdownTimeoutInSeconds: v.GetInt("SHUTDOWN_TIMEOUT_IN_SECONDS"),
			ReadOnly:                 v.GetBool("READ_ONLY"),
		},
		Database: Database{
			Path:      v.GetString("DATABASE_PATH"),
			TasksPath: v.GetString("TASKS_DATABASE_PATH"),
		},
		Log: Log{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Tasks: Tasks{
			Enabled:           v.GetBool("TASKS_ENABLED"),
			Workers:           v.GetInt("TASK_WORKERS"),
			MaxRetries:        v.GetInt("TASK_MAX_RETRIES"),
			RetryDelay:        v.GetDuration("TASK_RETRY_DELAY"),
			TaskTimeout:       v.GetDuration("TASK_TIMEOUT"),
			ReleaseAfter:      v.GetDuration("TASK_RELEASE_AFTER"),
			CleanupInterval:   v.GetDuration("TASK_CLEANUP_INTERVAL"),
			RetentionDuration: v.GetDuration("TASK_RETENTION_DURATION"),
		},
		Audit: Audit{
			Dir:           v.GetString("AUDIT_DIR"),
			RetentionDays: v.GetInt("AUDIT_RETENTION_DAYS"),
			BatchSize:     v.GetInt("AUDIT_BATCH_SIZE"),
			FlushInterval: v.GetDuration("AUDIT_FLUSH_INTERVAL"),
			MaxBuffered:   v.GetInt("AUDIT_MAX_BUFFERED"),
		},
		OperationLog: OperationLog{
			RetentionDays:     v.GetInt("OPLOG_RETENTION_DAYS"),
			RecoveryThreshold: v.GetDuration("OPLOG_RECOVERY_THRESHOLD"),
			RecoveryBatch:     v.GetInt("OPLOG_RECOVERY_BATCH"),
			MaxRetries:        v.GetInt("OPLOG_MAX_RETRIES"),
		},
		SoftDelete: SoftDelete{
			RetentionDays: v.GetInt("SOFT_DELETE_RETENTION_DAYS"),
		},
		Circulation: Circulation{
			FinePerDay:             getDecimal(v, "FINE_PER_DAY", DefaultFinePerDay),
			MaxRenewals:            v.GetInt("MAX_RENEWALS"),
			CompensationMultiplier: getDecimal(v, "COMPENSATION_MULTIPLIER", DefaultCompensationMultiplier),
			ConflictRetries:        v.GetInt("CONFLICT_RETRIES"),
		},
		Maintenance: Maintenance{
			Enabled:          v.GetBool("MAINTENANCE_ENABLED"),
			OverdueSchedule:  v.GetString("OVERDUE_SCHEDULE"),
			RecoverySchedule: v.GetString("RECOVERY_SCHEDULE"),
			CleanupSchedule:  v.GetString("CLEANUP_SCHEDULE"),
		},
		Metrics: Metrics{
			Enabled: v.GetBool("METRICS_ENABLED"),
		},
	}
}

// getDecimal parses a monetary setting, falling back to def on malformed input.
func getDecimal(v *viper.Viper, key string, def string) decimal.Decimal {
	d, err := decimal.NewFromString(v.GetString(key))
	if err != nil {
		return decimal.RequireFromString(def)
	}
	return d
}

// splitList parses a comma-separated setting, dropping blank items.
func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
