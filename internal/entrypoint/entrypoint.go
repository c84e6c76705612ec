package entrypoint

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mrlokans/circulation/internal/config"
	http_controllers "github.com/mrlokans/circulation/internal/http"
	"github.com/mrlokans/circulation/internal/scheduler"
	"github.com/mrlokans/circulation/internal/tasks"
)

// ShutdownFunc is called during graceful shutdown to clean up resources.
type ShutdownFunc func(ctx context.Context)

func Serve(router *gin.Engine, cfg *config.Config, onShutdown ShutdownFunc) {
	timeout := time.Duration(cfg.Global.ShutdownTimeoutInSeconds) * time.Second

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler: router,
	}

	go func() {
		slog.Info("starting server", slog.String("addr", srv.Addr))
		// service connections
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	// kill (no param) default send syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	// kill -9 is syscall.SIGKILL but can't be caught, so don't need add it
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server", slog.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Stop taking requests before background work is drained
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown", slog.Any("error", err))
	}

	if onShutdown != nil {
		onShutdown(ctx)
	}

	slog.Info("server exiting")
}

func Run(cfg *config.Config, version string) {
	config.SetupLogger(cfg.Log)
	slog.Info("starting circulation", slog.String("version", version))

	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		gin.SetMode(gin.ReleaseMode)
	}

	app, err := Open(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to initialize", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize task queue if enabled
	var taskClient *tasks.Client
	var taskCtxCancel context.CancelFunc
	if cfg.Tasks.Enabled {
		taskCfg := tasks.Config{
			Workers:           cfg.Tasks.Workers,
			MaxRetries:        cfg.Tasks.MaxRetries,
			RetryDelay:        cfg.Tasks.RetryDelay,
			TaskTimeout:       cfg.Tasks.TaskTimeout,
			ReleaseAfter:      cfg.Tasks.ReleaseAfter,
			CleanupInterval:   cfg.Tasks.CleanupInterval,
			RetentionDuration: cfg.Tasks.RetentionDuration,
		}

		taskClient, err = tasks.NewClient(cfg.Database.TasksPath, taskCfg)
		if err != nil {
			slog.Error("failed to initialize task queue", slog.Any("error", err))
			app.CloseQuietly()
			os.Exit(1)
		}

		// Register task queues
		taskClient.Register(app.Maintainers().Queues()...)

		// Start task workers in background
		var taskCtx context.Context
		taskCtx, taskCtxCancel = context.WithCancel(context.Background())
		go taskClient.Start(taskCtx)
	}

	// Periodic maintenance
	var maintenance *scheduler.Maintenance
	if cfg.Maintenance.Enabled {
		maintCfg := cfg.Maintenance
		var queue scheduler.Enqueuer
		if taskClient != nil {
			queue = taskClient
		} else {
			slog.Warn("task queue disabled, only the overdue sweep is scheduled")
			maintCfg.RecoverySchedule = ""
			maintCfg.CleanupSchedule = ""
		}
		maintenance = scheduler.NewMaintenance(maintCfg, app.Circulation, queue)
		if err := maintenance.Start(context.Background()); err != nil {
			slog.Error("failed to start maintenance scheduler", slog.Any("error", err))
			os.Exit(1)
		}
	}

	if cfg.Global.ReadOnly {
		slog.Warn("read-only mode enabled, write requests will be rejected")
	}

	// Build router configuration with all dependencies
	routerCfg := http_controllers.RouterConfig{
		Loans:          app.Circulation,
		Catalog:        app.Circulation,
		Books:          app.Circulation.Books(),
		Readers:        app.Circulation.Readers(),
		LoanRecords:    app.Circulation.LoanRecords(),
		Audit:          app.Audit,
		Operations:     app.Journal,
		Database:       app.DB,
		AuditTrail:     app.Trail,
		Version:        version,
		MetricsEnabled: cfg.Metrics.Enabled,
		ReadOnly:       cfg.Global.ReadOnly,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}
	if taskClient != nil {
		routerCfg.TaskQueue = taskClient
	}

	router := http_controllers.NewRouter(routerCfg)

	// Shutdown callback for graceful cleanup
	onShutdown := func(ctx context.Context) {
		if maintenance != nil {
			maintenance.Stop()
		}
		if taskClient != nil && taskCtxCancel != nil {
			taskClient.Stop(ctx)
			taskCtxCancel()
			if err := taskClient.Close(); err != nil {
				slog.Error("error closing task client", slog.Any("error", err))
			}
		}
		if err := app.Close(ctx); err != nil {
			slog.Error("error closing application", slog.Any("error", err))
		}
	}

	Serve(router, cfg, onShutdown)
}
