// Package scheduler runs the periodic maintenance of the circulation core on
// cron schedules: overdue promotion, recovery of stale operation log entries
// and retention cleanup.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mikestefanello/backlite"
	"github.com/robfig/cron/v3"

	"github.com/mrlokans/circulation/internal/config"
	"github.com/mrlokans/circulation/internal/metrics"
	"github.com/mrlokans/circulation/internal/tasks"
)

const (
	JobOverdue  = "overdue"
	JobRecovery = "recovery"
	JobCleanup  = "cleanup"

	jobTimeout = 10 * time.Minute
)

var (
	// ErrUnknownJob is returned by RunNow for a job name that is not scheduled.
	ErrUnknownJob = errors.New("unknown maintenance job")
	// ErrNoQueue is returned by queue-backed jobs when the task queue is disabled.
	ErrNoQueue = errors.New("task queue disabled")
)

// OverduePromoter marks loans past their due date as overdue.
type OverduePromoter interface {
	PromoteOverdue(ctx context.Context) (int, error)
}

// Enqueuer hands a task to the background queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task backlite.Task) (string, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule checks a five-field cron expression.
func ValidateSchedule(schedule string) error {
	_, err := parser.Parse(schedule)
	return err
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) error

	entryID cron.EntryID
	active  bool
}

// Maintenance owns the cron entries of the maintenance jobs. A job that is
// still running when its next tick arrives is skipped.
type Maintenance struct {
	cron   *cron.Cron
	jobs   map[string]*job
	order  []string
	logger *slog.Logger

	mu         sync.RWMutex
	isRunning  bool
	cancelFunc context.CancelFunc

	// activeMu guards job.active; Stop holds mu while waiting for jobs.
	activeMu sync.Mutex
}

// NewMaintenance wires the jobs to their schedules. Cleanup and recovery are
// enqueued on the task queue so retries and history come from it; queue may
// be nil when the queue is disabled.
func NewMaintenance(cfg config.Maintenance, promoter OverduePromoter, queue Enqueuer) *Maintenance {
	m := &Maintenance{
		cron:   cron.New(cron.WithParser(parser)),
		jobs:   make(map[string]*job),
		logger: slog.Default().With(slog.String("component", "scheduler")),
	}

	m.add(JobOverdue, cfg.OverdueSchedule, func(ctx context.Context) error {
		n, err := promoter.PromoteOverdue(ctx)
		if err != nil {
			return err
		}
		m.logger.InfoContext(ctx, "overdue sweep finished", slog.Int("promoted", n))
		return nil
	})
	m.add(JobRecovery, cfg.RecoverySchedule, func(ctx context.Context) error {
		return m.enqueue(ctx, queue, tasks.RecoverPendingOperationsTask{})
	})
	m.add(JobCleanup, cfg.CleanupSchedule, func(ctx context.Context) error {
		return m.enqueue(ctx, queue,
			tasks.CleanupAuditLogsTask{},
			tasks.CleanupOperationLogsTask{},
			tasks.CleanupSoftDeletesTask{},
		)
	})
	return m
}

func (m *Maintenance) add(name, schedule string, run func(ctx context.Context) error) {
	m.jobs[name] = &job{name: name, schedule: schedule, run: run}
	m.order = append(m.order, name)
}

func (m *Maintenance) enqueue(ctx context.Context, queue Enqueuer, batch ...backlite.Task) error {
	if queue == nil {
		return ErrNoQueue
	}
	var errs []error
	for _, task := range batch {
		id, err := queue.Enqueue(ctx, task)
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", task.Config().Name, err))
			continue
		}
		m.logger.DebugContext(ctx, "maintenance task enqueued",
			slog.String("queue", task.Config().Name),
			slog.String("task_id", id))
	}
	return errors.Join(errs...)
}

// Start validates every schedule and starts the cron loop. Jobs with an empty
// schedule are not scheduled but can still be run with RunNow.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil
	}

	for _, name := range m.order {
		j := m.jobs[name]
		if j.schedule == "" {
			m.logger.Info("maintenance job not scheduled", slog.String("job", name))
			continue
		}
		if err := ValidateSchedule(j.schedule); err != nil {
			m.removeEntriesLocked()
			return fmt.Errorf("invalid cron schedule '%s' for %s: %w", j.schedule, name, err)
		}
		entryID, err := m.cron.AddFunc(j.schedule, func() { m.runScheduled(j.name) })
		if err != nil {
			m.removeEntriesLocked()
			return fmt.Errorf("failed to schedule %s job: %w", name, err)
		}
		j.entryID = entryID
	}

	var cancelCtx context.Context
	cancelCtx, m.cancelFunc = context.WithCancel(ctx)

	m.cron.Start()
	m.isRunning = true

	for _, name := range m.order {
		if next := m.nextRunLocked(name); next != nil {
			m.logger.Info("maintenance job scheduled",
				slog.String("job", name),
				slog.String("schedule", m.jobs[name].schedule),
				slog.Time("next_run", *next))
		}
	}

	go func() {
		<-cancelCtx.Done()
		m.Stop()
	}()

	return nil
}

func (m *Maintenance) removeEntriesLocked() {
	for _, j := range m.jobs {
		if j.entryID != 0 {
			m.cron.Remove(j.entryID)
			j.entryID = 0
		}
	}
}

// Stop stops accepting ticks and waits for running jobs to complete.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return
	}

	done := m.cron.Stop()
	<-done.Done()

	m.removeEntriesLocked()
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.cancelFunc = nil
	}
	m.isRunning = false

	m.logger.Info("maintenance scheduler stopped")
}

func (m *Maintenance) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

// NextRun returns when a job fires next, or nil if it is not scheduled.
func (m *Maintenance) NextRun(name string) *time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextRunLocked(name)
}

func (m *Maintenance) nextRunLocked(name string) *time.Time {
	j, ok := m.jobs[name]
	if !ok || !m.isRunning || j.entryID == 0 {
		return nil
	}
	next := m.cron.Entry(j.entryID).Next
	return &next
}

// RunNow runs a job synchronously.
func (m *Maintenance) RunNow(ctx context.Context, name string) error {
	if _, ok := m.jobs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return m.run(ctx, name)
}

func (m *Maintenance) runScheduled(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	if err := m.run(ctx, name); err != nil {
		m.logger.Error("maintenance job failed", slog.String("job", name), slog.Any("error", err))
	}
}

func (m *Maintenance) run(ctx context.Context, name string) error {
	j := m.jobs[name]
	m.activeMu.Lock()
	if j.active {
		m.activeMu.Unlock()
		m.logger.InfoContext(ctx, "maintenance job skipped (already running)", slog.String("job", name))
		return nil
	}
	j.active = true
	m.activeMu.Unlock()

	defer func() {
		m.activeMu.Lock()
		j.active = false
		m.activeMu.Unlock()
	}()

	start := time.Now()
	err := j.run(ctx)
	metrics.MaintenanceRuns.WithLabelValues("scheduler_"+name, metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("%s job: %w", name, err)
	}
	m.logger.DebugContext(ctx, "maintenance job finished",
		slog.String("job", name),
		slog.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return nil
}
