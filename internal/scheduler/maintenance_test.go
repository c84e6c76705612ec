package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mikestefanello/backlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlokans/circulation/internal/config"
	"github.com/mrlokans/circulation/internal/tasks"
)

type fakePromoter struct {
	calls int
	err   error
}

func (f *fakePromoter) PromoteOverdue(context.Context) (int, error) {
	f.calls++
	return 2, f.err
}

type fakeQueue struct {
	mu     sync.Mutex
	queued []string
	fail   string
}

func (f *fakeQueue) Enqueue(_ context.Context, task backlite.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := task.Config().Name
	if name == f.fail {
		return "", errors.New("queue unavailable")
	}
	f.queued = append(f.queued, name)
	return "task-" + name, nil
}

func schedules() config.Maintenance {
	return config.Maintenance{
		Enabled:          true,
		OverdueSchedule:  "5 0 * * *",
		RecoverySchedule: "*/30 * * * *",
		CleanupSchedule:  "0 2 * * *",
	}
}

func TestRunNow(t *testing.T) {
	ctx := context.Background()
	promoter := &fakePromoter{}
	queue := &fakeQueue{}
	m := NewMaintenance(schedules(), promoter, queue)

	require.NoError(t, m.RunNow(ctx, JobOverdue))
	assert.Equal(t, 1, promoter.calls)

	require.NoError(t, m.RunNow(ctx, JobRecovery))
	assert.Equal(t, []string{tasks.QueueRecoverOperations}, queue.queued)

	require.NoError(t, m.RunNow(ctx, JobCleanup))
	assert.Equal(t, []string{
		tasks.QueueRecoverOperations,
		tasks.QueueCleanupAuditLogs,
		tasks.QueueCleanupOperationLogs,
		tasks.QueueCleanupSoftDeletes,
	}, queue.queued)

	err := m.RunNow(ctx, "reindex")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunNowReportsFailures(t *testing.T) {
	ctx := context.Background()
	promoter := &fakePromoter{err: errors.New("database is locked")}
	queue := &fakeQueue{fail: tasks.QueueCleanupOperationLogs}
	m := NewMaintenance(schedules(), promoter, queue)

	err := m.RunNow(ctx, JobOverdue)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")

	// One failed enqueue does not stop the others.
	err = m.RunNow(ctx, JobCleanup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), tasks.QueueCleanupOperationLogs)
	assert.Equal(t, []string{tasks.QueueCleanupAuditLogs, tasks.QueueCleanupSoftDeletes}, queue.queued)
}

func TestQueueJobsWithoutQueue(t *testing.T) {
	m := NewMaintenance(schedules(), &fakePromoter{}, nil)

	assert.ErrorIs(t, m.RunNow(context.Background(), JobCleanup), ErrNoQueue)
	assert.NoError(t, m.RunNow(context.Background(), JobOverdue))
}

func TestStartStop(t *testing.T) {
	m := NewMaintenance(schedules(), &fakePromoter{}, &fakeQueue{})

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning())
	for _, name := range []string{JobOverdue, JobRecovery, JobCleanup} {
		assert.NotNil(t, m.NextRun(name), name)
	}

	// Starting twice is a no-op.
	require.NoError(t, m.Start(context.Background()))

	m.Stop()
	assert.False(t, m.IsRunning())
	assert.Nil(t, m.NextRun(JobOverdue))
}

func TestStartSkipsEmptySchedule(t *testing.T) {
	cfg := schedules()
	cfg.CleanupSchedule = ""
	m := NewMaintenance(cfg, &fakePromoter{}, &fakeQueue{})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Nil(t, m.NextRun(JobCleanup))
	assert.NotNil(t, m.NextRun(JobOverdue))
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	cfg := schedules()
	cfg.RecoverySchedule = "every half hour"
	m := NewMaintenance(cfg, &fakePromoter{}, &fakeQueue{})

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery")
	assert.False(t, m.IsRunning())
}

func TestStopOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMaintenance(schedules(), &fakePromoter{}, &fakeQueue{})
	require.NoError(t, m.Start(ctx))

	cancel()
	assert.Eventually(t, func() bool { return !m.IsRunning() }, time.Second, 10*time.Millisecond)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("*/15 * * * *"))
	assert.Error(t, ValidateSchedule("0 0 * * * *"))
	assert.Error(t, ValidateSchedule(""))
}
