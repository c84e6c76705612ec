package oplog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlokans/circulation/internal/actor"
	"github.com/mrlokans/circulation/internal/database/dbtest"
	oplogdb "github.com/mrlokans/circulation/internal/database/oplog"
	"github.com/mrlokans/circulation/internal/entities"
	"github.com/mrlokans/circulation/internal/retry"
)

func setupJournal(t *testing.T) (*Journal, *oplogdb.Repository) {
	t.Helper()
	db := dbtest.New(t)
	repo := oplogdb.NewRepository(db.DB)
	return NewJournal(repo, Config{}), repo
}

func testIntent() Intent {
	return Intent{
		Table:    "borrowing_records",
		RecordID: 12,
		Type:     entities.OperationUpdate,
		Old:      map[string]any{"status": "borrowed"},
		New:      map[string]any{"status": "returned"},
	}
}

func mustGet(t *testing.T, j *Journal, opID string) *entities.OperationLog {
	t.Helper()
	entry, err := j.Get(context.Background(), opID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	return entry
}

func TestNewOperationID(t *testing.T) {
	a := NewOperationID()
	b := NewOperationID()

	assert.True(t, strings.HasPrefix(a, "op_"))
	assert.Len(t, a, len("op_")+36)
	assert.NotEqual(t, a, b)
}

func TestJournalLifecycle(t *testing.T) {
	j, _ := setupJournal(t)
	ctx := actor.WithID(context.Background(), 5)

	t.Run("begin writes a pending entry with snapshots", func(t *testing.T) {
		opID, err := j.Begin(ctx, testIntent())
		require.NoError(t, err)

		entry := mustGet(t, j, opID)
		assert.Equal(t, entities.OperationPending, entry.Status)
		assert.Equal(t, "borrowing_records", entry.Table)
		require.NotNil(t, entry.RecordID)
		assert.Equal(t, uint(12), *entry.RecordID)
		assert.JSONEq(t, `{"status":"borrowed"}`, entry.OldData)
		assert.JSONEq(t, `{"status":"returned"}`, entry.NewData)
		require.NotNil(t, entry.CreatedBy)
		assert.Equal(t, uint(5), *entry.CreatedBy)
	})

	t.Run("commit is one-way", func(t *testing.T) {
		opID, err := j.Begin(ctx, testIntent())
		require.NoError(t, err)

		require.NoError(t, j.Commit(ctx, opID))
		entry := mustGet(t, j, opID)
		assert.Equal(t, entities.OperationCommitted, entry.Status)
		assert.NotNil(t, entry.CommittedAt)

		require.NoError(t, j.Rollback(ctx, opID, "too late"))
		entry = mustGet(t, j, opID)
		assert.Equal(t, entities.OperationCommitted, entry.Status)
		assert.Empty(t, entry.ErrorMessage)
	})

	t.Run("rollback records the message", func(t *testing.T) {
		opID, err := j.Begin(ctx, testIntent())
		require.NoError(t, err)

		require.NoError(t, j.Rollback(ctx, opID, "stock unavailable"))
		entry := mustGet(t, j, opID)
		assert.Equal(t, entities.OperationRolledBack, entry.Status)
		assert.Equal(t, "stock unavailable", entry.ErrorMessage)
		assert.NotNil(t, entry.RolledBackAt)

		require.NoError(t, j.Commit(ctx, opID))
		assert.Equal(t, entities.OperationRolledBack, mustGet(t, j, opID).Status)
	})

	t.Run("unknown operation ids are ignored", func(t *testing.T) {
		assert.NoError(t, j.Commit(ctx, "op_missing"))
		assert.NoError(t, j.Rollback(ctx, "op_missing", "x"))
		assert.NoError(t, j.MarkFailed(ctx, "op_missing", "x"))

		entry, err := j.Get(ctx, "op_missing")
		require.NoError(t, err)
		assert.Nil(t, entry)
	})
}

func TestBeginStorageFailure(t *testing.T) {
	db := dbtest.New(t)
	j := NewJournal(oplogdb.NewRepository(db.DB), Config{})
	require.NoError(t, db.Close())

	_, err := j.Begin(context.Background(), testIntent())
	var logErr *OperationLogError
	require.True(t, errors.As(err, &logErr))
	assert.Equal(t, "begin", logErr.Op)
}

func TestBeginUnmarshalableSnapshot(t *testing.T) {
	j, _ := setupJournal(t)

	intent := testIntent()
	intent.New = map[string]any{"ch": make(chan int)}

	_, err := j.Begin(context.Background(), intent)
	var logErr *OperationLogError
	assert.True(t, errors.As(err, &logErr))
}

func TestWithIntent(t *testing.T) {
	j, repo := setupJournal(t)
	ctx := context.Background()

	t.Run("commits on success and exposes the operation id", func(t *testing.T) {
		var seen string
		result, err := WithIntent(ctx, j, testIntent(), func(ctx context.Context) (int, error) {
			seen = OperationID(ctx)
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, result)
		require.NotEmpty(t, seen)
		assert.Equal(t, entities.OperationCommitted, mustGet(t, j, seen).Status)
	})

	t.Run("rolls back and returns the original error", func(t *testing.T) {
		boom := errors.New("reader has reached maximum of 5 loans")
		var seen string
		_, err := WithIntent(ctx, j, testIntent(), func(ctx context.Context) (int, error) {
			seen = OperationID(ctx)
			return 0, boom
		})
		assert.Same(t, boom, err)

		entry := mustGet(t, j, seen)
		assert.Equal(t, entities.OperationRolledBack, entry.Status)
		assert.Equal(t, boom.Error(), entry.ErrorMessage)
	})

	t.Run("rolls back and re-raises panics", func(t *testing.T) {
		var seen string
		assert.PanicsWithValue(t, "kaboom", func() {
			_, _ = WithIntent(ctx, j, testIntent(), func(ctx context.Context) (int, error) {
				seen = OperationID(ctx)
				panic("kaboom")
			})
		})

		entry := mustGet(t, j, seen)
		assert.Equal(t, entities.OperationRolledBack, entry.Status)
		assert.Equal(t, "panic: kaboom", entry.ErrorMessage)
	})

	t.Run("records rollback even when the caller context is cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		var seen string
		_, err := WithIntent(cctx, j, testIntent(), func(ctx context.Context) (int, error) {
			seen = OperationID(ctx)
			cancel()
			return 0, ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, entities.OperationRolledBack, mustGet(t, j, seen).Status)
	})

	t.Run("nothing runs when begin fails", func(t *testing.T) {
		intent := testIntent()
		intent.Old = func() {}
		called := false
		_, err := WithIntent(ctx, j, intent, func(ctx context.Context) (int, error) {
			called = true
			return 1, nil
		})
		require.Error(t, err)
		assert.False(t, called)

		_, total, err := repo.List(ctx, entities.OperationPending, 10, 0)
		require.NoError(t, err)
		assert.Zero(t, total)
	})
}

func TestRetry(t *testing.T) {
	j, _ := setupJournal(t)
	ctx := context.Background()

	t.Run("returns first success", func(t *testing.T) {
		var sleeper retry.Recorder
		jj := j.WithSleeper(sleeper.Sleep)
		opID, err := jj.Begin(ctx, testIntent())
		require.NoError(t, err)

		calls := 0
		got, err := Retry(ctx, jj, opID, 3, func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("busy")
			}
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.Delays)
		assert.Equal(t, entities.OperationPending, mustGet(t, jj, opID).Status)
	})

	t.Run("marks failed when exhausted", func(t *testing.T) {
		var sleeper retry.Recorder
		jj := j.WithSleeper(sleeper.Sleep)
		opID, err := jj.Begin(ctx, testIntent())
		require.NoError(t, err)

		calls := 0
		last := errors.New("still busy")
		_, err = Retry(ctx, jj, opID, 5, func(context.Context) (string, error) {
			calls++
			return "", last
		})
		assert.Same(t, last, err)
		assert.Equal(t, 6, calls)
		assert.Equal(t, []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second,
		}, sleeper.Delays)

		entry := mustGet(t, jj, opID)
		assert.Equal(t, entities.OperationFailed, entry.Status)
		assert.Equal(t, "still busy", entry.ErrorMessage)
	})
}

func TestRecoverPending(t *testing.T) {
	j, _ := setupJournal(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	past := j.WithClock(func() time.Time { return now.Add(-25 * time.Hour) })
	recent := j.WithClock(func() time.Time { return now.Add(-time.Hour) })
	current := j.WithClock(func() time.Time { return now })

	var stale []string
	for i := 0; i < 3; i++ {
		opID, err := past.Begin(ctx, testIntent())
		require.NoError(t, err)
		stale = append(stale, opID)
	}
	committed, err := past.Begin(ctx, testIntent())
	require.NoError(t, err)
	require.NoError(t, past.Commit(ctx, committed))
	fresh, err := recent.Begin(ctx, testIntent())
	require.NoError(t, err)

	n, err := current.RecoverPending(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = current.RecoverPending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	for _, opID := range stale {
		entry := mustGet(t, j, opID)
		assert.Equal(t, entities.OperationFailed, entry.Status)
		assert.Contains(t, entry.ErrorMessage, "timed out")
	}
	assert.Equal(t, entities.OperationCommitted, mustGet(t, j, committed).Status)
	assert.Equal(t, entities.OperationPending, mustGet(t, j, fresh).Status)
}

func TestCleanupExpired(t *testing.T) {
	j, _ := setupJournal(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	old := j.WithClock(func() time.Time { return now.AddDate(0, 0, -10) })
	current := j.WithClock(func() time.Time { return now })

	oldCommitted, err := old.Begin(ctx, testIntent())
	require.NoError(t, err)
	require.NoError(t, old.Commit(ctx, oldCommitted))
	oldPending, err := old.Begin(ctx, testIntent())
	require.NoError(t, err)
	newCommitted, err := current.Begin(ctx, testIntent())
	require.NoError(t, err)
	require.NoError(t, current.Commit(ctx, newCommitted))

	n, err := current.CleanupExpired(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := j.Get(ctx, oldCommitted)
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.Equal(t, entities.OperationPending, mustGet(t, j, oldPending).Status)
	assert.Equal(t, entities.OperationCommitted, mustGet(t, j, newCommitted).Status)
}
