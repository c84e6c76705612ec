package oplog

import (
	"context"
	"fmt"
	"log/slog"
)

type contextKey struct{}

// OperationID returns the id of the operation the context is running under.
func OperationID(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

func withOperationID(ctx context.Context, opID string) context.Context {
	return context.WithValue(ctx, contextKey{}, opID)
}

// WithIntent runs action under a pending intent entry. The entry is committed
// when action succeeds and rolled back with the failure message when it
// returns an error or panics; panics are re-raised. If the commit cannot be
// written the result still stands and the entry stays pending until the
// recovery sweep fails it.
func WithIntent[T any](ctx context.Context, j *Journal, intent Intent, action func(ctx context.Context) (T, error)) (result T, err error) {
	opID, err := j.Begin(ctx, intent)
	if err != nil {
		return result, err
	}
	ctx = withOperationID(ctx, opID)
	// Outcome writes must land even if the caller has gone away.
	outcomeCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			j.rollbackQuietly(outcomeCtx, opID, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
	}()

	result, err = action(ctx)
	if err != nil {
		j.rollbackQuietly(outcomeCtx, opID, err.Error())
		return result, err
	}

	if cerr := j.Commit(outcomeCtx, opID); cerr != nil {
		j.logger.ErrorContext(ctx, "operation succeeded but commit was not recorded",
			slog.String("operation_id", opID),
			slog.Any("error", cerr))
	}
	return result, nil
}

func (j *Journal) rollbackQuietly(ctx context.Context, opID, message string) {
	if err := j.Rollback(ctx, opID, message); err != nil {
		j.logger.ErrorContext(ctx, "failed to record rollback",
			slog.String("operation_id", opID),
			slog.Any("error", err))
	}
}

// Retry re-runs action for an existing operation with exponential backoff.
// After maxRetries retries the entry is marked failed and the last error is
// returned.
func Retry[T any](ctx context.Context, j *Journal, opID string, maxRetries int, action func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	ctx = withOperationID(ctx, opID)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		result, err := action(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == maxRetries {
			if ferr := j.MarkFailed(context.WithoutCancel(ctx), opID, err.Error()); ferr != nil {
				j.logger.ErrorContext(ctx, "failed to mark operation failed",
					slog.String("operation_id", opID),
					slog.Any("error", ferr))
			}
			break
		}

		delay := j.backoff(attempt + 1)
		j.logger.WarnContext(ctx, "operation retry",
			slog.String("operation_id", opID),
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", maxRetries),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if serr := j.sleep(ctx, delay); serr != nil {
			return zero, serr
		}
	}

	return zero, lastErr
}
