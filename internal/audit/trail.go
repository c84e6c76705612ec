// Package audit records who did what to which record. Entries are buffered
// and written in batches; a failed write keeps the batch, in order, for the
// next flush. Recording never fails the business operation that produced it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mrlokans/circulation/internal/actor"
	"github.com/mrlokans/circulation/internal/entities"
	"github.com/mrlokans/circulation/internal/metrics"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxBuffered   = 1000

	timerFlushTimeout = 30 * time.Second
	userAgentMaxLen   = 500
)

// BatchStore persists a batch of entries atomically and in order.
type BatchStore interface {
	InsertBatch(ctx context.Context, entries []entities.AuditLog) error
}

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxBuffered bounds memory while storage is failing; older overflow is
	// spilled to disk. Zero or less means unbounded.
	MaxBuffered int
}

// Trail is the single owned audit buffer of the process.
type Trail struct {
	store  BatchStore
	spill  *Auditor
	clock  Clock
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	buffer []entities.AuditLog
	timer  Timer
	closed bool

	// flushMu serializes flushes so re-queued batches keep their order.
	flushMu sync.Mutex
}

// NewTrail returns a trail writing to store. spill may be nil.
func NewTrail(store BatchStore, spill *Auditor, clock Clock, cfg Config) *Trail {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Trail{
		store:  store,
		spill:  spill,
		clock:  clock,
		cfg:    cfg,
		logger: slog.Default().With(slog.String("component", "audit")),
	}
}

// Record queues an entry. Missing actor and request fields are taken from
// ctx. A full buffer is flushed synchronously by the caller that filled it;
// otherwise a flush is scheduled after the flush interval.
func (t *Trail) Record(ctx context.Context, entry entities.AuditLog) {
	if entry.UserID == nil {
		if id := actor.ID(ctx); id != 0 {
			entry.UserID = &id
		}
	}
	req := actor.RequestFrom(ctx)
	if entry.IPAddress == "" {
		entry.IPAddress = req.IPAddress
	}
	if entry.UserAgent == "" {
		entry.UserAgent = req.UserAgent
	}
	entry.UserAgent = truncate(entry.UserAgent, userAgentMaxLen)
	if entry.SessionID == "" {
		entry.SessionID = req.SessionID
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.clock.Now()
	}

	t.mu.Lock()
	t.buffer = append(t.buffer, entry)
	flushNow := len(t.buffer) >= t.cfg.BatchSize || t.closed
	if !flushNow && t.timer == nil {
		t.timer = t.clock.AfterFunc(t.cfg.FlushInterval, t.onTimer)
	}
	metrics.AuditBuffered.Set(float64(len(t.buffer)))
	t.mu.Unlock()

	if flushNow {
		if err := t.Flush(context.WithoutCancel(ctx)); err != nil {
			t.logger.ErrorContext(ctx, "audit flush failed", slog.Any("error", err))
		}
	}
}

// RecordChange queues an entry with JSON-encoded before and after values.
func (t *Trail) RecordChange(ctx context.Context, action entities.AuditAction, table string, recordID uint, oldValues, newValues any, info map[string]any) {
	entry := entities.AuditLog{
		Action:         action,
		Table:          table,
		OldValues:      encode(oldValues),
		NewValues:      encode(newValues),
		AdditionalInfo: encode(info),
	}
	if recordID != 0 {
		entry.RecordID = &recordID
	}
	t.Record(ctx, entry)
}

// Buffered returns the number of entries waiting to be written.
func (t *Trail) Buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

// Flush writes everything buffered as one batch. On failure the batch is put
// back ahead of newer entries, a retry is scheduled and the error returned.
func (t *Trail) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	batch := t.buffer
	t.buffer = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	err := t.store.InsertBatch(ctx, batch)
	if err == nil {
		metrics.AuditFlushes.WithLabelValues("success").Inc()
		t.mu.Lock()
		metrics.AuditBuffered.Set(float64(len(t.buffer)))
		t.mu.Unlock()
		t.logger.DebugContext(ctx, "audit batch flushed", slog.Int("entries", len(batch)))
		return nil
	}

	metrics.AuditFlushes.WithLabelValues("error").Inc()

	t.mu.Lock()
	t.buffer = append(batch, t.buffer...)
	overflow := t.takeOverflowLocked()
	if t.timer == nil && !t.closed {
		t.timer = t.clock.AfterFunc(t.cfg.FlushInterval, t.onTimer)
	}
	metrics.AuditBuffered.Set(float64(len(t.buffer)))
	t.mu.Unlock()

	if len(overflow) > 0 {
		t.spillOverflow(ctx, overflow)
	}

	t.logger.WarnContext(ctx, "audit batch requeued",
		slog.Int("entries", len(batch)),
		slog.Any("error", err))
	return fmt.Errorf("flush audit batch of %d: %w", len(batch), err)
}

// takeOverflowLocked removes the oldest entries beyond MaxBuffered.
func (t *Trail) takeOverflowLocked() []entities.AuditLog {
	if t.cfg.MaxBuffered <= 0 || len(t.buffer) <= t.cfg.MaxBuffered {
		return nil
	}
	n := len(t.buffer) - t.cfg.MaxBuffered
	overflow := make([]entities.AuditLog, n)
	copy(overflow, t.buffer[:n])
	t.buffer = append([]entities.AuditLog(nil), t.buffer[n:]...)
	return overflow
}

func (t *Trail) spillOverflow(ctx context.Context, overflow []entities.AuditLog) {
	if t.spill == nil {
		t.logger.ErrorContext(ctx, "audit buffer overflow, entries dropped", slog.Int("entries", len(overflow)))
		return
	}
	name, err := t.spill.Spill(overflow)
	if err != nil {
		t.logger.ErrorContext(ctx, "audit buffer overflow, spill failed, entries dropped",
			slog.Int("entries", len(overflow)),
			slog.Any("error", err))
		return
	}
	t.logger.WarnContext(ctx, "audit buffer overflow spilled to disk",
		slog.Int("entries", len(overflow)),
		slog.String("file", name))
}

func (t *Trail) onTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), timerFlushTimeout)
	defer cancel()
	if err := t.Flush(ctx); err != nil {
		t.logger.Error("scheduled audit flush failed", slog.Any("error", err))
	}
}

// ReplaySpilled re-inserts entries from spill files and removes each file
// once written. It stops at the first failure.
func (t *Trail) ReplaySpilled(ctx context.Context) (int, error) {
	if t.spill == nil {
		return 0, nil
	}
	names, err := t.spill.Spilled()
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, name := range names {
		entries, err := t.spill.Load(name)
		if err != nil {
			return replayed, err
		}
		if err := t.store.InsertBatch(ctx, entries); err != nil {
			return replayed, fmt.Errorf("replay %s: %w", name, err)
		}
		if err := t.spill.Remove(name); err != nil {
			return replayed, fmt.Errorf("remove replayed %s: %w", name, err)
		}
		replayed += len(entries)
	}
	if replayed > 0 {
		t.logger.InfoContext(ctx, "replayed spilled audit entries", slog.Int("entries", replayed))
	}
	return replayed, nil
}

// Close stops the timer and flushes what is buffered. Entries recorded after
// Close are written synchronously.
func (t *Trail) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.Flush(ctx)
}

func encode(v any) string {
	if v == nil {
		return ""
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// truncate shortens s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
