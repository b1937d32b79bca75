package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agamariel/ordersync/internal/models"
	"github.com/google/uuid"
)

// RunLogger открывает записи журнала запусков.
type RunLogger struct {
	store  SyncLogStorage
	logger *slog.Logger
}

func NewRunLogger(store SyncLogStorage, logger *slog.Logger) *RunLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunLogger{store: store, logger: logger}
}

// Start создаёт запись запуска. В dryRun запись живёт только в памяти.
func (l *RunLogger) Start(ctx context.Context, typ models.SyncType, stream string, progress models.SyncProgress, dryRun bool) (*RunLog, error) {
	entry := &models.SyncLog{
		ID:        uuid.New(),
		Type:      typ,
		Stream:    stream,
		Status:    models.SyncLogStarted,
		Progress:  progress,
		StartedAt: time.Now().UTC(),
	}

	run := &RunLog{entry: entry, logger: l.logger}
	if dryRun {
		return run, nil
	}

	if err := l.store.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("start sync log: %w", err)
	}
	run.store = l.store
	return run, nil
}

// RunLog - запись одного запуска. Безопасна для конкурентного Increment.
type RunLog struct {
	mu     sync.Mutex
	store  SyncLogStorage // nil для dry-run
	entry  *models.SyncLog
	logger *slog.Logger
}

func (r *RunLog) ID() uuid.UUID {
	return r.entry.ID
}

// Persistent сообщает, пишется ли запись в хранилище.
func (r *RunLog) Persistent() bool {
	return r.store != nil
}

// Snapshot возвращает копию текущего состояния.
func (r *RunLog) Snapshot() models.SyncLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.entry
}

// Progress сохраняет снимок счётчиков и прогресса.
func (r *RunLog) Progress(ctx context.Context, counters models.SyncCounters, progress models.SyncProgress) error {
	r.mu.Lock()
	r.entry.Counters = maxCounters(r.entry.Counters, counters)
	r.entry.Progress = r.entry.Progress.Merge(progress)
	snapshot := r.entry.Progress
	total := r.entry.Counters
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	if err := r.store.UpdateProgress(ctx, r.entry.ID, total, snapshot); err != nil {
		return fmt.Errorf("update sync log %s: %w", r.entry.ID, err)
	}
	return nil
}

// Increment атомарно добавляет delta к счётчикам и возвращает итог.
func (r *RunLog) Increment(ctx context.Context, delta models.SyncCounters) (models.SyncCounters, error) {
	if r.store == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.entry.Counters = r.entry.Counters.Add(delta)
		return r.entry.Counters, nil
	}

	total, err := r.store.Increment(ctx, r.entry.ID, delta)
	if err != nil {
		return total, fmt.Errorf("increment sync log %s: %w", r.entry.ID, err)
	}

	r.mu.Lock()
	r.entry.Counters = maxCounters(r.entry.Counters, total)
	r.mu.Unlock()
	return total, nil
}

// Complete завершает запуск успешно. counters=nil оставляет накопленные счётчики.
func (r *RunLog) Complete(ctx context.Context, counters *models.SyncCounters, progress models.SyncProgress) error {
	return r.finish(ctx, models.SyncLogCompleted, counters, progress, "")
}

// Fail завершает запуск с ошибкой.
func (r *RunLog) Fail(ctx context.Context, counters *models.SyncCounters, progress models.SyncProgress, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return r.finish(ctx, models.SyncLogFailed, counters, progress, msg)
}

func (r *RunLog) finish(ctx context.Context, status models.SyncLogStatus, counters *models.SyncCounters, progress models.SyncProgress, errMsg string) error {
	r.mu.Lock()
	if r.entry.Status != models.SyncLogStarted {
		r.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	r.entry.Status = status
	r.entry.Error = errMsg
	r.entry.CompletedAt = &now
	if counters != nil {
		r.entry.Counters = maxCounters(r.entry.Counters, *counters)
	}
	r.entry.Progress = r.entry.Progress.Merge(progress)
	snapshot := r.entry.Progress
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}

	done, err := r.store.Finish(ctx, r.entry.ID, status, counters, snapshot, errMsg)
	if err != nil {
		return fmt.Errorf("finish sync log %s: %w", r.entry.ID, err)
	}
	if !done {
		r.logger.WarnContext(ctx, "sync log already finished", "sync_log_id", r.entry.ID, "status", status)
	}
	return nil
}

func maxCounters(a, b models.SyncCounters) models.SyncCounters {
	return models.SyncCounters{
		Fetched: max(a.Fetched, b.Fetched),
		Created: max(a.Created, b.Created),
		Updated: max(a.Updated, b.Updated),
		Skipped: max(a.Skipped, b.Skipped),
		Failed:  max(a.Failed, b.Failed),
	}
}
