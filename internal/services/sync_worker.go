package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// SyncRunner - то, что воркер и API запускают.
type SyncRunner interface {
	Start(ctx context.Context, opts RunOptions) (*SyncRun, error)
	StartOpenOrders(ctx context.Context, opts OpenSyncOptions) (*SyncRun, error)
}

// SyncWorker периодически запускает инкрементальную синхронизацию и синхронизацию открытых заказов.
type SyncWorker struct {
	runner       SyncRunner
	interval     time.Duration
	openInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	wg      sync.WaitGroup
}

func NewSyncWorker(runner SyncRunner, interval, openInterval time.Duration, logger *slog.Logger) *SyncWorker {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if openInterval <= 0 {
		openInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncWorker{
		runner:       runner,
		interval:     interval,
		openInterval: openInterval,
		logger:       logger,
		baseCtx:      context.Background(),
	}
}

// Start запускает воркер в отдельных горутинах и останавливается по ctx.Done().
func (w *SyncWorker) Start(ctx context.Context) {
	w.mu.Lock()
	w.baseCtx = ctx
	w.mu.Unlock()

	w.loop(ctx, "incremental", w.interval, func(ctx context.Context) (*SyncRun, error) {
		return w.runner.Start(ctx, RunOptions{})
	})
	w.loop(ctx, "open_orders", w.openInterval, func(ctx context.Context) (*SyncRun, error) {
		return w.runner.StartOpenOrders(ctx, OpenSyncOptions{})
	})
}

func (w *SyncWorker) loop(ctx context.Context, name string, interval time.Duration, start func(ctx context.Context) (*SyncRun, error)) {
	ticker := time.NewTicker(interval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ticker.Stop()
		w.tick(ctx, name, start)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.tick(ctx, name, start)
			}
		}
	}()
}

// tick выполняет один запуск и ждёт его; занятый поток пропускается.
func (w *SyncWorker) tick(ctx context.Context, name string, start func(ctx context.Context) (*SyncRun, error)) {
	run, err := start(ctx)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		w.logger.InfoContext(ctx, "sync tick skipped: stream already running", "worker", name)
		return
	case err != nil:
		w.logger.ErrorContext(ctx, "sync tick failed to start", "worker", name, "error", err)
		return
	}

	res, err := run.Wait()
	if err != nil {
		w.logger.ErrorContext(ctx, "sync tick failed", "worker", name, "sync_log_id", run.SyncLogID, "error", err)
		return
	}
	w.logger.InfoContext(ctx, "sync tick completed", "worker", name, "sync_log_id", run.SyncLogID,
		"processed", res.Processed, "failed", res.Counters.Failed, "signal_sent", res.SignalSent)
}

// Trigger запускает синхронизацию вне расписания. Запуск живёт в контексте воркера,
// а не запроса, поэтому переживает завершение HTTP-запроса.
func (w *SyncWorker) Trigger(opts RunOptions) (*SyncRun, error) {
	return w.runner.Start(w.context(), opts)
}

// TriggerOpenOrders - то же для открытых заказов.
func (w *SyncWorker) TriggerOpenOrders(opts OpenSyncOptions) (*SyncRun, error) {
	return w.runner.StartOpenOrders(w.context(), opts)
}

func (w *SyncWorker) context() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseCtx
}

// Wait ждёт выхода циклов после отмены контекста Start.
func (w *SyncWorker) Wait() {
	w.wg.Wait()
}
