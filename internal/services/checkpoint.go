package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agamariel/ordersync/internal/models"
	"github.com/agamariel/ordersync/internal/storage"
)

// DefaultCheckpointSource - имя источника для потоков удалённой системы заказов.
const DefaultCheckpointSource = "order_gateway"

// CheckpointTracker выдаёт чекпоинты потоков и создаёт недостающие.
type CheckpointTracker struct {
	store    CheckpointStorage
	lookback time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewCheckpointTracker создаёт трекер. lookback задаёт watermark нового чекпоинта: now - lookback.
func NewCheckpointTracker(store CheckpointStorage, lookback time.Duration, logger *slog.Logger) *CheckpointTracker {
	if lookback <= 0 {
		lookback = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointTracker{store: store, lookback: lookback, logger: logger, now: time.Now}
}

// GetOrCreate возвращает чекпоинт потока, создавая его при отсутствии.
func (t *CheckpointTracker) GetOrCreate(ctx context.Context, stream, source string) (*StreamCheckpoint, error) {
	if source == "" {
		source = DefaultCheckpointSource
	}

	cp, err := t.store.Get(ctx, stream, source)
	if errors.Is(err, storage.ErrCheckpointNotFound) {
		cp, err = t.store.Create(ctx, &models.SyncCheckpoint{
			Stream:    stream,
			Source:    source,
			Watermark: t.now().UTC().Add(-t.lookback),
			Status:    models.CheckpointIdle,
		})
		if err == nil {
			t.logger.InfoContext(ctx, "sync checkpoint created", "stream", stream, "source", source, "watermark", cp.Watermark)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s/%s: %w", stream, source, err)
	}

	return &StreamCheckpoint{store: t.store, cp: cp, now: t.now}, nil
}

// Lookup читает чекпоинт без записи. Отсутствующий заменяется значением по умолчанию в памяти.
func (t *CheckpointTracker) Lookup(ctx context.Context, stream, source string) (*StreamCheckpoint, error) {
	if source == "" {
		source = DefaultCheckpointSource
	}

	cp, err := t.store.Get(ctx, stream, source)
	if errors.Is(err, storage.ErrCheckpointNotFound) {
		cp, err = &models.SyncCheckpoint{
			Stream:    stream,
			Source:    source,
			Watermark: t.now().UTC().Add(-t.lookback),
			Status:    models.CheckpointIdle,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s/%s: %w", stream, source, err)
	}

	return &StreamCheckpoint{store: t.store, cp: cp, now: t.now}, nil
}

// StreamCheckpoint - чекпоинт одного потока в рамках запуска.
type StreamCheckpoint struct {
	store CheckpointStorage
	cp    *models.SyncCheckpoint
	now   func() time.Time
}

// Checkpoint возвращает копию состояния, прочитанного при открытии.
func (c *StreamCheckpoint) Checkpoint() models.SyncCheckpoint {
	return *c.cp
}

// IncrementalStartDate - начало следующего окна, ровно watermark.
func (c *StreamCheckpoint) IncrementalStartDate() time.Time {
	return c.cp.Watermark
}

// Start помечает поток выполняющимся.
func (c *StreamCheckpoint) Start(ctx context.Context) error {
	if err := c.store.SetStatus(ctx, c.cp.Stream, c.cp.Source, models.CheckpointRunning); err != nil {
		return fmt.Errorf("start checkpoint %s: %w", c.cp.Stream, err)
	}
	c.cp.Status = models.CheckpointRunning
	return nil
}

// Complete сдвигает watermark на windowEnd и накапливает статистику. Вызывается только при успехе.
func (c *StreamCheckpoint) Complete(ctx context.Context, windowEnd time.Time, counters models.SyncCounters) error {
	now := c.now().UTC()
	stats := c.cp.Stats
	stats.Runs++
	stats.TotalCreated += int64(counters.Created)
	stats.TotalUpdated += int64(counters.Updated)
	stats.TotalFailed += int64(counters.Failed)
	stats.LastProcessed = int64(counters.Settled())
	stats.LastSuccessAt = &now

	if err := c.store.Complete(ctx, c.cp.Stream, c.cp.Source, windowEnd.UTC(), stats); err != nil {
		return fmt.Errorf("complete checkpoint %s: %w", c.cp.Stream, err)
	}

	c.cp.Stats = stats
	c.cp.Status = models.CheckpointIdle
	if windowEnd.After(c.cp.Watermark) {
		c.cp.Watermark = windowEnd.UTC()
	}
	return nil
}

// Fail записывает ошибку, watermark не трогает.
func (c *StreamCheckpoint) Fail(ctx context.Context, msg string) error {
	now := c.now().UTC()
	stats := c.cp.Stats
	stats.Runs++
	stats.LastError = msg
	stats.LastErrorAt = &now

	if err := c.store.Fail(ctx, c.cp.Stream, c.cp.Source, stats); err != nil {
		return fmt.Errorf("fail checkpoint %s: %w", c.cp.Stream, err)
	}

	c.cp.Stats = stats
	c.cp.Status = models.CheckpointFailed
	return nil
}
