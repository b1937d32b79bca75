// Package events публикует сигналы синхронизации для внешних потребителей
// (прогрев кэша аналитики, UI прогресса).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agamariel/ordersync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	ChannelSyncCompleted = "ordersync:sync-completed"
	ChannelSyncProgress  = "ordersync:sync-progress"
)

// SyncCompleted - сигнал о завершении запуска.
// Успешный сигнал потребляет прогрев кэша; неуспешный нужен только ожидающему UI.
type SyncCompleted struct {
	OrdersProcessed int       `json:"ordersProcessed"`
	SyncType        string    `json:"syncType"`
	Success         bool      `json:"success"`
	Stream          string    `json:"stream,omitempty"`
	SyncLogID       string    `json:"syncLogId,omitempty"`
	Error           string    `json:"error,omitempty"`
	At              time.Time `json:"at"`
}

// Progress - промежуточный снимок запуска.
type Progress struct {
	SyncLogID string              `json:"syncLogId"`
	Stream    string              `json:"stream"`
	SyncType  string              `json:"syncType"`
	Counters  models.SyncCounters `json:"counters"`
	Progress  models.SyncProgress `json:"progress"`
}

// Publisher отправляет сигналы.
type Publisher interface {
	PublishSyncCompleted(ctx context.Context, evt SyncCompleted) error
	PublishProgress(ctx context.Context, evt Progress) error
}

// RedisPublisher публикует сигналы в каналы Redis pub/sub.
type RedisPublisher struct {
	client redis.UniversalClient
}

func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) PublishSyncCompleted(ctx context.Context, evt SyncCompleted) error {
	return p.publish(ctx, ChannelSyncCompleted, evt)
}

func (p *RedisPublisher) PublishProgress(ctx context.Context, evt Progress) error {
	return p.publish(ctx, ChannelSyncProgress, evt)
}

func (p *RedisPublisher) publish(ctx context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", channel, err)
	}
	if err := p.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// LogPublisher только пишет сигналы в лог; используется без Redis.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishSyncCompleted(ctx context.Context, evt SyncCompleted) error {
	p.logger.InfoContext(ctx, "sync completed signal",
		"sync_type", evt.SyncType, "orders_processed", evt.OrdersProcessed, "success", evt.Success, "sync_log_id", evt.SyncLogID)
	return nil
}

func (p *LogPublisher) PublishProgress(ctx context.Context, evt Progress) error {
	p.logger.DebugContext(ctx, "sync progress",
		"sync_log_id", evt.SyncLogID, "page", evt.Progress.CurrentPage, "total_pages", evt.Progress.TotalPages,
		"fetched", evt.Counters.Fetched, "created", evt.Counters.Created, "updated", evt.Counters.Updated, "failed", evt.Counters.Failed)
	return nil
}
