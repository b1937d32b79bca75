package services

import (
	"context"
	"time"

	"github.com/agamariel/ordersync/internal/gateway"
	"github.com/agamariel/ordersync/internal/models"
	"github.com/agamariel/ordersync/internal/storage"
	"github.com/google/uuid"
)

// OrderGateway - то, что ядро синхронизации использует из удалённой системы.
type OrderGateway interface {
	ListOpenOrderIDs(ctx context.Context) ([]string, error)
	SearchProcessedOrderIDs(ctx context.Context, q gateway.ProcessedQuery) (*gateway.IDPage, error)
	GetOrderDetails(ctx context.Context, ids []string) ([]gateway.OrderDetail, error)
}

// OrderStorage определяет интерфейс для работы с заказами.
type OrderStorage interface {
	WithTx(ctx context.Context, fn func(tx storage.OrderTx) error) error
	ExistingExternalIDs(ctx context.Context, externalIDs []string) (map[string]struct{}, error)
	MarkOpen(ctx context.Context, externalIDs []string, at time.Time) (int64, error)
	CloseStale(ctx context.Context, openExternalIDs []string, staleBefore, at time.Time) (int64, error)
}

// CheckpointStorage определяет интерфейс для чекпоинтов потоков.
type CheckpointStorage interface {
	Get(ctx context.Context, stream, source string) (*models.SyncCheckpoint, error)
	Create(ctx context.Context, cp *models.SyncCheckpoint) (*models.SyncCheckpoint, error)
	SetStatus(ctx context.Context, stream, source string, status models.CheckpointStatus) error
	Complete(ctx context.Context, stream, source string, watermark time.Time, stats models.SyncStats) error
	Fail(ctx context.Context, stream, source string, stats models.SyncStats) error
}

// SyncLogStorage определяет интерфейс для журнала запусков.
type SyncLogStorage interface {
	Create(ctx context.Context, log *models.SyncLog) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncLog, error)
	List(ctx context.Context, limit int) ([]*models.SyncLog, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, counters models.SyncCounters, progress models.SyncProgress) error
	Increment(ctx context.Context, id uuid.UUID, delta models.SyncCounters) (models.SyncCounters, error)
	Finish(ctx context.Context, id uuid.UUID, status models.SyncLogStatus, counters *models.SyncCounters, progress models.SyncProgress, errMsg string) (bool, error)
}
