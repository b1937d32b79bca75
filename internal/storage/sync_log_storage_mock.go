package storage

import (
	"context"

	"github.com/agamariel/ordersync/internal/models"
	"github.com/google/uuid"
)

// MockSyncLogStorage - мок для тестов.
type MockSyncLogStorage struct {
	CreateFunc         func(ctx context.Context, log *models.SyncLog) error
	GetByIDFunc        func(ctx context.Context, id uuid.UUID) (*models.SyncLog, error)
	ListFunc           func(ctx context.Context, limit int) ([]*models.SyncLog, error)
	UpdateProgressFunc func(ctx context.Context, id uuid.UUID, counters models.SyncCounters, progress models.SyncProgress) error
	IncrementFunc      func(ctx context.Context, id uuid.UUID, delta models.SyncCounters) (models.SyncCounters, error)
	FinishFunc         func(ctx context.Context, id uuid.UUID, status models.SyncLogStatus, counters *models.SyncCounters, progress models.SyncProgress, errMsg string) (bool, error)
}

func (m *MockSyncLogStorage) Create(ctx context.Context, log *models.SyncLog) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, log)
	}
	return nil
}

func (m *MockSyncLogStorage) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncLog, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, ErrSyncLogNotFound
}

func (m *MockSyncLogStorage) List(ctx context.Context, limit int) ([]*models.SyncLog, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, limit)
	}
	return []*models.SyncLog{}, nil
}

func (m *MockSyncLogStorage) UpdateProgress(ctx context.Context, id uuid.UUID, counters models.SyncCounters, progress models.SyncProgress) error {
	if m.UpdateProgressFunc != nil {
		return m.UpdateProgressFunc(ctx, id, counters, progress)
	}
	return nil
}

func (m *MockSyncLogStorage) Increment(ctx context.Context, id uuid.UUID, delta models.SyncCounters) (models.SyncCounters, error) {
	if m.IncrementFunc != nil {
		return m.IncrementFunc(ctx, id, delta)
	}
	return delta, nil
}

func (m *MockSyncLogStorage) Finish(ctx context.Context, id uuid.UUID, status models.SyncLogStatus, counters *models.SyncCounters, progress models.SyncProgress, errMsg string) (bool, error) {
	if m.FinishFunc != nil {
		return m.FinishFunc(ctx, id, status, counters, progress, errMsg)
	}
	return true, nil
}
