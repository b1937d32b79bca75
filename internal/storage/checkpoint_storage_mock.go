package storage

import (
	"context"
	"time"

	"github.com/agamariel/ordersync/internal/models"
)

// MockCheckpointStorage - мок для тестов.
type MockCheckpointStorage struct {
	GetFunc       func(ctx context.Context, stream, source string) (*models.SyncCheckpoint, error)
	CreateFunc    func(ctx context.Context, cp *models.SyncCheckpoint) (*models.SyncCheckpoint, error)
	SetStatusFunc func(ctx context.Context, stream, source string, status models.CheckpointStatus) error
	CompleteFunc  func(ctx context.Context, stream, source string, watermark time.Time, stats models.SyncStats) error
	FailFunc      func(ctx context.Context, stream, source string, stats models.SyncStats) error
}

func (m *MockCheckpointStorage) Get(ctx context.Context, stream, source string) (*models.SyncCheckpoint, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, stream, source)
	}
	return nil, ErrCheckpointNotFound
}

func (m *MockCheckpointStorage) Create(ctx context.Context, cp *models.SyncCheckpoint) (*models.SyncCheckpoint, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, cp)
	}
	return cp, nil
}

func (m *MockCheckpointStorage) SetStatus(ctx context.Context, stream, source string, status models.CheckpointStatus) error {
	if m.SetStatusFunc != nil {
		return m.SetStatusFunc(ctx, stream, source, status)
	}
	return nil
}

func (m *MockCheckpointStorage) Complete(ctx context.Context, stream, source string, watermark time.Time, stats models.SyncStats) error {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, stream, source, watermark, stats)
	}
	return nil
}

func (m *MockCheckpointStorage) Fail(ctx context.Context, stream, source string, stats models.SyncStats) error {
	if m.FailFunc != nil {
		return m.FailFunc(ctx, stream, source, stats)
	}
	return nil
}
