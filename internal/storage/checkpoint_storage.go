package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agamariel/ordersync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrCheckpointNotFound = errors.New("sync checkpoint not found")
)

// CheckpointStorage определяет интерфейс для работы с чекпоинтами потоков.
type CheckpointStorage interface {
	Get(ctx context.Context, stream, source string) (*models.SyncCheckpoint, error)
	// Create вставляет строку, если её ещё нет, и возвращает актуальную.
	Create(ctx context.Context, cp *models.SyncCheckpoint) (*models.SyncCheckpoint, error)
	SetStatus(ctx context.Context, stream, source string, status models.CheckpointStatus) error
	// Complete сдвигает watermark только вперёд.
	Complete(ctx context.Context, stream, source string, watermark time.Time, stats models.SyncStats) error
	Fail(ctx context.Context, stream, source string, stats models.SyncStats) error
}

// PostgresCheckpointStorage реализует CheckpointStorage для PostgreSQL.
type PostgresCheckpointStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresCheckpointStorage создаёт новый экземпляр.
func NewPostgresCheckpointStorage(pool *pgxpool.Pool) *PostgresCheckpointStorage {
	return &PostgresCheckpointStorage{pool: pool}
}

func (s *PostgresCheckpointStorage) Get(ctx context.Context, stream, source string) (*models.SyncCheckpoint, error) {
	query := `
		SELECT stream, source, watermark, status, stats, updated_at
		FROM sync_checkpoints
		WHERE stream = $1 AND source = $2
	`

	return scanCheckpoint(s.pool.QueryRow(ctx, query, stream, source))
}

func (s *PostgresCheckpointStorage) Create(ctx context.Context, cp *models.SyncCheckpoint) (*models.SyncCheckpoint, error) {
	stats, err := json.Marshal(cp.Stats)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint stats: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_checkpoints (stream, source, watermark, status, stats, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (stream, source) DO NOTHING
	`, cp.Stream, cp.Source, cp.Watermark, cp.Status, stats)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint: %w", err)
	}

	return s.Get(ctx, cp.Stream, cp.Source)
}

func (s *PostgresCheckpointStorage) SetStatus(ctx context.Context, stream, source string, status models.CheckpointStatus) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE sync_checkpoints SET status = $3, updated_at = NOW()
		WHERE stream = $1 AND source = $2
	`, stream, source, status)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCheckpointNotFound
	}
	return nil
}

func (s *PostgresCheckpointStorage) Complete(ctx context.Context, stream, source string, watermark time.Time, stats models.SyncStats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode checkpoint stats: %w", err)
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE sync_checkpoints
		SET watermark = GREATEST(watermark, $3), status = $4, stats = $5, updated_at = NOW()
		WHERE stream = $1 AND source = $2
	`, stream, source, watermark, models.CheckpointIdle, raw)
	if err != nil {
		return fmt.Errorf("failed to complete checkpoint: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCheckpointNotFound
	}
	return nil
}

func (s *PostgresCheckpointStorage) Fail(ctx context.Context, stream, source string, stats models.SyncStats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode checkpoint stats: %w", err)
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE sync_checkpoints
		SET status = $3, stats = $4, updated_at = NOW()
		WHERE stream = $1 AND source = $2
	`, stream, source, models.CheckpointFailed, raw)
	if err != nil {
		return fmt.Errorf("failed to record checkpoint failure: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrCheckpointNotFound
	}
	return nil
}

func scanCheckpoint(row pgx.Row) (*models.SyncCheckpoint, error) {
	var (
		cp    models.SyncCheckpoint
		stats []byte
	)

	err := row.Scan(&cp.Stream, &cp.Source, &cp.Watermark, &cp.Status, &stats, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}

	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &cp.Stats); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint stats: %w", err)
		}
	}

	return &cp, nil
}
