package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agamariel/ordersync/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrSyncLogNotFound = errors.New("sync log not found")
)

// SyncLogStorage определяет интерфейс для журнала запусков.
type SyncLogStorage interface {
	Create(ctx context.Context, log *models.SyncLog) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncLog, error)
	List(ctx context.Context, limit int) ([]*models.SyncLog, error)
	// UpdateProgress пишет снимок; счётчики не уменьшаются.
	UpdateProgress(ctx context.Context, id uuid.UUID, counters models.SyncCounters, progress models.SyncProgress) error
	// Increment атомарно прибавляет delta и возвращает итоговые счётчики.
	Increment(ctx context.Context, id uuid.UUID, delta models.SyncCounters) (models.SyncCounters, error)
	// Finish переводит запуск из started в конечный статус. false - запуск уже завершён.
	Finish(ctx context.Context, id uuid.UUID, status models.SyncLogStatus, counters *models.SyncCounters, progress models.SyncProgress, errMsg string) (bool, error)
}

// PostgresSyncLogStorage реализует SyncLogStorage для PostgreSQL.
type PostgresSyncLogStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresSyncLogStorage создаёт новый экземпляр.
func NewPostgresSyncLogStorage(pool *pgxpool.Pool) *PostgresSyncLogStorage {
	return &PostgresSyncLogStorage{pool: pool}
}

func (s *PostgresSyncLogStorage) Create(ctx context.Context, log *models.SyncLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	meta, err := models.MarshalProgress(log.Progress)
	if err != nil {
		return fmt.Errorf("encode sync log metadata: %w", err)
	}

	query := `
		INSERT INTO sync_logs (id, type, stream, status, fetched, created, updated, skipped, failed, metadata, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		RETURNING started_at
	`

	c := log.Counters
	err = s.pool.QueryRow(ctx, query, log.ID, log.Type, log.Stream, models.SyncLogStarted,
		c.Fetched, c.Created, c.Updated, c.Skipped, c.Failed, meta,
	).Scan(&log.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	log.Status = models.SyncLogStarted

	return nil
}

const syncLogColumns = `id, type, stream, status, fetched, created, updated, skipped, failed, metadata, COALESCE(error_message, ''), started_at, completed_at`

func (s *PostgresSyncLogStorage) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncLog, error) {
	return scanSyncLog(s.pool.QueryRow(ctx, `SELECT `+syncLogColumns+` FROM sync_logs WHERE id = $1`, id))
}

// List возвращает последние запуски (новые первыми).
func (s *PostgresSyncLogStorage) List(ctx context.Context, limit int) ([]*models.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `SELECT `+syncLogColumns+` FROM sync_logs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("rows error: %w", rows.Err())
	}

	return logs, nil
}

func (s *PostgresSyncLogStorage) UpdateProgress(ctx context.Context, id uuid.UUID, counters models.SyncCounters, progress models.SyncProgress) error {
	meta, err := models.MarshalProgress(progress)
	if err != nil {
		return fmt.Errorf("encode sync log metadata: %w", err)
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE sync_logs
		SET fetched = GREATEST(fetched, $2),
		    created = GREATEST(created, $3),
		    updated = GREATEST(updated, $4),
		    skipped = GREATEST(skipped, $5),
		    failed = GREATEST(failed, $6),
		    metadata = metadata || $7
		WHERE id = $1
	`, id, counters.Fetched, counters.Created, counters.Updated, counters.Skipped, counters.Failed, meta)
	if err != nil {
		return fmt.Errorf("failed to update sync log progress: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrSyncLogNotFound
	}
	return nil
}

func (s *PostgresSyncLogStorage) Increment(ctx context.Context, id uuid.UUID, delta models.SyncCounters) (models.SyncCounters, error) {
	var c models.SyncCounters
	err := s.pool.QueryRow(ctx, `
		UPDATE sync_logs
		SET fetched = fetched + $2, created = created + $3, updated = updated + $4,
		    skipped = skipped + $5, failed = failed + $6
		WHERE id = $1
		RETURNING fetched, created, updated, skipped, failed
	`, id, delta.Fetched, delta.Created, delta.Updated, delta.Skipped, delta.Failed,
	).Scan(&c.Fetched, &c.Created, &c.Updated, &c.Skipped, &c.Failed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, ErrSyncLogNotFound
		}
		return c, fmt.Errorf("failed to increment sync log counters: %w", err)
	}
	return c, nil
}

func (s *PostgresSyncLogStorage) Finish(ctx context.Context, id uuid.UUID, status models.SyncLogStatus, counters *models.SyncCounters, progress models.SyncProgress, errMsg string) (bool, error) {
	meta, err := models.MarshalProgress(progress)
	if err != nil {
		return false, fmt.Errorf("encode sync log metadata: %w", err)
	}

	var c models.SyncCounters
	if counters != nil {
		c = *counters
	}

	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE sync_logs
		SET status = $2,
		    fetched = GREATEST(fetched, $3),
		    created = GREATEST(created, $4),
		    updated = GREATEST(updated, $5),
		    skipped = GREATEST(skipped, $6),
		    failed = GREATEST(failed, $7),
		    metadata = metadata || $8,
		    error_message = $9,
		    completed_at = $10
		WHERE id = $1 AND status = 'started'
	`, id, status, c.Fetched, c.Created, c.Updated, c.Skipped, c.Failed, meta, errVal, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to finish sync log: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

func scanSyncLog(row pgx.Row) (*models.SyncLog, error) {
	var (
		l    models.SyncLog
		meta []byte
	)

	err := row.Scan(&l.ID, &l.Type, &l.Stream, &l.Status,
		&l.Counters.Fetched, &l.Counters.Created, &l.Counters.Updated, &l.Counters.Skipped, &l.Counters.Failed,
		&meta, &l.Error, &l.StartedAt, &l.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSyncLogNotFound
		}
		return nil, fmt.Errorf("failed to scan sync log: %w", err)
	}

	progress, err := models.UnmarshalProgress(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sync log metadata: %w", err)
	}
	l.Progress = progress

	return &l, nil
}
