package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agamariel/ordersync/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrOrderNotFound = errors.New("order not found")
)

// OrderTx - операции над заказами внутри транзакции одного батча.
type OrderTx interface {
	GetByExternalIDs(ctx context.Context, externalIDs []string) (map[string]*models.Order, error)
	Upsert(ctx context.Context, order *models.Order) (created bool, err error)
	ReplaceItems(ctx context.Context, orderID uuid.UUID, items []models.OrderItem) error
	// Savepoint выполняет fn во вложенной транзакции: ошибка fn откатывает только её.
	Savepoint(ctx context.Context, fn func(tx OrderTx) error) error
}

// OrderStorage определяет интерфейс для работы с заказами.
type OrderStorage interface {
	WithTx(ctx context.Context, fn func(tx OrderTx) error) error
	ExistingExternalIDs(ctx context.Context, externalIDs []string) (map[string]struct{}, error)
	MarkOpen(ctx context.Context, externalIDs []string, at time.Time) (int64, error)
	CloseStale(ctx context.Context, openExternalIDs []string, staleBefore, at time.Time) (int64, error)
}

// PostgresOrderStorage реализует OrderStorage для PostgreSQL.
type PostgresOrderStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresOrderStorage создаёт новый экземпляр PostgresOrderStorage.
func NewPostgresOrderStorage(pool *pgxpool.Pool) *PostgresOrderStorage {
	return &PostgresOrderStorage{pool: pool}
}

// WithTx выполняет fn в одной транзакции; commit только при nil-ошибке.
func (s *PostgresOrderStorage) WithTx(ctx context.Context, fn func(tx OrderTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgOrderTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ExistingExternalIDs возвращает подмножество id, уже известных локально.
func (s *PostgresOrderStorage) ExistingExternalIDs(ctx context.Context, externalIDs []string) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(externalIDs))
	if len(externalIDs) == 0 {
		return found, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT external_id FROM orders WHERE external_id = ANY($1)`, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing orders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan external id: %w", err)
		}
		found[id] = struct{}{}
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("rows error: %w", rows.Err())
	}

	return found, nil
}

// MarkOpen помечает известные заказы открытыми одним UPDATE.
func (s *PostgresOrderStorage) MarkOpen(ctx context.Context, externalIDs []string, at time.Time) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET is_open = TRUE, last_synced_at = $2, updated_at = NOW()
		WHERE external_id = ANY($1)
	`, externalIDs, at)
	if err != nil {
		return 0, fmt.Errorf("failed to mark orders open: %w", err)
	}
	return result.RowsAffected(), nil
}

// CloseStale закрывает открытые заказы, которых нет в наборе и которые не синхронизировались с staleBefore.
func (s *PostgresOrderStorage) CloseStale(ctx context.Context, openExternalIDs []string, staleBefore, at time.Time) (int64, error) {
	if openExternalIDs == nil {
		openExternalIDs = []string{}
	}

	result, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET is_open = FALSE,
		    sync_metadata = COALESCE(sync_metadata, '{}'::jsonb) || jsonb_build_object('marked_closed_at', $3::timestamptz),
		    updated_at = NOW()
		WHERE is_open = TRUE
		  AND NOT (external_id = ANY($1))
		  AND (last_synced_at IS NULL OR last_synced_at < $2)
	`, openExternalIDs, staleBefore, at)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale orders: %w", err)
	}
	return result.RowsAffected(), nil
}

// pgOrderTx реализует OrderTx поверх pgx.Tx.
type pgOrderTx struct {
	tx pgx.Tx
}

func (t *pgOrderTx) Savepoint(ctx context.Context, fn func(tx OrderTx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	if err := fn(&pgOrderTx{tx: sp}); err != nil {
		return err
	}

	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

const orderColumns = `
	o.id, o.external_id, o.order_number, o.channel, o.channel_normalized, o.sub_source, o.currency,
	o.total_charge, o.total_paid, o.postage_cost, o.tax, o.profit_margin,
	o.remote_status, o.status, o.is_open, o.is_processed, o.is_cancelled, o.has_refund,
	o.received_at, o.processed_at, o.last_synced_at, o.sync_metadata, o.created_at, o.updated_at,
	(SELECT COUNT(*) FROM order_items i WHERE i.order_id = o.id)
`

func (t *pgOrderTx) GetByExternalIDs(ctx context.Context, externalIDs []string) (map[string]*models.Order, error) {
	orders := make(map[string]*models.Order, len(externalIDs))
	if len(externalIDs) == 0 {
		return orders, nil
	}

	rows, err := t.tx.Query(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.external_id = ANY($1)`, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders[order.ExternalID] = order
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("rows error: %w", rows.Err())
	}

	return orders, nil
}

// Upsert вставляет заказ или обновляет существующий по external_id.
// created=true, если строка была вставлена.
func (t *pgOrderTx) Upsert(ctx context.Context, order *models.Order) (bool, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}

	if order.SyncMetadata == nil {
		order.SyncMetadata = models.Metadata{}
	}
	meta, err := json.Marshal(order.SyncMetadata)
	if err != nil {
		return false, fmt.Errorf("encode sync metadata: %w", err)
	}

	query := `
		INSERT INTO orders (
			id, external_id, order_number, channel, channel_normalized, sub_source, currency,
			total_charge, total_paid, postage_cost, tax, profit_margin,
			remote_status, status, is_open, is_processed, is_cancelled, has_refund,
			received_at, processed_at, last_synced_at, sync_metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, NOW(), NOW()
		)
		ON CONFLICT (external_id) DO UPDATE SET
			order_number = EXCLUDED.order_number,
			channel = EXCLUDED.channel,
			channel_normalized = EXCLUDED.channel_normalized,
			sub_source = EXCLUDED.sub_source,
			currency = EXCLUDED.currency,
			total_charge = EXCLUDED.total_charge,
			total_paid = EXCLUDED.total_paid,
			postage_cost = EXCLUDED.postage_cost,
			tax = EXCLUDED.tax,
			profit_margin = EXCLUDED.profit_margin,
			remote_status = EXCLUDED.remote_status,
			status = EXCLUDED.status,
			is_open = EXCLUDED.is_open,
			is_processed = EXCLUDED.is_processed,
			is_cancelled = EXCLUDED.is_cancelled,
			has_refund = EXCLUDED.has_refund,
			received_at = EXCLUDED.received_at,
			processed_at = EXCLUDED.processed_at,
			last_synced_at = EXCLUDED.last_synced_at,
			sync_metadata = COALESCE(orders.sync_metadata, '{}'::jsonb) || EXCLUDED.sync_metadata,
			updated_at = NOW()
		RETURNING id, created_at, updated_at, (xmax = 0)
	`

	var created bool
	err = t.tx.QueryRow(ctx, query,
		order.ID, order.ExternalID, order.OrderNumber, order.Channel, order.ChannelNormalized,
		order.SubSource, order.Currency,
		order.TotalCharge, order.TotalPaid, order.PostageCost, order.Tax, order.ProfitMargin,
		order.RemoteStatus, order.Status, order.IsOpen, order.IsProcessed, order.IsCancelled, order.HasRefund,
		order.ReceivedAt, order.ProcessedAt, order.LastSyncedAt, meta,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt, &created)
	if err != nil {
		return false, fmt.Errorf("failed to upsert order %s: %w", order.ExternalID, err)
	}

	return created, nil
}

// ReplaceItems удаляет строки заказа и вставляет заново - строки никогда не патчатся частично.
func (t *pgOrderTx) ReplaceItems(ctx context.Context, orderID uuid.UUID, items []models.OrderItem) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM order_items WHERE order_id = $1`, orderID); err != nil {
		return fmt.Errorf("failed to delete order items: %w", err)
	}

	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range items {
		it := &items[i]
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.OrderID = orderID
		batch.Queue(`
			INSERT INTO order_items (id, order_id, remote_item_id, sku, title, quantity, unit_cost,
			                         price_per_unit, line_total, category_name, parent_sku)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, it.ID, it.OrderID, it.RemoteItemID, it.SKU, it.Title, it.Quantity,
			it.UnitCost, it.PricePerUnit, it.LineTotal, it.CategoryName, it.ParentSKU)
	}

	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert order items: %w", err)
	}

	return nil
}

// scanOrder помогает читать заказ из строки результата.
func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		order models.Order
		meta  []byte
	)

	err := row.Scan(
		&order.ID, &order.ExternalID, &order.OrderNumber, &order.Channel, &order.ChannelNormalized,
		&order.SubSource, &order.Currency,
		&order.TotalCharge, &order.TotalPaid, &order.PostageCost, &order.Tax, &order.ProfitMargin,
		&order.RemoteStatus, &order.Status, &order.IsOpen, &order.IsProcessed, &order.IsCancelled, &order.HasRefund,
		&order.ReceivedAt, &order.ProcessedAt, &order.LastSyncedAt, &meta, &order.CreatedAt, &order.UpdatedAt,
		&order.ItemCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &order.SyncMetadata); err != nil {
			return nil, fmt.Errorf("failed to decode sync metadata: %w", err)
		}
	}

	return &order, nil
}
