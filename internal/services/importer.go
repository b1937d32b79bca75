package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/agamariel/ordersync/internal/gateway"
	"github.com/agamariel/ordersync/internal/models"
	"github.com/agamariel/ordersync/internal/storage"
	"github.com/agamariel/ordersync/internal/utils"
	"github.com/shopspring/decimal"
)

// ImportMode определяет, как обновляются уже известные заказы.
type ImportMode int

const (
	// ImportMerge обновляет поля заказа, строки не трогает (кроме заказов без строк).
	ImportMerge ImportMode = iota
	// ImportForce обновляет поля и пересоздаёт строки заказа.
	ImportForce
	// ImportOnlyMissing обновляет только заказы, у которых не хватает данных.
	ImportOnlyMissing
)

func (m ImportMode) String() string {
	switch m {
	case ImportForce:
		return "force"
	case ImportOnlyMissing:
		return "only_missing"
	default:
		return "merge"
	}
}

// ImportOptions - параметры импорта одного батча.
type ImportOptions struct {
	Mode ImportMode
	// Open - заказы пришли из набора открытых id.
	Open   bool
	DryRun bool
}

// ImportResult - итог батча.
type ImportResult struct {
	Processed int
	Created   int
	Updated   int
	Unchanged int
	Failed    int
}

// Add складывает результаты.
func (r ImportResult) Add(o ImportResult) ImportResult {
	return ImportResult{
		Processed: r.Processed + o.Processed,
		Created:   r.Created + o.Created,
		Updated:   r.Updated + o.Updated,
		Unchanged: r.Unchanged + o.Unchanged,
		Failed:    r.Failed + o.Failed,
	}
}

// Succeeded - заказы, обработанные без ошибки.
func (r ImportResult) Succeeded() int {
	return r.Created + r.Updated + r.Unchanged
}

// Counters переводит результат в счётчики журнала запуска.
func (r ImportResult) Counters() models.SyncCounters {
	return models.SyncCounters{Created: r.Created, Updated: r.Updated, Skipped: r.Unchanged, Failed: r.Failed}
}

// MappingError - ошибка преобразования одного заказа, батч она не прерывает.
type MappingError struct {
	ExternalID  string
	OrderNumber string
	Reason      string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("order %q (#%s): %s", e.ExternalID, e.OrderNumber, e.Reason)
}

// BulkImporter записывает батч заказов одной транзакцией.
type BulkImporter struct {
	orders  OrderStorage
	logger  *slog.Logger
	metrics *syncMetrics
	now     func() time.Time
}

// NewBulkImporter создаёт импортёр.
func NewBulkImporter(orders OrderStorage, logger *slog.Logger) *BulkImporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BulkImporter{
		orders:  orders,
		logger:  logger,
		metrics: newSyncMetrics(),
		now:     time.Now,
	}
}

type mappedOrder struct {
	order *models.Order
	items []models.OrderItem
}

// Import выполняет upsert батча. Ошибки отдельных заказов считаются в Failed,
// остальные заказы батча фиксируются. Ошибка возвращается только если не удалась сама транзакция.
func (i *BulkImporter) Import(ctx context.Context, details []gateway.OrderDetail, opts ImportOptions) (ImportResult, error) {
	res := ImportResult{Processed: len(details)}
	if len(details) == 0 {
		return res, nil
	}

	now := i.now().UTC()
	mapped := make([]mappedOrder, 0, len(details))
	ids := make([]string, 0, len(details))

	for _, d := range details {
		order, items, err := mapOrderDetail(d, opts, now)
		if err != nil {
			res.Failed++
			i.logger.WarnContext(ctx, "order skipped: mapping failed",
				"external_id", d.OrderID, "order_number", d.NumOrderID, "error", err)
			continue
		}
		mapped = append(mapped, mappedOrder{order: order, items: items})
		ids = append(ids, order.ExternalID)
	}

	var batch ImportResult
	err := i.orders.WithTx(ctx, func(tx storage.OrderTx) error {
		// повторный вызов WithTx (ретрай транзакции) начинает подсчёт заново
		batch = ImportResult{}

		existing, err := tx.GetByExternalIDs(ctx, ids)
		if err != nil {
			return err
		}

		for _, m := range mapped {
			outcome, stored, err := i.importOne(ctx, tx, m, existing[m.order.ExternalID], opts)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				batch.Failed++
				i.logger.WarnContext(ctx, "order import failed",
					"external_id", m.order.ExternalID, "order_number", m.order.OrderNumber, "error", err)
				continue
			}

			switch outcome {
			case outcomeCreated:
				batch.Created++
			case outcomeUpdated:
				batch.Updated++
			default:
				batch.Unchanged++
			}

			// повторный id в том же батче сравнивается с только что записанной версией
			existing[m.order.ExternalID] = stored
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("import batch of %d orders: %w", len(details), err)
	}

	res.Created = batch.Created
	res.Updated = batch.Updated
	res.Unchanged = batch.Unchanged
	res.Failed += batch.Failed

	i.metrics.recordImport(ctx, res)
	return res, nil
}

type importOutcome int

const (
	outcomeUnchanged importOutcome = iota
	outcomeCreated
	outcomeUpdated
)

func (i *BulkImporter) importOne(ctx context.Context, tx storage.OrderTx, m mappedOrder, prev *models.Order, opts ImportOptions) (importOutcome, *models.Order, error) {
	order := m.order
	replaceItems := true

	if prev != nil {
		switch opts.Mode {
		case ImportOnlyMissing:
			if !prev.LacksDetails() {
				return outcomeUnchanged, prev, nil
			}
			replaceItems = prev.ItemCount == 0
		case ImportMerge:
			replaceItems = prev.ItemCount == 0 && len(m.items) > 0
		}

		order = mergeOrder(prev, order)
		if !replaceItems && opts.Mode != ImportForce && !orderChanged(prev, order) {
			return outcomeUnchanged, prev, nil
		}
	}
	if replaceItems {
		order.ItemCount = len(m.items)
	}

	if opts.DryRun {
		if prev == nil {
			return outcomeCreated, order, nil
		}
		return outcomeUpdated, order, nil
	}

	var created bool
	err := tx.Savepoint(ctx, func(sp storage.OrderTx) error {
		var err error
		created, err = sp.Upsert(ctx, order)
		if err != nil {
			return err
		}
		if replaceItems {
			return sp.ReplaceItems(ctx, order.ID, m.items)
		}
		return nil
	})
	if err != nil {
		return outcomeUnchanged, nil, err
	}

	if created {
		return outcomeCreated, order, nil
	}
	return outcomeUpdated, order, nil
}

// mapOrderDetail преобразует удалённый заказ в локальные модели.
func mapOrderDetail(d gateway.OrderDetail, opts ImportOptions, now time.Time) (*models.Order, []models.OrderItem, error) {
	number := ""
	if d.NumOrderID > 0 {
		number = strconv.FormatInt(d.NumOrderID, 10)
	}

	externalID := strings.TrimSpace(d.OrderID)
	if externalID == "" {
		return nil, nil, &MappingError{OrderNumber: number, Reason: "missing external order id"}
	}

	order := &models.Order{
		ExternalID:        externalID,
		OrderNumber:       number,
		Channel:           strings.TrimSpace(d.GeneralInfo.Source),
		ChannelNormalized: utils.NormalizeChannel(d.GeneralInfo.Source),
		SubSource:         strings.TrimSpace(d.GeneralInfo.SubSource),
		Currency:          strings.ToUpper(strings.TrimSpace(d.TotalsInfo.Currency)),
		TotalCharge:       d.TotalsInfo.TotalCharge,
		TotalPaid:         d.TotalsInfo.TotalPaid,
		PostageCost:       d.TotalsInfo.PostageCost,
		Tax:               d.TotalsInfo.Tax,
		ProfitMargin:      d.TotalsInfo.ProfitMargin,
		ReceivedAt:        utcPtr(d.GeneralInfo.ReceivedDate),
		ProcessedAt:       utcPtr(d.ProcessedDateTime),
		LastSyncedAt:      &now,
	}

	if !order.ApplyStatus(d.GeneralInfo.Status) {
		return nil, nil, &MappingError{ExternalID: externalID, OrderNumber: number, Reason: fmt.Sprintf("unknown remote status %d", d.GeneralInfo.Status)}
	}
	if d.GeneralInfo.HasRefund {
		order.HasRefund = true
	}
	// обработанный заказ не может оставаться открытым
	order.IsOpen = opts.Open && !order.IsProcessed

	source := "processed"
	if opts.Open {
		source = "open"
	}
	order.SyncMetadata = models.Metadata{"last_import_source": source, "last_import_mode": opts.Mode.String()}

	items := make([]models.OrderItem, 0, len(d.Items))
	for idx, it := range d.Items {
		if it.Quantity < 0 {
			return nil, nil, &MappingError{ExternalID: externalID, OrderNumber: number, Reason: fmt.Sprintf("item %d has negative quantity", idx)}
		}
		item := models.OrderItem{
			RemoteItemID: it.ItemID,
			SKU:          strings.TrimSpace(it.SKU),
			Title:        strings.TrimSpace(it.Title),
			Quantity:     it.Quantity,
			UnitCost:     it.UnitCost,
			PricePerUnit: it.PricePerUnit,
			LineTotal:    utils.LineTotal(it.CostIncTax, it.Quantity, it.PricePerUnit),
			CategoryName: strings.TrimSpace(it.CategoryName),
		}
		if parent := strings.TrimSpace(it.ParentSKU); parent != "" {
			item.ParentSKU = &parent
		}
		items = append(items, item)
	}

	return order, items, nil
}

// mergeOrder накладывает обновляемые поля fresh на копию prev.
func mergeOrder(prev, fresh *models.Order) *models.Order {
	merged := *fresh
	merged.ID = prev.ID
	merged.CreatedAt = prev.CreatedAt
	merged.ItemCount = prev.ItemCount
	merged.SyncMetadata = prev.SyncMetadata.Merge(fresh.SyncMetadata)

	if !fresh.IsProcessed {
		merged.IsOpen = prev.IsOpen || fresh.IsOpen
	}
	if merged.ReceivedAt == nil {
		merged.ReceivedAt = prev.ReceivedAt
	}
	if merged.ProcessedAt == nil {
		merged.ProcessedAt = prev.ProcessedAt
	}
	if merged.Channel == "" {
		merged.Channel = prev.Channel
		merged.ChannelNormalized = prev.ChannelNormalized
	}
	if merged.Currency == "" {
		merged.Currency = prev.Currency
	}
	return &merged
}

// orderChanged сравнивает бизнес-поля; служебные (last_synced_at, метаданные) не учитываются.
func orderChanged(prev, next *models.Order) bool {
	return prev.OrderNumber != next.OrderNumber ||
		prev.Channel != next.Channel ||
		prev.SubSource != next.SubSource ||
		prev.Currency != next.Currency ||
		!decimalEqual(prev.TotalCharge, next.TotalCharge) ||
		!decimalEqual(prev.TotalPaid, next.TotalPaid) ||
		!decimalEqual(prev.PostageCost, next.PostageCost) ||
		!decimalEqual(prev.Tax, next.Tax) ||
		!decimalEqual(prev.ProfitMargin, next.ProfitMargin) ||
		prev.RemoteStatus != next.RemoteStatus ||
		prev.Status != next.Status ||
		prev.IsOpen != next.IsOpen ||
		prev.IsProcessed != next.IsProcessed ||
		prev.IsCancelled != next.IsCancelled ||
		prev.HasRefund != next.HasRefund ||
		!timeEqual(prev.ReceivedAt, next.ReceivedAt) ||
		!timeEqual(prev.ProcessedAt, next.ProcessedAt)
}

func decimalEqual(a, b decimal.Decimal) bool {
	return a.Equal(b)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
