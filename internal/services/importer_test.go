package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agamariel/ordersync/internal/gateway"
	"github.com/agamariel/ordersync/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestImporter(store *memOrderStore) *BulkImporter {
	imp := NewBulkImporter(store, discardLogger())
	imp.now = func() time.Time { return testNow }
	return imp
}

func details(ids ...string) []gateway.OrderDetail {
	out := make([]gateway.OrderDetail, 0, len(ids))
	for _, id := range ids {
		out = append(out, makeDetail(id))
	}
	return out
}

func TestBulkImporter_CreatesOrdersWithItems(t *testing.T) {
	store := newMemOrderStore()
	imp := newTestImporter(store)

	res, err := imp.Import(context.Background(), details("a", "b", "c"), ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Processed: 3, Created: 3}, res)

	order, items, ok := store.get("a")
	require.True(t, ok)
	assert.Equal(t, "EBAY", order.Channel)
	assert.Equal(t, "ebay", order.ChannelNormalized)
	assert.Equal(t, "GBP", order.Currency)
	assert.Equal(t, models.OrderStatusProcessed, order.Status)
	assert.True(t, order.IsProcessed)
	assert.False(t, order.IsOpen)
	assert.True(t, order.TotalCharge.Equal(decimal.RequireFromString("19.99")))
	require.NotNil(t, order.LastSyncedAt)
	assert.Equal(t, testNow, *order.LastSyncedAt)

	require.Len(t, items, 2)
	// строка без CostIncTax получает qty * price
	assert.True(t, items[0].LineTotal.Equal(decimal.RequireFromString("10.00")))
	assert.True(t, items[1].LineTotal.Equal(decimal.RequireFromString("9.99")))
	assert.Equal(t, order.ID, items[0].OrderID)
}

func TestBulkImporter_ResyncIsIdempotent(t *testing.T) {
	store := newMemOrderStore()
	imp := newTestImporter(store)
	ctx := context.Background()

	_, err := imp.Import(ctx, details("a", "b", "c"), ImportOptions{})
	require.NoError(t, err)
	upserts, itemWrites := store.writes()

	res, err := imp.Import(ctx, details("a", "b", "c"), ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Processed: 3, Unchanged: 3}, res)

	// повторный импорт без изменений ничего не пишет
	u2, i2 := store.writes()
	assert.Equal(t, upserts, u2)
	assert.Equal(t, itemWrites, i2)

	changed := makeDetail("b")
	changed.TotalsInfo.TotalPaid = decimal.RequireFromString("0")
	changed.GeneralInfo.Status = 4
	res, err = imp.Import(ctx, []gateway.OrderDetail{makeDetail("a"), changed}, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Processed: 2, Updated: 1, Unchanged: 1}, res)

	order, _, _ := store.get("b")
	assert.Equal(t, models.OrderStatusRefunded, order.Status)
	assert.True(t, order.HasRefund)
	assert.True(t, order.TotalPaid.IsZero())
}

func TestBulkImporter_PartialFailureIsolation(t *testing.T) {
	store := newMemOrderStore()
	imp := newTestImporter(store)

	batch := make([]gateway.OrderDetail, 0, 10)
	for i := 1; i <= 10; i++ {
		d := makeDetail(fmt.Sprintf("ord-%d", i))
		if i == 4 {
			d.OrderID = ""
		}
		batch = append(batch, d)
	}

	res, err := imp.Import(context.Background(), batch, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Processed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 9, res.Created+res.Updated)
	assert.Equal(t, 9, store.count())
	assert.Equal(t, 1, store.txCount)
}

func TestBulkImporter_FailedUpsertRollsBackOnlyThatOrder(t *testing.T) {
	store := newMemOrderStore()
	store.failUpsert["b"] = errors.New("constraint violation")
	imp := newTestImporter(store)

	res, err := imp.Import(context.Background(), details("a", "b", "c"), ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Processed: 3, Created: 2, Failed: 1}, res)

	_, _, ok := store.get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, store.count())
}

func TestBulkImporter_UnknownStatusIsMappingFailure(t *testing.T) {
	store := newMemOrderStore()
	imp := newTestImporter(store)

	bad := makeDetail("x")
	bad.GeneralInfo.Status = 9

	res, err := imp.Import(context.Background(), []gateway.OrderDetail{bad, makeDetail("y")}, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Processed: 2, Created: 1, Failed: 1}, res)
}

func TestBulkImporter_ItemModes(t *testing.T) {
	ctx := context.Background()

	updated := makeDetail("a")
	updated.Items = updated.Items[:1]
	updated.TotalsInfo.TotalCharge = decimal.RequireFromString("10.00")

	tests := []struct {
		name          string
		mode          ImportMode
		expectedItems int
	}{
		{name: "merge keeps existing items", mode: ImportMerge, expectedItems: 2},
		{name: "force recreates items", mode: ImportForce, expectedItems: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemOrderStore()
			imp := newTestImporter(store)

			_, err := imp.Import(ctx, details("a"), ImportOptions{})
			require.NoError(t, err)

			res, err := imp.Import(ctx, []gateway.OrderDetail{updated}, ImportOptions{Mode: tt.mode})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Updated)

			order, items, _ := store.get("a")
			assert.True(t, order.TotalCharge.Equal(decimal.RequireFromString("10.00")))
			assert.Len(t, items, tt.expectedItems)
		})
	}
}

func TestBulkImporter_OnlyMissing(t *testing.T) {
	store := newMemOrderStore()
	imp := newTestImporter(store)
	ctx := context.Background()

	_, err := imp.Import(ctx, details("complete"), ImportOptions{})
	require.NoError(t, err)
	store.put(&models.Order{ExternalID: "partial", Channel: "EBAY", Status: models.OrderStatusPending})

	res, err := imp.Import(ctx, details("complete", "partial"), ImportOptions{Mode: ImportOnlyMissing})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Processed: 2, Updated: 1, Unchanged: 1}, res)

	order, items, _ := store.get("partial")
	assert.Equal(t, "GBP", order.Currency)
	assert.NotNil(t, order.ProcessedAt)
	// у заказа не было строк, поэтому они созданы
	assert.Len(t, items, 2)
}

func TestBulkImporter_OpenFlag(t *testing.T) {
	store := newMemOrderStore()
	imp := newTestImporter(store)

	pending := makeDetail("open-1")
	pending.GeneralInfo.Status = 0
	pending.ProcessedDateTime = nil
	processed := makeDetail("open-2")

	_, err := imp.Import(context.Background(), []gateway.OrderDetail{pending, processed}, ImportOptions{Open: true})
	require.NoError(t, err)

	o1, _, _ := store.get("open-1")
	assert.True(t, o1.IsOpen)
	assert.Equal(t, models.OrderStatusPending, o1.Status)

	// обработанный заказ не может быть открытым
	o2, _, _ := store.get("open-2")
	assert.False(t, o2.IsOpen)
}

func TestBulkImporter_DryRunWritesNothing(t *testing.T) {
	store := newMemOrderStore()
	imp := newTestImporter(store)

	res, err := imp.Import(context.Background(), details("a", "b"), ImportOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Processed: 2, Created: 2}, res)
	assert.Equal(t, 0, store.count())
}

func TestBulkImporter_DuplicateIDInBatch(t *testing.T) {
	store := newMemOrderStore()
	imp := newTestImporter(store)

	res, err := imp.Import(context.Background(), details("a", "a"), ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Processed: 2, Created: 1, Unchanged: 1}, res)
	assert.Equal(t, 1, store.count())
}
