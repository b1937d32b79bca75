package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/agamariel/ordersync/internal/services"

// syncMetrics - счётчики синхронизации. Без настроенного провайдера работают как noop.
type syncMetrics struct {
	orders  metric.Int64Counter
	batches metric.Int64Counter
	retries metric.Int64Counter
}

func newSyncMetrics() *syncMetrics {
	meter := otel.Meter(meterName)
	return &syncMetrics{
		orders:  counter(meter, "ordersync.orders", "Orders handled by the importer, by outcome"),
		batches: counter(meter, "ordersync.batches", "Detail batches fetched, by result"),
		retries: counter(meter, "ordersync.batch_retries", "Detail batch retry attempts, by reason"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func (m *syncMetrics) recordImport(ctx context.Context, res ImportResult) {
	m.orders.Add(ctx, int64(res.Created), metric.WithAttributes(attribute.String("outcome", "created")))
	m.orders.Add(ctx, int64(res.Updated), metric.WithAttributes(attribute.String("outcome", "updated")))
	m.orders.Add(ctx, int64(res.Unchanged), metric.WithAttributes(attribute.String("outcome", "unchanged")))
	m.orders.Add(ctx, int64(res.Failed), metric.WithAttributes(attribute.String("outcome", "failed")))
}

func (m *syncMetrics) recordBatch(ctx context.Context, result string) {
	m.batches.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *syncMetrics) recordRetry(ctx context.Context, reason string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
