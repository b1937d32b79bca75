package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultGraceWindow - сколько открытый заказ может отсутствовать в наборе открытых id до закрытия.
const DefaultGraceWindow = 30 * time.Minute

// ReconcileResult - итог сверки открытых заказов.
type ReconcileResult struct {
	MarkedOpen   int64
	MarkedClosed int64
}

// Reconciler сверяет флаг is_open локальных заказов с набором открытых id.
// Новых строк не создаёт.
type Reconciler struct {
	orders OrderStorage
	grace  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewReconciler(orders OrderStorage, grace time.Duration, logger *slog.Logger) *Reconciler {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{orders: orders, grace: grace, logger: logger, now: time.Now}
}

// Reconcile помечает открытыми известные заказы из openIDs и закрывает
// открытые заказы, которых нет в наборе дольше окна grace. В dryRun ничего не пишет.
func (r *Reconciler) Reconcile(ctx context.Context, openIDs []string, dryRun bool) (ReconcileResult, error) {
	var res ReconcileResult
	if dryRun {
		r.logger.InfoContext(ctx, "dry run: open/closed reconciliation skipped", "open_ids", len(openIDs))
		return res, nil
	}

	now := r.now().UTC()

	opened, err := r.orders.MarkOpen(ctx, openIDs, now)
	if err != nil {
		return res, fmt.Errorf("mark open orders: %w", err)
	}
	res.MarkedOpen = opened

	closed, err := r.orders.CloseStale(ctx, openIDs, now.Add(-r.grace), now)
	if err != nil {
		return res, fmt.Errorf("close stale open orders: %w", err)
	}
	res.MarkedClosed = closed

	r.logger.InfoContext(ctx, "open orders reconciled",
		"open_ids", len(openIDs), "marked_open", res.MarkedOpen, "marked_closed", res.MarkedClosed)
	return res, nil
}
