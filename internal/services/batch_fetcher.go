package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agamariel/ordersync/internal/gateway"
	"github.com/sethvargo/go-retry"
)

// OrderDetailFetcher - пакетная загрузка деталей заказов.
type OrderDetailFetcher interface {
	GetOrderDetails(ctx context.Context, ids []string) ([]gateway.OrderDetail, error)
}

// RetryPolicy - ограниченные повторы с экспоненциальной паузой base, 2*base, 4*base...
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy: 3 попытки, паузы 5s, 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second}
}

// BatchAttempt - событие о попытке загрузки батча для лога и UI.
type BatchAttempt struct {
	Batch       int
	Attempt     int
	MaxAttempts int
	Size        int
	// Err и Delay заполнены, если попытка неуспешна и будет повтор.
	Err   error
	Delay time.Duration
}

// BatchError - фатальная ошибка батча: повторы исчерпаны или ошибка неповторяемая.
type BatchError struct {
	Batch    int
	Attempts int
	Err      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d failed after %d attempt(s): %v", e.Batch, e.Attempts, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// SleepFunc ждёт d или отмены ctx.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BatchFetcher загружает детали батча с повторами.
type BatchFetcher struct {
	fetcher   OrderDetailFetcher
	policy    RetryPolicy
	sleep     SleepFunc
	onAttempt func(BatchAttempt)
	logger    *slog.Logger
	metrics   *syncMetrics
}

// NewBatchFetcher создаёт загрузчик. onAttempt может быть nil.
func NewBatchFetcher(fetcher OrderDetailFetcher, policy RetryPolicy, onAttempt func(BatchAttempt), logger *slog.Logger) *BatchFetcher {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchFetcher{
		fetcher:   fetcher,
		policy:    policy,
		sleep:     sleepContext,
		onAttempt: onAttempt,
		logger:    logger,
		metrics:   newSyncMetrics(),
	}
}

// Fetch загружает детали для ids (не больше gateway.MaxDetailBatch).
// Повторяются только ошибки шлюза с Retryable; явный RetryAfter заменяет вычисленную паузу.
func (f *BatchFetcher) Fetch(ctx context.Context, batch int, ids []string) ([]gateway.OrderDetail, error) {
	if len(ids) > gateway.MaxDetailBatch {
		return nil, &BatchError{Batch: batch, Err: fmt.Errorf("%w: %d", gateway.ErrTooManyIDs, len(ids))}
	}

	backoff := retry.WithMaxRetries(uint64(f.policy.MaxAttempts-1), retry.NewExponential(f.policy.BaseDelay))

	for attempt := 1; ; attempt++ {
		f.emit(BatchAttempt{Batch: batch, Attempt: attempt, MaxAttempts: f.policy.MaxAttempts, Size: len(ids)})

		details, err := f.fetcher.GetOrderDetails(ctx, ids)
		if err == nil {
			f.metrics.recordBatch(ctx, "ok")
			return details, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		gwErr, ok := gateway.AsError(err)
		if !ok {
			f.logger.ErrorContext(ctx, "unclassified error fetching order details, not retrying",
				"batch", batch, "attempt", attempt, "size", len(ids), "error", err)
			f.metrics.recordBatch(ctx, "fatal")
			return nil, &BatchError{Batch: batch, Attempts: attempt, Err: err}
		}
		if !gwErr.Retryable {
			f.logger.ErrorContext(ctx, "non-retryable gateway error",
				"batch", batch, "attempt", attempt, "status", gwErr.StatusCode, "error", gwErr)
			f.metrics.recordBatch(ctx, "fatal")
			return nil, &BatchError{Batch: batch, Attempts: attempt, Err: err}
		}

		delay, stop := backoff.Next()
		if stop {
			f.logger.ErrorContext(ctx, "retries exhausted fetching order details",
				"batch", batch, "attempts", attempt, "error", gwErr)
			f.metrics.recordBatch(ctx, "exhausted")
			return nil, &BatchError{Batch: batch, Attempts: attempt, Err: err}
		}
		if gwErr.RetryAfter != nil {
			delay = *gwErr.RetryAfter
		}

		reason := "transient"
		switch {
		case gwErr.RateLimited:
			reason = "rate_limited"
		case gwErr.Timeout:
			reason = "timeout"
		}
		f.metrics.recordRetry(ctx, reason)
		f.logger.WarnContext(ctx, "order details batch failed, retrying",
			"batch", batch, "attempt", attempt, "max_attempts", f.policy.MaxAttempts,
			"reason", reason, "delay", delay, "error", gwErr)
		f.emit(BatchAttempt{Batch: batch, Attempt: attempt, MaxAttempts: f.policy.MaxAttempts, Size: len(ids), Err: err, Delay: delay})

		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (f *BatchFetcher) emit(a BatchAttempt) {
	if f.onAttempt != nil {
		f.onAttempt(a)
	}
}

// IsBatchError сообщает, что err - фатальная ошибка батча.
func IsBatchError(err error) bool {
	var be *BatchError
	return errors.As(err, &be)
}
