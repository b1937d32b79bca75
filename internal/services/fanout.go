package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agamariel/ordersync/internal/events"
	"github.com/agamariel/ordersync/internal/models"
	"golang.org/x/sync/errgroup"
)

// JobGroup запускает независимые задачи с ограничением параллельности
// и паузой между запусками. Wait - единственная точка "всё готово".
type JobGroup struct {
	ctx     context.Context
	group   errgroup.Group
	stagger time.Duration
	sleep   SleepFunc

	started int
	failed  atomic.Int64
	mu      sync.Mutex
	errs    []error
}

// JobGroupResult - итог группы.
type JobGroupResult struct {
	Jobs   int
	Failed int
	// Err объединяет ошибки упавших задач.
	Err error
}

// NewJobGroup создаёт группу. Ошибка одной задачи не отменяет остальные.
func NewJobGroup(ctx context.Context, limit int, stagger time.Duration, sleep SleepFunc) *JobGroup {
	if sleep == nil {
		sleep = sleepContext
	}
	g := &JobGroup{ctx: ctx, stagger: stagger, sleep: sleep}
	if limit > 0 {
		g.group.SetLimit(limit)
	}
	return g
}

// Go ставит задачу. Между постановками выдерживается stagger; при исчерпании лимита Go ждёт свободный слот.
// Возвращает ошибку, только если ctx отменён до постановки.
func (g *JobGroup) Go(job func(ctx context.Context) error) error {
	if g.started > 0 && g.stagger > 0 {
		if err := g.sleep(g.ctx, g.stagger); err != nil {
			return err
		}
	}
	if err := g.ctx.Err(); err != nil {
		return err
	}
	g.started++

	g.group.Go(func() error {
		if err := job(g.ctx); err != nil {
			g.failed.Add(1)
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}
		return nil
	})
	return nil
}

// Wait ждёт все поставленные задачи.
func (g *JobGroup) Wait() JobGroupResult {
	_ = g.group.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return JobGroupResult{Jobs: g.started, Failed: int(g.failed.Load()), Err: errors.Join(g.errs...)}
}

// OpenSyncOptions - параметры синхронизации открытых заказов.
type OpenSyncOptions struct {
	BatchSize   int
	Concurrency int
	Stagger     time.Duration
	DryRun      bool
	Force       bool
}

// SyncOpenOrders синхронизирует открытые заказы и ждёт завершения.
func (o *Orchestrator) SyncOpenOrders(ctx context.Context, opts OpenSyncOptions) (*RunResult, error) {
	run, err := o.StartOpenOrders(ctx, opts)
	if err != nil {
		return nil, err
	}
	return run.Wait()
}

// StartOpenOrders получает все открытые id, сверяет флаги и раздаёт неизвестные
// локально заказы независимым задачам импорта. Каждая задача работает в своей транзакции
// и атомарно прибавляет счётчики журнала; журнал завершается один раз после Wait.
func (o *Orchestrator) StartOpenOrders(ctx context.Context, opts OpenSyncOptions) (*SyncRun, error) {
	if o.gateway == nil {
		return nil, ErrGatewayNotConfigured
	}

	lease, err := o.acquire(ctx, StreamOpenOrders)
	if err != nil {
		return nil, err
	}

	runOpts := RunOptions{Stream: StreamOpenOrders, BatchSize: opts.BatchSize, DryRun: opts.DryRun, Force: opts.Force}
	st, err := o.open(ctx, runOpts, models.SyncTypeOpenOrders)
	if err != nil {
		o.release(ctx, lease)
		return nil, err
	}

	run := &SyncRun{SyncLogID: st.log.ID(), Stream: StreamOpenOrders, Type: models.SyncTypeOpenOrders, done: make(chan struct{})}
	go func() {
		defer close(run.done)
		defer o.release(ctx, lease)
		run.result, run.err = o.fanOut(ctx, st, opts)
	}()
	return run, nil
}

func (o *Orchestrator) fanOut(ctx context.Context, st *runState, opts OpenSyncOptions) (*RunResult, error) {
	openIDs, err := o.gateway.ListOpenOrderIDs(ctx)
	if err != nil {
		return o.fail(ctx, st, fmt.Errorf("list open order ids: %w", err))
	}

	rec, err := o.reconciler.Reconcile(ctx, openIDs, st.opts.DryRun)
	if err != nil {
		return o.fail(ctx, st, err)
	}
	st.result.Reconcile = rec

	missing, err := o.missingIDs(ctx, openIDs)
	if err != nil {
		return o.fail(ctx, st, err)
	}

	chunks := chunkIDs(missing, st.batchSize)
	st.progress = st.progress.Merge(models.SyncProgress{
		Phase:        PhaseImporting,
		TotalResults: len(missing),
		Extra:        models.Metadata{"open_ids": len(openIDs), "open_missing": len(missing), "jobs": len(chunks)},
	})
	st.logger.InfoContext(ctx, "dispatching open order import jobs",
		"open_ids", len(openIDs), "missing", len(missing), "jobs", len(chunks))

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = o.cfg.FanOutConcurrency
	}
	stagger := opts.Stagger
	if stagger <= 0 {
		stagger = o.cfg.FanOutStagger
	}

	fetcher := o.newFetcher(st)
	importOpts := ImportOptions{Mode: st.opts.importMode(), Open: true, DryRun: st.opts.DryRun}

	group := NewJobGroup(ctx, concurrency, stagger, o.sleep)
	for i, chunk := range chunks {
		batch, ids := i+1, chunk
		err := group.Go(func(ctx context.Context) error {
			return o.importJob(ctx, st, fetcher, batch, ids, importOpts)
		})
		if err != nil {
			break
		}
	}
	res := group.Wait()
	st.batches = res.Jobs

	st.counters = st.log.Snapshot().Counters
	if res.Jobs < len(chunks) {
		return o.fail(ctx, st, fmt.Errorf("dispatch open order jobs: %w", context.Cause(ctx)))
	}
	if res.Failed > 0 && res.Failed == res.Jobs {
		return o.fail(ctx, st, fmt.Errorf("all %d open order jobs failed: %w", res.Jobs, res.Err))
	}
	if res.Failed > 0 {
		st.logger.WarnContext(ctx, "some open order jobs failed", "failed_jobs", res.Failed, "jobs", res.Jobs, "error", res.Err)
	}

	return o.complete(ctx, st, res.Failed)
}

// importJob - одна независимая задача: загрузка деталей и импорт батча в своей транзакции.
func (o *Orchestrator) importJob(ctx context.Context, st *runState, fetcher *BatchFetcher, batch int, ids []string, opts ImportOptions) error {
	details, err := fetcher.Fetch(ctx, batch, ids)
	if err != nil {
		o.countFailed(ctx, st, len(ids))
		return err
	}

	res, err := o.importer.Import(ctx, details, opts)
	if err != nil {
		o.countFailed(ctx, st, len(ids))
		return err
	}

	delta := res.Counters()
	delta.Fetched = len(details)
	total, err := st.log.Increment(ctx, delta)
	if err != nil {
		st.logger.WarnContext(ctx, "failed to increment sync log counters", "batch", batch, "error", err)
		return nil
	}

	st.logger.InfoContext(ctx, "open order job done",
		"batch", batch, "created", res.Created, "updated", res.Updated, "failed", res.Failed,
		"total_created", total.Created, "total_failed", total.Failed)

	err = o.publisher.PublishProgress(ctx, events.Progress{
		SyncLogID: st.log.ID().String(),
		Stream:    st.opts.Stream,
		SyncType:  string(st.typ),
		Counters:  total,
	})
	if err != nil {
		st.logger.WarnContext(ctx, "failed to publish sync progress", "error", err)
	}
	return nil
}

func (o *Orchestrator) countFailed(ctx context.Context, st *runState, n int) {
	if _, err := st.log.Increment(context.WithoutCancel(ctx), models.SyncCounters{Failed: n}); err != nil {
		st.logger.WarnContext(ctx, "failed to increment sync log counters", "error", err)
	}
}
