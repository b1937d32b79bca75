package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/agamariel/ordersync/internal/events"
	"github.com/agamariel/ordersync/internal/gateway"
	"github.com/agamariel/ordersync/internal/locks"
	"github.com/agamariel/ordersync/internal/models"
	"github.com/google/uuid"
)

var (
	ErrSyncInProgress       = errors.New("sync stream is already running")
	ErrGatewayNotConfigured = errors.New("order gateway is not configured")
	ErrInvalidDateRange     = errors.New("invalid date range")
)

// Имена потоков по умолчанию.
const (
	StreamProcessedOrders  = string(models.SyncTypeProcessedOrders)
	StreamHistoricalImport = string(models.SyncTypeHistoricalImport)
	StreamOpenOrders       = string(models.SyncTypeOpenOrders)
)

// Фазы запуска, как они пишутся в прогресс.
const (
	PhaseFetchingOpenIDs      = "fetching_open_ids"
	PhaseFetchingProcessedIDs = "fetching_processed_ids"
	PhaseImporting            = "importing"
	PhaseCompleted            = "completed"
	PhaseFailed               = "failed"
)

// Причины, по которым сигнал о завершении не отправлен.
const (
	SkipDryRun             = "dry_run"
	SkipZeroProcessed      = "zero_processed"
	SkipOutsideCacheWindow = "outside_cache_window"
	SkipFailuresPresent    = "failures_present"
)

// OrchestratorConfig - настройки запусков.
type OrchestratorConfig struct {
	BatchSize int
	PageSize  int
	// DateField - поле поиска для инкрементальных запусков; исторические всегда ищут по processed.
	DateField     gateway.DateField
	LockTTL       time.Duration
	CacheLookback time.Duration
	SnapshotEvery int
	GCEvery       int
	GraceWindow   time.Duration
	Lookback      time.Duration
	Retry         RetryPolicy
	// FanOutConcurrency и FanOutStagger управляют импортом открытых заказов.
	FanOutConcurrency int
	FanOutStagger     time.Duration
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.BatchSize <= 0 || c.BatchSize > gateway.MaxDetailBatch {
		c.BatchSize = gateway.MaxDetailBatch
	}
	if c.PageSize <= 0 {
		c.PageSize = gateway.MaxDetailBatch
	}
	if c.DateField == "" {
		c.DateField = gateway.DateFieldReceived
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Hour
	}
	if c.CacheLookback <= 0 {
		c.CacheLookback = 730 * 24 * time.Hour
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 5
	}
	if c.GCEvery <= 0 {
		c.GCEvery = 10
	}
	if c.Retry.MaxAttempts <= 0 || c.Retry.BaseDelay <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	if c.FanOutConcurrency <= 0 {
		c.FanOutConcurrency = 4
	}
	if c.FanOutStagger < 0 {
		c.FanOutStagger = 0
	}
	return c
}

// RunOptions - параметры одного запуска.
type RunOptions struct {
	Stream      string
	Historical  bool
	From        *time.Time
	To          *time.Time
	Days        int
	BatchSize   int
	DryRun      bool
	Force       bool
	OnlyMissing bool
	// StartPage продолжает исторический импорт с указанной страницы.
	StartPage int
}

func (o RunOptions) syncType() models.SyncType {
	if o.Historical {
		return models.SyncTypeHistoricalImport
	}
	return models.SyncTypeProcessedOrders
}

func (o RunOptions) importMode() ImportMode {
	switch {
	case o.Force:
		return ImportForce
	case o.OnlyMissing:
		return ImportOnlyMissing
	default:
		return ImportMerge
	}
}

// RunResult - итог запуска.
type RunResult struct {
	SyncLogID  uuid.UUID
	Type       models.SyncType
	Stream     string
	From       time.Time
	To         time.Time
	DryRun     bool
	Counters   models.SyncCounters
	Processed  int
	Batches    int
	Reconcile  ReconcileResult
	SignalSent bool
	SkipReason string
}

// SyncRun - запущенный в фоне запуск.
type SyncRun struct {
	SyncLogID uuid.UUID
	Stream    string
	Type      models.SyncType

	done   chan struct{}
	result *RunResult
	err    error
}

// Done закрывается по завершении запуска.
func (r *SyncRun) Done() <-chan struct{} {
	return r.done
}

// Wait ждёт завершения и возвращает итог.
func (r *SyncRun) Wait() (*RunResult, error) {
	<-r.done
	return r.result, r.err
}

// Orchestrator ведёт запуск синхронизации:
// idle -> fetching_open_ids -> fetching_processed_ids -> importing -> completed | failed.
type Orchestrator struct {
	gateway     OrderGateway
	orders      OrderStorage
	importer    *BulkImporter
	reconciler  *Reconciler
	checkpoints *CheckpointTracker
	runs        *RunLogger
	locker      locks.Locker
	publisher   events.Publisher
	cfg         OrchestratorConfig
	logger      *slog.Logger

	sleep SleepFunc
	now   func() time.Time
	gc    func()
}

// NewOrchestrator собирает оркестратор. gw == nil означает, что шлюз не настроен.
func NewOrchestrator(
	gw OrderGateway,
	orders OrderStorage,
	checkpoints CheckpointStorage,
	logs SyncLogStorage,
	locker locks.Locker,
	publisher events.Publisher,
	cfg OrchestratorConfig,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = locks.NewLocalLocker()
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	cfg = cfg.withDefaults()

	return &Orchestrator{
		gateway:     gw,
		orders:      orders,
		importer:    NewBulkImporter(orders, logger),
		reconciler:  NewReconciler(orders, cfg.GraceWindow, logger),
		checkpoints: NewCheckpointTracker(checkpoints, cfg.Lookback, logger),
		runs:        NewRunLogger(logs, logger),
		locker:      locker,
		publisher:   publisher,
		cfg:         cfg,
		logger:      logger,
		sleep:       sleepContext,
		now:         time.Now,
		gc:          runtime.GC,
	}
}

// Run выполняет запуск и ждёт его завершения.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	run, err := o.Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	return run.Wait()
}

// Start проверяет параметры, берёт блокировку потока, открывает журнал и чекпоинт
// и продолжает запуск в фоне. ErrSyncInProgress - поток уже выполняется.
func (o *Orchestrator) Start(ctx context.Context, opts RunOptions) (*SyncRun, error) {
	if o.gateway == nil {
		return nil, ErrGatewayNotConfigured
	}
	if opts.Historical && opts.From == nil && opts.Days <= 0 {
		return nil, fmt.Errorf("%w: historical import needs from/to or days", ErrInvalidDateRange)
	}
	if opts.Days < 0 {
		return nil, fmt.Errorf("%w: negative days", ErrInvalidDateRange)
	}
	if opts.Stream == "" {
		opts.Stream = string(opts.syncType())
	}

	lease, err := o.acquire(ctx, opts.Stream)
	if err != nil {
		return nil, err
	}

	state, err := o.open(ctx, opts, opts.syncType())
	if err != nil {
		o.release(ctx, lease)
		return nil, err
	}

	run := &SyncRun{SyncLogID: state.log.ID(), Stream: opts.Stream, Type: opts.syncType(), done: make(chan struct{})}
	go func() {
		defer close(run.done)
		defer o.release(ctx, lease)
		run.result, run.err = o.execute(ctx, state)
	}()
	return run, nil
}

// lockKey - ключ блокировки потока. Инкрементальный поток и разбор открытых заказов
// оба сверяют и импортируют открытый набор, поэтому делят одну блокировку.
func lockKey(stream string) string {
	if stream == StreamOpenOrders {
		return StreamProcessedOrders
	}
	return stream
}

func (o *Orchestrator) acquire(ctx context.Context, stream string) (*locks.Lease, error) {
	lease, err := o.locker.Acquire(ctx, lockKey(stream), o.cfg.LockTTL)
	if errors.Is(err, locks.ErrLocked) {
		return nil, fmt.Errorf("%w: %s", ErrSyncInProgress, stream)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", stream, err)
	}
	return lease, nil
}

func (o *Orchestrator) release(ctx context.Context, lease *locks.Lease) {
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		o.logger.WarnContext(ctx, "failed to release sync lock", "stream", lease.Key, "error", err)
	}
}

// runState - всё, что запуск держит между фазами.
type runState struct {
	opts      RunOptions
	typ       models.SyncType
	from      time.Time
	to        time.Time
	dateField gateway.DateField
	batchSize int
	log       *RunLog
	cp        *StreamCheckpoint
	logger    *slog.Logger

	counters models.SyncCounters
	progress models.SyncProgress
	batches  int
	result   RunResult
}

func (o *Orchestrator) open(ctx context.Context, opts RunOptions, typ models.SyncType) (*runState, error) {
	var (
		cp  *StreamCheckpoint
		err error
	)
	if opts.DryRun {
		cp, err = o.checkpoints.Lookup(ctx, opts.Stream, "")
	} else {
		cp, err = o.checkpoints.GetOrCreate(ctx, opts.Stream, "")
	}
	if err != nil {
		return nil, err
	}

	from, to, err := o.window(opts, cp)
	if err != nil {
		return nil, err
	}

	dateField := o.cfg.DateField
	if opts.Historical {
		dateField = gateway.DateFieldProcessed
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = o.cfg.BatchSize
	}
	batchSize = min(batchSize, gateway.MaxDetailBatch)

	phase := PhaseFetchingOpenIDs
	if opts.Historical {
		phase = PhaseFetchingProcessedIDs
	}
	progress := models.SyncProgress{
		Phase:     phase,
		From:      &from,
		To:        &to,
		DateField: string(dateField),
	}
	if opts.StartPage > 1 {
		progress.CurrentPage = opts.StartPage - 1
	}

	runLog, err := o.runs.Start(ctx, typ, opts.Stream, progress, opts.DryRun)
	if err != nil {
		return nil, err
	}

	logger := o.logger.With("sync_log_id", runLog.ID(), "stream", opts.Stream, "sync_type", typ)

	if !opts.DryRun {
		if err := cp.Start(ctx); err != nil {
			_ = runLog.Fail(context.WithoutCancel(ctx), nil, models.SyncProgress{Phase: PhaseFailed}, err)
			return nil, err
		}
	}

	logger.InfoContext(ctx, "sync run started",
		"from", from, "to", to, "date_field", dateField, "batch_size", batchSize,
		"dry_run", opts.DryRun, "mode", opts.importMode().String())

	return &runState{
		opts:      opts,
		typ:       typ,
		from:      from,
		to:        to,
		dateField: dateField,
		batchSize: batchSize,
		log:       runLog,
		cp:        cp,
		logger:    logger,
		progress:  progress,
		result: RunResult{
			SyncLogID: runLog.ID(),
			Type:      typ,
			Stream:    opts.Stream,
			From:      from,
			To:        to,
			DryRun:    opts.DryRun,
		},
	}, nil
}

// window вычисляет [from, to]. Инкрементальный запуск без явных дат начинается с watermark.
func (o *Orchestrator) window(opts RunOptions, cp *StreamCheckpoint) (time.Time, time.Time, error) {
	to := o.now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	var from time.Time
	switch {
	case opts.From != nil:
		from = opts.From.UTC()
	case opts.Days > 0:
		from = to.AddDate(0, 0, -opts.Days)
	default:
		from = cp.IncrementalStartDate().UTC()
		if from.After(to) {
			from = to
		}
		return from, to, nil
	}

	if !from.Before(to) {
		return from, to, fmt.Errorf("%w: from %s is not before to %s", ErrInvalidDateRange,
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return from, to, nil
}

func (o *Orchestrator) execute(ctx context.Context, st *runState) (*RunResult, error) {
	fetcher := o.newFetcher(st)
	importOpts := ImportOptions{Mode: st.opts.importMode(), DryRun: st.opts.DryRun}

	if !st.opts.Historical {
		if err := o.syncOpenSet(ctx, st, fetcher, importOpts); err != nil {
			return o.fail(ctx, st, err)
		}
	}

	if err := o.syncProcessed(ctx, st, fetcher, importOpts); err != nil {
		return o.fail(ctx, st, err)
	}

	return o.complete(ctx, st, 0)
}

func (o *Orchestrator) newFetcher(st *runState) *BatchFetcher {
	f := NewBatchFetcher(o.gateway, o.cfg.Retry, func(a BatchAttempt) {
		if a.Err != nil {
			return
		}
		st.logger.Info(fmt.Sprintf("fetching batch %d, attempt %d/%d", a.Batch, a.Attempt, a.MaxAttempts), "size", a.Size)
	}, st.logger)
	f.sleep = o.sleep
	return f
}

// syncOpenSet получает открытые id, сверяет флаги и импортирует неизвестные локально заказы.
func (o *Orchestrator) syncOpenSet(ctx context.Context, st *runState, fetcher *BatchFetcher, importOpts ImportOptions) error {
	openIDs, err := o.gateway.ListOpenOrderIDs(ctx)
	if err != nil {
		return fmt.Errorf("list open order ids: %w", err)
	}
	st.logger.InfoContext(ctx, "open order ids fetched", "count", len(openIDs))

	rec, err := o.reconciler.Reconcile(ctx, openIDs, st.opts.DryRun)
	if err != nil {
		return err
	}
	st.result.Reconcile = rec

	missing, err := o.missingIDs(ctx, openIDs)
	if err != nil {
		return err
	}

	st.progress = st.progress.Merge(models.SyncProgress{
		Phase: PhaseImporting,
		Extra: models.Metadata{"open_ids": len(openIDs), "open_missing": len(missing)},
	})

	openOpts := importOpts
	openOpts.Open = true
	for _, chunk := range chunkIDs(missing, st.batchSize) {
		if err := o.importBatch(ctx, st, fetcher, chunk, openOpts); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) missingIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	known, err := o.orders.ExistingExternalIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load known open orders: %w", err)
	}
	missing := make([]string, 0, len(ids)-len(known))
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// syncProcessed проходит поток страниц id; страница, батч и импорт выполняются последовательно.
func (o *Orchestrator) syncProcessed(ctx context.Context, st *runState, fetcher *BatchFetcher, importOpts ImportOptions) error {
	st.progress = st.progress.Merge(models.SyncProgress{Phase: PhaseFetchingProcessedIDs})

	stream := NewIDStream(o.gateway, StreamQuery{
		From:      st.from,
		To:        st.to,
		DateField: st.dateField,
		PageSize:  o.cfg.PageSize,
		StartPage: st.opts.StartPage,
	}, func(p PageProgress) {
		// current_page - последняя полностью импортированная страница, её ставит цикл ниже
		st.progress = st.progress.Merge(models.SyncProgress{
			Phase:        PhaseImporting,
			TotalPages:   p.TotalPages,
			TotalResults: p.TotalResults,
			Fetched:      p.Fetched,
		})
		st.logger.Info("order id page fetched",
			"page", p.PageIndex, "total_pages", p.TotalPages, "fetched", p.Fetched, "total_results", p.TotalResults)
	})

	for {
		page := stream.Page()
		ids, ok, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		for _, chunk := range chunkIDs(ids, st.batchSize) {
			if err := o.importBatch(ctx, st, fetcher, chunk, importOpts); err != nil {
				return err
			}
		}
		st.progress = st.progress.Merge(models.SyncProgress{CurrentPage: page})
	}
}

func (o *Orchestrator) importBatch(ctx context.Context, st *runState, fetcher *BatchFetcher, ids []string, opts ImportOptions) error {
	st.batches++
	batch := st.batches

	details, err := fetcher.Fetch(ctx, batch, ids)
	if err != nil {
		return err
	}

	res, err := o.importer.Import(ctx, details, opts)
	if err != nil {
		return err
	}

	delta := res.Counters()
	delta.Fetched = len(details)
	st.counters = st.counters.Add(delta)
	st.progress = st.progress.Merge(models.SyncProgress{Batch: batch})

	st.logger.InfoContext(ctx, "batch imported",
		"batch", batch, "fetched", len(details), "created", res.Created, "updated", res.Updated,
		"unchanged", res.Unchanged, "failed", res.Failed)

	if batch%o.cfg.SnapshotEvery == 0 {
		o.snapshot(ctx, st)
	}
	if batch%o.cfg.GCEvery == 0 {
		o.gc()
	}
	return nil
}

// snapshot сохраняет прогресс и рассылает его; ошибки только логируются.
func (o *Orchestrator) snapshot(ctx context.Context, st *runState) {
	if err := st.log.Progress(ctx, st.counters, st.progress); err != nil {
		st.logger.WarnContext(ctx, "failed to persist sync progress", "error", err)
	}
	err := o.publisher.PublishProgress(ctx, events.Progress{
		SyncLogID: st.log.ID().String(),
		Stream:    st.opts.Stream,
		SyncType:  string(st.typ),
		Counters:  st.counters,
		Progress:  st.progress,
	})
	if err != nil {
		st.logger.WarnContext(ctx, "failed to publish sync progress", "error", err)
	}
}

// signalSkipReason решает, отправлять ли сигнал о завершении. Пустая строка - отправлять.
func (o *Orchestrator) signalSkipReason(dryRun, historical bool, processed, fatalBatches int, windowEnd time.Time) string {
	switch {
	case dryRun:
		return SkipDryRun
	case fatalBatches > 0:
		return SkipFailuresPresent
	case processed == 0:
		return SkipZeroProcessed
	case historical && windowEnd.Before(o.now().UTC().Add(-o.cfg.CacheLookback)):
		return SkipOutsideCacheWindow
	default:
		return ""
	}
}

func (o *Orchestrator) complete(ctx context.Context, st *runState, fatalBatches int) (*RunResult, error) {
	ctx = context.WithoutCancel(ctx)

	processed := st.counters.Created + st.counters.Updated + st.counters.Skipped
	skip := o.signalSkipReason(st.opts.DryRun, st.opts.Historical, processed, fatalBatches, st.to)

	st.progress = st.progress.Merge(models.SyncProgress{Phase: PhaseCompleted, SkipReason: skip})
	counters := st.counters
	if err := st.log.Complete(ctx, &counters, st.progress); err != nil {
		return o.fail(ctx, st, err)
	}

	if !st.opts.DryRun {
		windowEnd := st.to
		if watermark := st.cp.IncrementalStartDate(); st.from.After(watermark) {
			// промежуток [watermark, from) не синхронизирован, watermark остаётся на месте
			windowEnd = watermark
			st.logger.WarnContext(ctx, "checkpoint watermark kept: window starts after it",
				"watermark", watermark, "from", st.from)
		}
		if err := st.cp.Complete(ctx, windowEnd, st.counters); err != nil {
			st.logger.ErrorContext(ctx, "failed to advance checkpoint", "error", err)
			return o.finishResult(st, processed, false, skip), err
		}
	}

	sent := false
	if skip == "" {
		err := o.publisher.PublishSyncCompleted(ctx, events.SyncCompleted{
			OrdersProcessed: processed,
			SyncType:        string(st.typ),
			Success:         true,
			Stream:          st.opts.Stream,
			SyncLogID:       st.log.ID().String(),
			At:              o.now().UTC(),
		})
		if err != nil {
			st.logger.WarnContext(ctx, "failed to publish sync completed signal", "error", err)
		} else {
			sent = true
		}
	} else {
		st.logger.InfoContext(ctx, "sync completed signal skipped", "reason", skip)
	}

	st.logger.InfoContext(ctx, "sync run completed",
		"fetched", st.counters.Fetched, "created", st.counters.Created, "updated", st.counters.Updated,
		"unchanged", st.counters.Skipped, "failed", st.counters.Failed, "batches", st.batches)

	return o.finishResult(st, processed, sent, skip), nil
}

// fail фиксирует ошибку в журнале и чекпоинте (watermark не меняется) и отправляет сигнал о неудаче.
func (o *Orchestrator) fail(ctx context.Context, st *runState, cause error) (*RunResult, error) {
	ctx = context.WithoutCancel(ctx)

	st.logger.ErrorContext(ctx, "sync run failed",
		"batches", st.batches, "created", st.counters.Created, "updated", st.counters.Updated, "error", cause)

	st.progress = st.progress.Merge(models.SyncProgress{Phase: PhaseFailed})
	counters := st.counters
	if err := st.log.Fail(ctx, &counters, st.progress, cause); err != nil {
		st.logger.ErrorContext(ctx, "failed to record sync failure", "error", err)
	}

	if !st.opts.DryRun {
		if err := st.cp.Fail(ctx, cause.Error()); err != nil {
			st.logger.ErrorContext(ctx, "failed to mark checkpoint failed", "error", err)
		}

		err := o.publisher.PublishSyncCompleted(ctx, events.SyncCompleted{
			OrdersProcessed: st.counters.Created + st.counters.Updated + st.counters.Skipped,
			SyncType:        string(st.typ),
			Success:         false,
			Stream:          st.opts.Stream,
			SyncLogID:       st.log.ID().String(),
			Error:           cause.Error(),
			At:              o.now().UTC(),
		})
		if err != nil {
			st.logger.WarnContext(ctx, "failed to publish sync failure signal", "error", err)
		}
	}

	res := o.finishResult(st, st.counters.Created+st.counters.Updated+st.counters.Skipped, false, "")
	return res, fmt.Errorf("sync %s: %w", st.opts.Stream, cause)
}

func (o *Orchestrator) finishResult(st *runState, processed int, sent bool, skip string) *RunResult {
	res := st.result
	res.Counters = st.counters
	res.Processed = processed
	res.Batches = st.batches
	res.SignalSent = sent
	res.SkipReason = skip
	return &res
}

// chunkIDs делит ids на части не длиннее size без копирования.
func chunkIDs(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	if size <= 0 {
		size = gateway.MaxDetailBatch
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end:end])
	}
	return chunks
}
