package services

import (
	"context"
	"hash/fnv"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agamariel/ordersync/internal/events"
	"github.com/agamariel/ordersync/internal/gateway"
	"github.com/agamariel/ordersync/internal/models"
	"github.com/agamariel/ordersync/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// makeDetail строит обработанный заказ с двумя строками.
func makeDetail(id string) gateway.OrderDetail {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	received := testNow.Add(-48 * time.Hour)
	processed := testNow.Add(-24 * time.Hour)

	return gateway.OrderDetail{
		OrderID:           id,
		NumOrderID:        int64(h.Sum32()%100000) + 1,
		Processed:         true,
		ProcessedDateTime: &processed,
		GeneralInfo: gateway.OrderGeneralInfo{
			Status:       1,
			Source:       "EBAY",
			SubSource:    "ebay-uk",
			ReceivedDate: &received,
		},
		TotalsInfo: gateway.OrderTotalsInfo{
			Subtotal:     decimal.RequireFromString("16.66"),
			PostageCost:  decimal.RequireFromString("3.50"),
			Tax:          decimal.RequireFromString("3.33"),
			TotalCharge:  decimal.RequireFromString("19.99"),
			TotalPaid:    decimal.RequireFromString("19.99"),
			ProfitMargin: decimal.RequireFromString("4.10"),
			Currency:     "gbp",
		},
		Items: []gateway.OrderDetailItem{
			{ItemID: id + "-1", SKU: "SKU-1", Title: "Mug", Quantity: 2, UnitCost: decimal.RequireFromString("2.00"), PricePerUnit: decimal.RequireFromString("5.00")},
			{ItemID: id + "-2", SKU: "SKU-2", Title: "Plate", Quantity: 1, UnitCost: decimal.RequireFromString("3.00"), PricePerUnit: decimal.RequireFromString("9.99"), CostIncTax: decimal.RequireFromString("9.99")},
		},
	}
}

// fakeGateway - удалённая система в памяти.
type fakeGateway struct {
	mu sync.Mutex

	openIDs   []string
	openErr   error
	pages     [][]string
	searchErr map[int]error
	onSearch  func(page int)
	overrides map[string]gateway.OrderDetail
	// detailErrs выдаются по одной на каждый вызов GetOrderDetails, nil - успешный вызов.
	detailErrs []error
	// failIDs - батч с любым из этих id падает с указанной ошибкой.
	failIDs map[string]error

	searchCalls []gateway.ProcessedQuery
	detailCalls int
}

func (g *fakeGateway) ListOpenOrderIDs(ctx context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return nil, g.openErr
	}
	return append([]string(nil), g.openIDs...), nil
}

func (g *fakeGateway) SearchProcessedOrderIDs(ctx context.Context, q gateway.ProcessedQuery) (*gateway.IDPage, error) {
	g.mu.Lock()
	g.searchCalls = append(g.searchCalls, q)
	hook := g.onSearch
	err := g.searchErr[q.PageNumber]
	if err != nil {
		delete(g.searchErr, q.PageNumber)
	}
	pages := g.pages
	g.mu.Unlock()

	if hook != nil {
		hook(q.PageNumber)
	}
	if err != nil {
		return nil, err
	}

	total := 0
	for _, p := range pages {
		total += len(p)
	}
	page := &gateway.IDPage{PageNumber: q.PageNumber, TotalPages: len(pages), TotalEntries: total}
	if q.PageNumber >= 1 && q.PageNumber <= len(pages) {
		page.IDs = append([]string(nil), pages[q.PageNumber-1]...)
	}
	return page, nil
}

func (g *fakeGateway) GetOrderDetails(ctx context.Context, ids []string) ([]gateway.OrderDetail, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.detailCalls++

	if len(g.detailErrs) > 0 {
		err := g.detailErrs[0]
		g.detailErrs = g.detailErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	for _, id := range ids {
		if err, ok := g.failIDs[id]; ok {
			return nil, err
		}
	}

	details := make([]gateway.OrderDetail, 0, len(ids))
	for _, id := range ids {
		if d, ok := g.overrides[id]; ok {
			details = append(details, d)
			continue
		}
		details = append(details, makeDetail(id))
	}
	return details, nil
}

// memOrderStore - OrderStorage в памяти со вложенными транзакциями.
type memOrderStore struct {
	mu         sync.Mutex
	orders     map[string]*models.Order
	items      map[uuid.UUID][]models.OrderItem
	failUpsert map[string]error
	upserts    int
	itemWrites int
	txCount    int
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{
		orders:     map[string]*models.Order{},
		items:      map[uuid.UUID][]models.OrderItem{},
		failUpsert: map[string]error{},
	}
}

// put кладёт заказ напрямую, минуя импорт.
func (s *memOrderStore) put(o *models.Order, items ...models.OrderItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	s.orders[o.ExternalID] = o
	if len(items) > 0 {
		s.items[o.ID] = items
	}
}

func (s *memOrderStore) get(externalID string) (*models.Order, []models.OrderItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[externalID]
	if !ok {
		return nil, nil, false
	}
	cp := *o
	return &cp, append([]models.OrderItem(nil), s.items[o.ID]...), true
}

func (s *memOrderStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *memOrderStore) writes() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts, s.itemWrites
}

func (s *memOrderStore) WithTx(ctx context.Context, fn func(tx storage.OrderTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++

	tx := &memTx{store: s, orders: map[string]*models.Order{}, items: map[uuid.UUID][]models.OrderItem{}}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.orders {
		s.orders[k] = v
	}
	for k, v := range tx.items {
		s.items[k] = v
	}
	s.upserts += tx.upserts
	s.itemWrites += tx.itemWrites
	return nil
}

func (s *memOrderStore) ExistingExternalIDs(ctx context.Context, externalIDs []string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := map[string]struct{}{}
	for _, id := range externalIDs {
		if _, ok := s.orders[id]; ok {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

func (s *memOrderStore) MarkOpen(ctx context.Context, externalIDs []string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range externalIDs {
		if o, ok := s.orders[id]; ok {
			o.IsOpen = true
			ts := at
			o.LastSyncedAt = &ts
			n++
		}
	}
	return n, nil
}

func (s *memOrderStore) CloseStale(ctx context.Context, openExternalIDs []string, staleBefore, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := map[string]struct{}{}
	for _, id := range openExternalIDs {
		open[id] = struct{}{}
	}
	var n int64
	for id, o := range s.orders {
		if !o.IsOpen {
			continue
		}
		if _, ok := open[id]; ok {
			continue
		}
		if o.LastSyncedAt != nil && !o.LastSyncedAt.Before(staleBefore) {
			continue
		}
		o.IsOpen = false
		o.SyncMetadata = o.SyncMetadata.Merge(models.Metadata{"marked_closed_at": at})
		n++
	}
	return n, nil
}

// memTx копит изменения и отдаёт их родителю только при успехе.
type memTx struct {
	store      *memOrderStore
	parent     *memTx
	orders     map[string]*models.Order
	items      map[uuid.UUID][]models.OrderItem
	upserts    int
	itemWrites int
}

func (t *memTx) lookup(externalID string) (*models.Order, bool) {
	if o, ok := t.orders[externalID]; ok {
		return o, true
	}
	if t.parent != nil {
		return t.parent.lookup(externalID)
	}
	o, ok := t.store.orders[externalID]
	return o, ok
}

func (t *memTx) itemsOf(id uuid.UUID) []models.OrderItem {
	if it, ok := t.items[id]; ok {
		return it
	}
	if t.parent != nil {
		return t.parent.itemsOf(id)
	}
	return t.store.items[id]
}

func (t *memTx) GetByExternalIDs(ctx context.Context, externalIDs []string) (map[string]*models.Order, error) {
	out := map[string]*models.Order{}
	for _, id := range externalIDs {
		o, ok := t.lookup(id)
		if !ok {
			continue
		}
		cp := *o
		cp.ItemCount = len(t.itemsOf(o.ID))
		out[id] = &cp
	}
	return out, nil
}

func (t *memTx) Upsert(ctx context.Context, order *models.Order) (bool, error) {
	if err := t.store.failUpsert[order.ExternalID]; err != nil {
		return false, err
	}
	prev, exists := t.lookup(order.ExternalID)
	if exists {
		order.ID = prev.ID
		order.CreatedAt = prev.CreatedAt
	} else {
		if order.ID == uuid.Nil {
			order.ID = uuid.New()
		}
		order.CreatedAt = testNow
	}
	order.UpdatedAt = testNow
	cp := *order
	t.orders[order.ExternalID] = &cp
	t.upserts++
	return !exists, nil
}

func (t *memTx) ReplaceItems(ctx context.Context, orderID uuid.UUID, items []models.OrderItem) error {
	cp := make([]models.OrderItem, len(items))
	for i, it := range items {
		it.OrderID = orderID
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		cp[i] = it
	}
	t.items[orderID] = cp
	t.itemWrites++
	return nil
}

func (t *memTx) Savepoint(ctx context.Context, fn func(tx storage.OrderTx) error) error {
	child := &memTx{store: t.store, parent: t, orders: map[string]*models.Order{}, items: map[uuid.UUID][]models.OrderItem{}}
	if err := fn(child); err != nil {
		return err
	}
	for k, v := range child.orders {
		t.orders[k] = v
	}
	for k, v := range child.items {
		t.items[k] = v
	}
	t.upserts += child.upserts
	t.itemWrites += child.itemWrites
	return nil
}

// memCheckpointStore - CheckpointStorage в памяти.
type memCheckpointStore struct {
	mu  sync.Mutex
	cps map[string]*models.SyncCheckpoint
}

func newMemCheckpointStore() *memCheckpointStore {
	return &memCheckpointStore{cps: map[string]*models.SyncCheckpoint{}}
}

func cpKey(stream, source string) string { return stream + "/" + source }

func (s *memCheckpointStore) Get(ctx context.Context, stream, source string) (*models.SyncCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[cpKey(stream, source)]
	if !ok {
		return nil, storage.ErrCheckpointNotFound
	}
	c := *cp
	return &c, nil
}

func (s *memCheckpointStore) Create(ctx context.Context, cp *models.SyncCheckpoint) (*models.SyncCheckpoint, error) {
	s.mu.Lock()
	key := cpKey(cp.Stream, cp.Source)
	if _, ok := s.cps[key]; !ok {
		c := *cp
		c.UpdatedAt = testNow
		s.cps[key] = &c
	}
	s.mu.Unlock()
	return s.Get(ctx, cp.Stream, cp.Source)
}

func (s *memCheckpointStore) SetStatus(ctx context.Context, stream, source string, status models.CheckpointStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[cpKey(stream, source)]
	if !ok {
		return storage.ErrCheckpointNotFound
	}
	cp.Status = status
	return nil
}

func (s *memCheckpointStore) Complete(ctx context.Context, stream, source string, watermark time.Time, stats models.SyncStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[cpKey(stream, source)]
	if !ok {
		return storage.ErrCheckpointNotFound
	}
	if watermark.After(cp.Watermark) {
		cp.Watermark = watermark
	}
	cp.Status = models.CheckpointIdle
	cp.Stats = stats
	return nil
}

func (s *memCheckpointStore) Fail(ctx context.Context, stream, source string, stats models.SyncStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[cpKey(stream, source)]
	if !ok {
		return storage.ErrCheckpointNotFound
	}
	cp.Status = models.CheckpointFailed
	cp.Stats = stats
	return nil
}

// memSyncLogStore - SyncLogStorage в памяти.
type memSyncLogStore struct {
	mu       sync.Mutex
	logs     map[uuid.UUID]*models.SyncLog
	progress int
}

func newMemSyncLogStore() *memSyncLogStore {
	return &memSyncLogStore{logs: map[uuid.UUID]*models.SyncLog{}}
}

func (s *memSyncLogStore) Create(ctx context.Context, log *models.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	log.Status = models.SyncLogStarted
	cp := *log
	s.logs[log.ID] = &cp
	return nil
}

func (s *memSyncLogStore) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return nil, storage.ErrSyncLogNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *memSyncLogStore) List(ctx context.Context, limit int) ([]*models.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.SyncLog, 0, len(s.logs))
	for _, l := range s.logs {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memSyncLogStore) UpdateProgress(ctx context.Context, id uuid.UUID, counters models.SyncCounters, progress models.SyncProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return storage.ErrSyncLogNotFound
	}
	l.Counters = maxCounters(l.Counters, counters)
	l.Progress = l.Progress.Merge(progress)
	s.progress++
	return nil
}

func (s *memSyncLogStore) Increment(ctx context.Context, id uuid.UUID, delta models.SyncCounters) (models.SyncCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return models.SyncCounters{}, storage.ErrSyncLogNotFound
	}
	l.Counters = l.Counters.Add(delta)
	return l.Counters, nil
}

func (s *memSyncLogStore) Finish(ctx context.Context, id uuid.UUID, status models.SyncLogStatus, counters *models.SyncCounters, progress models.SyncProgress, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok || l.Status != models.SyncLogStarted {
		return false, nil
	}
	l.Status = status
	l.Error = errMsg
	if counters != nil {
		l.Counters = maxCounters(l.Counters, *counters)
	}
	l.Progress = l.Progress.Merge(progress)
	now := testNow
	l.CompletedAt = &now
	return true, nil
}

func (s *memSyncLogStore) only() *models.SyncLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		cp := *l
		return &cp
	}
	return nil
}

// recordingPublisher запоминает сигналы.
type recordingPublisher struct {
	mu        sync.Mutex
	completed []events.SyncCompleted
	progress  []events.Progress
}

func (p *recordingPublisher) PublishSyncCompleted(ctx context.Context, evt events.SyncCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, evt)
	return nil
}

func (p *recordingPublisher) PublishProgress(ctx context.Context, evt events.Progress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, evt)
	return nil
}

func (p *recordingPublisher) completedEvents() []events.SyncCompleted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.SyncCompleted(nil), p.completed...)
}

// recordingSleep запоминает паузы вместо ожидания.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func (r *recordingSleep) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}
