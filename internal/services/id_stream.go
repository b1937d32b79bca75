package services

import (
	"context"
	"fmt"
	"time"

	"github.com/agamariel/ordersync/internal/gateway"
)

// OrderIDSearcher - постраничный поиск id обработанных заказов.
type OrderIDSearcher interface {
	SearchProcessedOrderIDs(ctx context.Context, q gateway.ProcessedQuery) (*gateway.IDPage, error)
}

// PageProgress сообщается перед выдачей каждой страницы.
type PageProgress struct {
	PageIndex    int
	TotalPages   int
	Fetched      int
	TotalResults int
}

// StreamQuery - окно и фильтры потока id.
type StreamQuery struct {
	From      time.Time
	To        time.Time
	DateField gateway.DateField
	PageSize  int
	// StartPage позволяет продолжить с записанной страницы (нумерация с 1).
	StartPage int
}

// IDStream - ленивый поток страниц id. В памяти держится не больше одной страницы.
// Ошибка страницы возвращается вызывающему; повторный Next запрашивает ту же страницу.
type IDStream struct {
	searcher OrderIDSearcher
	query    StreamQuery
	sink     func(PageProgress)

	page         int
	totalPages   int
	totalResults int
	fetched      int
	done         bool
}

// NewIDStream создаёт поток. sink может быть nil.
func NewIDStream(searcher OrderIDSearcher, q StreamQuery, sink func(PageProgress)) *IDStream {
	if q.PageSize <= 0 {
		q.PageSize = gateway.MaxDetailBatch
	}
	start := q.StartPage
	if start < 1 {
		start = 1
	}
	return &IDStream{
		searcher: searcher,
		query:    q,
		sink:     sink,
		page:     start,
	}
}

// Next возвращает следующую страницу. ok=false - страниц больше нет.
func (s *IDStream) Next(ctx context.Context) (ids []string, ok bool, err error) {
	if s.done {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	res, err := s.searcher.SearchProcessedOrderIDs(ctx, gateway.ProcessedQuery{
		From:       s.query.From,
		To:         s.query.To,
		DateField:  s.query.DateField,
		PageNumber: s.page,
		PageSize:   s.query.PageSize,
	})
	if err != nil {
		return nil, false, fmt.Errorf("fetch order id page %d: %w", s.page, err)
	}

	if res.TotalPages > s.totalPages {
		s.totalPages = res.TotalPages
	}
	if res.TotalEntries > 0 {
		s.totalResults = res.TotalEntries
	}

	if len(res.IDs) == 0 {
		s.done = true
		return nil, false, nil
	}

	s.fetched += len(res.IDs)
	current := s.page
	s.page++
	if s.totalPages > 0 && current >= s.totalPages {
		s.done = true
	}

	if s.sink != nil {
		s.sink(PageProgress{
			PageIndex:    current,
			TotalPages:   s.totalPages,
			Fetched:      s.fetched,
			TotalResults: s.totalResults,
		})
	}

	return res.IDs, true, nil
}

// Page - номер страницы, которую вернёт следующий Next.
func (s *IDStream) Page() int {
	return s.page
}

// Fetched - сколько id выдано на данный момент.
func (s *IDStream) Fetched() int {
	return s.fetched
}
