package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Client - HTTP-клиент удалённой системы заказов.
type Client struct {
	creds      CredentialProvider
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient создаёт клиент. ratePerMinute <= 0 отключает клиентский лимитер.
func NewClient(creds CredentialProvider, timeout time.Duration, ratePerMinute int, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if ratePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(ratePerMinute)/60.0), 1)
	}

	return &Client{
		creds:      creds,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		logger:     logger,
	}
}

// ListOpenOrderIDs возвращает id всех открытых заказов.
func (c *Client) ListOpenOrderIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.call(ctx, "list open orders", "/api/Orders/GetAllOpenOrders", map[string]any{}, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

type searchProcessedRequest struct {
	Request searchProcessedFilter `json:"request"`
}

type searchProcessedFilter struct {
	DateField      string    `json:"DateField"`
	FromDate       time.Time `json:"FromDate"`
	ToDate         time.Time `json:"ToDate"`
	PageNumber     int       `json:"PageNumber"`
	ResultsPerPage int       `json:"ResultsPerPage"`
}

type searchProcessedResponse struct {
	ProcessedOrders struct {
		PageNumber     int `json:"PageNumber"`
		EntriesPerPage int `json:"EntriesPerPage"`
		TotalEntries   int `json:"TotalEntries"`
		TotalPages     int `json:"TotalPages"`
		Data           []struct {
			OrderID string `json:"pkOrderID"`
		} `json:"Data"`
	} `json:"ProcessedOrders"`
}

// SearchProcessedOrderIDs возвращает одну страницу id обработанных заказов.
func (c *Client) SearchProcessedOrderIDs(ctx context.Context, q ProcessedQuery) (*IDPage, error) {
	if q.DateField == "" {
		q.DateField = DateFieldProcessed
	}
	if q.PageNumber < 1 {
		q.PageNumber = 1
	}

	body := searchProcessedRequest{Request: searchProcessedFilter{
		DateField:      string(q.DateField),
		FromDate:       q.From.UTC(),
		ToDate:         q.To.UTC(),
		PageNumber:     q.PageNumber,
		ResultsPerPage: q.PageSize,
	}}

	var payload searchProcessedResponse
	if err := c.call(ctx, "search processed orders", "/api/ProcessedOrders/SearchProcessedOrders", body, &payload); err != nil {
		return nil, err
	}

	po := payload.ProcessedOrders
	page := &IDPage{
		PageNumber:   po.PageNumber,
		TotalPages:   po.TotalPages,
		TotalEntries: po.TotalEntries,
		IDs:          make([]string, 0, len(po.Data)),
	}
	for _, row := range po.Data {
		page.IDs = append(page.IDs, row.OrderID)
	}
	return page, nil
}

// GetOrderDetails возвращает полные данные заказов, не более MaxDetailBatch id за вызов.
func (c *Client) GetOrderDetails(ctx context.Context, ids []string) ([]OrderDetail, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxDetailBatch {
		return nil, &Error{Op: "get order details", Err: ErrTooManyIDs, UserMessage: fmt.Sprintf("%d ids requested, limit is %d", len(ids), MaxDetailBatch)}
	}

	var details []OrderDetail
	if err := c.call(ctx, "get order details", "/api/Orders/GetOrdersById", map[string]any{"pkOrderIds": ids}, &details); err != nil {
		return nil, err
	}
	return details, nil
}

// call выполняет запрос; при 401/403 сбрасывает сессию и повторяет один раз.
func (c *Client) call(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		session, err := c.creds.Session(ctx)
		if err != nil {
			return err
		}

		err = c.do(ctx, op, session, path, payload, out)
		if err == nil {
			return nil
		}

		gwErr, ok := AsError(err)
		if ok && errors.Is(gwErr, ErrUnauthorized) && attempt == 0 {
			c.logger.Warn("gateway session rejected, re-authorizing", "op", op, "status", gwErr.StatusCode)
			c.creds.Invalidate()
			continue
		}
		return err
	}

	return &Error{Op: op, Err: ErrUnauthorized, UserMessage: "authentication with remote system failed"}
}

func (c *Client) do(ctx context.Context, op string, session Session, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, session.Server+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", session.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: err, UserMessage: "malformed response from remote system"}
	}
	return nil
}

// transportError классифицирует сетевую ошибку. Отмена контекста вызывающим не оборачивается.
func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Op: op, Timeout: true, Retryable: true, Err: err, UserMessage: "request to remote system timed out"}
	}
	return &Error{Op: op, Retryable: true, Err: err, UserMessage: "remote system is unreachable"}
}
