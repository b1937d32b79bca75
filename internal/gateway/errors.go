package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	ErrTooManyIDs   = errors.New("too many order ids in one request")
	ErrUnauthorized = errors.New("gateway authentication failed")
)

// Error - типизированная ошибка шлюза, по которой ядро синхронизации решает, повторять ли вызов.
type Error struct {
	Op          string
	StatusCode  int
	Retryable   bool
	Timeout     bool
	RateLimited bool
	// RetryAfter задан, только если сервис явно указал паузу.
	RetryAfter  *time.Duration
	UserMessage string
	Err         error
}

func (e *Error) Error() string {
	msg := e.UserMessage
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("gateway %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError извлекает *Error из цепочки.
func AsError(err error) (*Error, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// statusError классифицирует неуспешный HTTP-ответ.
func statusError(op string, resp *http.Response) *Error {
	e := &Error{Op: op, StatusCode: resp.StatusCode}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		e.RateLimited = true
		e.Retryable = true
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		e.UserMessage = "rate limited by remote system"
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Err = ErrUnauthorized
		e.UserMessage = "authentication with remote system failed"
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		e.Timeout = true
		e.Retryable = true
		e.UserMessage = "remote system timed out"
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		e.Retryable = true
		e.UserMessage = "remote system is temporarily unavailable"
	default:
		e.UserMessage = fmt.Sprintf("unexpected remote status: %d", resp.StatusCode)
	}

	return e
}

// parseRetryAfter понимает секунды и HTTP-дату. Пустое или битое значение даёт nil.
func parseRetryAfter(val string) *time.Duration {
	if val == "" {
		return nil
	}
	if secs, err := strconv.Atoi(val); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(val); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
