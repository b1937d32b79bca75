package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrNotConfigured возвращается, если у шлюза нет учётных данных.
var ErrNotConfigured = errors.New("gateway credentials are not configured")

const (
	defaultSessionTTL = 30 * time.Minute
	refreshSkew       = time.Minute
)

// Session - действующая сессия удалённого API.
type Session struct {
	Token     string
	Server    string
	ExpiresAt time.Time
}

// CredentialProvider выдаёт сессию и обновляет её по TTL.
// Передаётся в клиент явно, глобального кэша токена нет.
type CredentialProvider interface {
	Session(ctx context.Context) (Session, error)
	Invalidate()
}

// AppCredentials - учётные данные приложения для авторизации.
type AppCredentials struct {
	AuthURL   string
	AppID     string
	AppSecret string
	Token     string
}

// Configured сообщает, что все обязательные поля заданы.
func (c AppCredentials) Configured() bool {
	return c.AppID != "" && c.AppSecret != "" && c.Token != ""
}

// AppCredentialProvider авторизуется по данным приложения и кэширует сессию до истечения TTL.
type AppCredentialProvider struct {
	creds      AppCredentials
	httpClient *http.Client
	now        func() time.Time

	mu      sync.Mutex
	session *Session
}

// NewAppCredentialProvider создаёт провайдер сессий.
func NewAppCredentialProvider(creds AppCredentials, timeout time.Duration) (*AppCredentialProvider, error) {
	if !creds.Configured() {
		return nil, ErrNotConfigured
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AppCredentialProvider{
		creds:      creds,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}, nil
}

type authRequest struct {
	ApplicationID     string `json:"ApplicationId"`
	ApplicationSecret string `json:"ApplicationSecret"`
	Token             string `json:"Token"`
}

type authResponse struct {
	Token  string `json:"Token"`
	Server string `json:"Server"`
	TTL    int    `json:"TTL"`
}

// Session возвращает кэшированную сессию или авторизуется заново.
func (p *AppCredentialProvider) Session(ctx context.Context) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != nil && p.now().Add(refreshSkew).Before(p.session.ExpiresAt) {
		return *p.session, nil
	}

	s, err := p.authorize(ctx)
	if err != nil {
		return Session{}, err
	}
	p.session = &s
	return s, nil
}

// Invalidate сбрасывает сессию, следующий вызов Session авторизуется заново.
func (p *AppCredentialProvider) Invalidate() {
	p.mu.Lock()
	p.session = nil
	p.mu.Unlock()
}

func (p *AppCredentialProvider) authorize(ctx context.Context) (Session, error) {
	body, err := json.Marshal(authRequest{
		ApplicationID:     p.creds.AppID,
		ApplicationSecret: p.creds.AppSecret,
		Token:             p.creds.Token,
	})
	if err != nil {
		return Session{}, fmt.Errorf("encode auth request: %w", err)
	}

	u := strings.TrimRight(p.creds.AuthURL, "/") + "/api/Auth/AuthorizeByApplication"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Session{}, transportError(ctx, "authorize", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		gwErr := statusError("authorize", resp)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			gwErr.Retryable = false
		}
		return Session{}, gwErr
	}

	var payload authResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Session{}, fmt.Errorf("decode auth response: %w", err)
	}
	if payload.Token == "" || payload.Server == "" {
		return Session{}, &Error{Op: "authorize", Err: ErrUnauthorized, UserMessage: "empty session in auth response"}
	}

	ttl := time.Duration(payload.TTL) * time.Second
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}

	return Session{
		Token:     payload.Token,
		Server:    strings.TrimRight(payload.Server, "/"),
		ExpiresAt: p.now().Add(ttl),
	}, nil
}
