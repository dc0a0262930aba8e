// Package session keeps an admin session alive from the client side.
//
// A Manager holds the current token pair, persists it to Storage, refreshes
// the access token shortly before it expires and retries a rejected API call
// once after refreshing. Concurrent refreshes share a single request.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"portfolio-serverless/internal/auth"
	"portfolio-serverless/internal/observability"
)

const (
	DefaultRefreshBuffer = 60 * time.Second
	DefaultTimeout       = 15 * time.Second
	MinRefreshDelay      = time.Second
	StorageKey           = "portfolio.admin.session"

	refreshFlightKey = "refresh"
)

var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrSessionExpired     = errors.New("session expired")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidInput       = errors.New("username and password are required")
)

// RateLimitedError is returned by Login when the server locked the client out.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many login attempts, retry in %s", e.RetryAfter)
}

// StatusError reports an unexpected response without exposing its body.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d", e.Op, e.StatusCode)
}

type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return "anonymous"
	}
}

// Tokens is the persisted session.
type Tokens struct {
	Username         string    `json:"username"`
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

type Config struct {
	BaseURL       string
	HTTPClient    *http.Client
	Storage       Storage
	RefreshBuffer time.Duration
	// OnExpired fires once when a refresh is rejected and the session ends.
	OnExpired func()
	Logger    *observability.Logger
	Now       func() time.Time
}

type Manager struct {
	baseURL   string
	client    *http.Client
	storage   Storage
	buffer    time.Duration
	onExpired func()
	logger    *observability.Logger
	now       func() time.Time

	flight singleflight.Group

	mu              sync.Mutex
	tokens          *Tokens
	refreshing      bool
	timer           *time.Timer
	generation      uint64
	expiredNotified bool
	closed          bool
}

func NewManager(cfg Config) *Manager {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	storage := cfg.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	buffer := cfg.RefreshBuffer
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		client:    client,
		storage:   storage,
		buffer:    buffer,
		onExpired: cfg.OnExpired,
		logger:    logger,
		now:       now,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.tokens == nil:
		return StateAnonymous
	case m.refreshing:
		return StateRefreshing
	default:
		return StateAuthenticated
	}
}

// Tokens returns a copy of the current session, if any.
func (m *Manager) Tokens() (Tokens, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tokens == nil {
		return Tokens{}, false
	}
	return *m.tokens, true
}

func (m *Manager) Login(ctx context.Context, username, password string) error {
	resp, err := m.send(ctx, http.MethodPost, "/admin/login", auth.LoginRequest{Username: username, Password: password}, "")
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest:
		return ErrInvalidInput
	case http.StatusUnauthorized:
		return ErrInvalidCredentials
	case http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryAfter(resp)}
	default:
		return &StatusError{Op: "login", StatusCode: resp.StatusCode}
	}

	var body auth.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}

	m.establish(tokensFrom(body))
	return nil
}

// Refresh rotates the token pair. Callers arriving while a refresh is in
// flight wait for that one instead of starting their own. The request itself
// is not cancelled when the first caller gives up, each caller only stops
// waiting for it.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	detached := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(refreshFlightKey, func() (any, error) {
		return m.refresh(detached)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Do sends an authenticated request. A 401 triggers one refresh and one retry.
// The retried response is returned as is, even if it is another 401. A call
// that already refreshed an expired token before sending gets no second refresh.
func (m *Manager) Do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	token, refreshed, err := m.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := m.send(ctx, method, path, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || refreshed {
		return resp, nil
	}
	drain(resp)

	retryToken, err := m.tokenAfterRejection(ctx, token)
	if err != nil {
		return nil, err
	}

	return m.send(ctx, method, path, body, retryToken)
}

// Restore reloads a persisted session. Stale state is refreshed right away
// instead of trusted.
func (m *Manager) Restore(ctx context.Context) error {
	raw, ok := m.storage.Get(StorageKey)
	if !ok {
		return nil
	}

	var tokens Tokens
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil || tokens.RefreshToken == "" {
		m.logger.Warn("session_restore_discarded", map[string]any{"reason": "unreadable"})
		_ = m.storage.Remove(StorageKey)
		return nil
	}

	m.mu.Lock()
	m.stopTimerLocked()
	m.tokens = &tokens
	m.expiredNotified = false
	now := m.now()
	stale := !now.Before(tokens.RefreshExpiresAt) || !now.Before(tokens.AccessExpiresAt.Add(-m.buffer))
	if !stale {
		m.scheduleLocked()
	}
	m.mu.Unlock()

	if stale {
		_, err := m.Refresh(ctx)
		return err
	}
	return nil
}

// Logout ends the session locally and asks the server to drop the refresh token.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	tokens := m.tokens
	m.tokens = nil
	m.stopTimerLocked()
	m.mu.Unlock()

	if err := m.storage.Remove(StorageKey); err != nil {
		m.logger.Error("session_storage_remove_failed", map[string]any{"error": err.Error()})
	}

	if tokens == nil {
		return nil
	}

	resp, err := m.send(ctx, http.MethodPost, "/admin/logout", auth.RefreshRequest{RefreshToken: tokens.RefreshToken}, "")
	if err != nil {
		return fmt.Errorf("logout request: %w", err)
	}
	drain(resp)

	return nil
}

// Close stops the refresh timer without discarding the persisted session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.stopTimerLocked()
}

func (m *Manager) refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	origin := m.tokens
	if origin == nil {
		m.mu.Unlock()
		return "", ErrNotAuthenticated
	}
	refreshToken := origin.RefreshToken
	m.refreshing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	resp, err := m.send(ctx, http.MethodPost, "/admin/refresh", auth.RefreshRequest{RefreshToken: refreshToken}, "")
	if err != nil {
		m.logger.Warn("session_refresh_unreachable", map[string]any{"error": err.Error()})
		return "", fmt.Errorf("refresh request: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode >= 500 {
		return "", &StatusError{Op: "refresh", StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		m.expire(origin)
		return "", ErrSessionExpired
	}

	var body auth.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}

	tokens := tokensFrom(body)
	if tokens.Username == "" {
		tokens.Username = origin.Username
	}
	if !m.replace(origin, tokens) {
		return "", ErrNotAuthenticated
	}

	return tokens.AccessToken, nil
}

// accessToken returns the current access token, refreshing first if it has
// already expired. refreshed reports whether that refresh happened.
func (m *Manager) accessToken(ctx context.Context) (token string, refreshed bool, err error) {
	m.mu.Lock()
	if m.tokens == nil {
		m.mu.Unlock()
		return "", false, ErrNotAuthenticated
	}
	token = m.tokens.AccessToken
	expired := !m.now().Before(m.tokens.AccessExpiresAt)
	m.mu.Unlock()

	if !expired {
		return token, false, nil
	}
	token, err = m.Refresh(ctx)
	return token, true, err
}

// tokenAfterRejection picks the token for the single retry. If another caller
// already rotated the pair since rejected was sent, its result is reused.
func (m *Manager) tokenAfterRejection(ctx context.Context, rejected string) (string, error) {
	m.mu.Lock()
	if m.tokens != nil && m.tokens.AccessToken != rejected {
		current := m.tokens.AccessToken
		m.mu.Unlock()
		return current, nil
	}
	m.mu.Unlock()

	return m.Refresh(ctx)
}

func (m *Manager) establish(tokens Tokens) {
	m.mu.Lock()
	m.tokens = &tokens
	m.expiredNotified = false
	m.scheduleLocked()
	m.mu.Unlock()

	m.persist(tokens)
}

// replace swaps in refreshed tokens unless the session the refresh started
// from was logged out or replaced meanwhile.
func (m *Manager) replace(origin *Tokens, tokens Tokens) bool {
	m.mu.Lock()
	if m.tokens != origin {
		m.mu.Unlock()
		return false
	}
	m.tokens = &tokens
	m.scheduleLocked()
	m.mu.Unlock()

	m.persist(tokens)
	return true
}

func (m *Manager) expire(origin *Tokens) {
	m.mu.Lock()
	if m.tokens != origin {
		m.mu.Unlock()
		return
	}
	m.tokens = nil
	m.stopTimerLocked()
	notify := !m.expiredNotified
	m.expiredNotified = true
	m.mu.Unlock()

	if err := m.storage.Remove(StorageKey); err != nil {
		m.logger.Error("session_storage_remove_failed", map[string]any{"error": err.Error()})
	}

	m.logger.Info("session_expired", nil)
	if notify && m.onExpired != nil {
		m.onExpired()
	}
}

func (m *Manager) persist(tokens Tokens) {
	data, err := json.Marshal(tokens)
	if err != nil {
		m.logger.Error("session_encode_failed", map[string]any{"error": err.Error()})
		return
	}
	if err := m.storage.Set(StorageKey, string(data)); err != nil {
		m.logger.Error("session_storage_set_failed", map[string]any{"error": err.Error()})
	}
}

// scheduleLocked arms the proactive refresh at accessExpiresAt - buffer.
// The buffer never exceeds half the remaining lifetime and the delay never
// drops below MinRefreshDelay, so short-lived tokens cannot refresh in a loop.
// Timers from an earlier generation do nothing when they fire.
func (m *Manager) scheduleLocked() {
	m.stopTimerLocked()
	if m.closed || m.tokens == nil {
		return
	}

	delay := refreshDelay(m.tokens.AccessExpiresAt.Sub(m.now()), m.buffer)
	generation := m.generation
	m.timer = time.AfterFunc(delay, func() {
		m.fire(generation)
	})
}

func refreshDelay(remaining, buffer time.Duration) time.Duration {
	buffer = min(buffer, remaining/2)
	return max(remaining-buffer, MinRefreshDelay)
}

func (m *Manager) stopTimerLocked() {
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) fire(generation uint64) {
	m.mu.Lock()
	current := generation == m.generation && !m.closed && m.tokens != nil
	m.mu.Unlock()
	if !current {
		return
	}

	if _, err := m.Refresh(context.Background()); err != nil {
		m.logger.Warn("session_scheduled_refresh_failed", map[string]any{"error": err.Error()})
	}
}

func (m *Manager) send(ctx context.Context, method, path string, body any, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", auth.BearerTokenType+" "+token)
	}

	return m.client.Do(req)
}

func tokensFrom(body auth.TokenResponse) Tokens {
	return Tokens{
		Username:         body.User.Username,
		AccessToken:      body.Token,
		RefreshToken:     body.RefreshToken,
		AccessExpiresAt:  body.TokenExpiresAt,
		RefreshExpiresAt: body.RefreshExpiresAt,
	}
}

func retryAfter(resp *http.Response) time.Duration {
	seconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
