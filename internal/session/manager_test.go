package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-serverless/internal/auth"
)

type fakeAPI struct {
	mu sync.Mutex

	issued        int
	validAccess   map[string]bool
	validRefresh  map[string]bool
	accessTTL     time.Duration
	refreshDelay  time.Duration
	refreshStatus int
	alwaysReject  bool

	refreshCalls   atomic.Int32
	protectedCalls atomic.Int32
	logoutCalls    atomic.Int32
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()

	api := &fakeAPI{
		validAccess:  make(map[string]bool),
		validRefresh: make(map[string]bool),
		accessTTL:    15 * time.Minute,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/login", api.login)
	mux.HandleFunc("POST /admin/refresh", api.refresh)
	mux.HandleFunc("POST /admin/logout", func(w http.ResponseWriter, r *http.Request) {
		api.logoutCalls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/admin/projects", api.protected)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return api, srv
}

func (a *fakeAPI) issue(w http.ResponseWriter) {
	a.mu.Lock()
	a.issued++
	n := a.issued
	access := fmt.Sprintf("access-%d", n)
	refresh := fmt.Sprintf("refresh-%d", n)
	a.validAccess[access] = true
	a.validRefresh[refresh] = true
	ttl := a.accessTTL
	a.mu.Unlock()

	now := time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(auth.TokenResponse{
		Token:            access,
		RefreshToken:     refresh,
		TokenType:        auth.BearerTokenType,
		User:             auth.User{Username: "admin", Role: auth.RoleAdmin},
		ExpiresIn:        int64(ttl.Seconds()),
		RefreshExpiresIn: 3600,
		TokenExpiresAt:   now.Add(ttl),
		RefreshExpiresAt: now.Add(time.Hour),
	})
}

func (a *fakeAPI) login(w http.ResponseWriter, r *http.Request) {
	var body auth.LoginRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	switch {
	case body.Username == "" || body.Password == "":
		w.WriteHeader(http.StatusBadRequest)
	case body.Password == "locked":
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	case body.Password != "correct":
		w.WriteHeader(http.StatusUnauthorized)
	default:
		a.issue(w)
	}
}

func (a *fakeAPI) refresh(w http.ResponseWriter, r *http.Request) {
	a.refreshCalls.Add(1)

	var body auth.RefreshRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	a.mu.Lock()
	delay := a.refreshDelay
	status := a.refreshStatus
	known := a.validRefresh[body.RefreshToken]
	a.mu.Unlock()

	time.Sleep(delay)

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !known {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	a.issue(w)
}

func (a *fakeAPI) protected(w http.ResponseWriter, r *http.Request) {
	a.protectedCalls.Add(1)

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	a.mu.Lock()
	ok := a.validAccess[token] && !a.alwaysReject
	a.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("X-Token", token)
	w.WriteHeader(http.StatusOK)
}

func (a *fakeAPI) revokeAccess(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.validAccess, token)
}

func (a *fakeAPI) set(fn func(a *fakeAPI)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a)
}

func newLoggedInManager(t *testing.T, srv *httptest.Server, configure ...func(*Config)) (*Manager, *MemoryStorage) {
	t.Helper()

	storage := NewMemoryStorage()
	cfg := Config{BaseURL: srv.URL, Storage: storage}
	for _, fn := range configure {
		fn(&cfg)
	}

	m := NewManager(cfg)
	t.Cleanup(m.Close)
	require.NoError(t, m.Login(context.Background(), "admin", "correct"))
	return m, storage
}

func TestManager_LoginPersistsSession(t *testing.T) {
	_, srv := newFakeAPI(t)
	m, storage := newLoggedInManager(t, srv)

	assert.Equal(t, StateAuthenticated, m.State())

	raw, ok := storage.Get(StorageKey)
	require.True(t, ok)

	var persisted Tokens
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	assert.Equal(t, "access-1", persisted.AccessToken)
	assert.Equal(t, "refresh-1", persisted.RefreshToken)
	assert.Equal(t, "admin", persisted.Username)
	assert.True(t, persisted.AccessExpiresAt.After(time.Now()))
}

func TestManager_LoginErrors(t *testing.T) {
	_, srv := newFakeAPI(t)
	m := NewManager(Config{BaseURL: srv.URL})
	t.Cleanup(m.Close)
	ctx := context.Background()

	assert.ErrorIs(t, m.Login(ctx, "admin", "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, m.Login(ctx, "admin", ""), ErrInvalidInput)

	var limited *RateLimitedError
	require.ErrorAs(t, m.Login(ctx, "admin", "locked"), &limited)
	assert.Equal(t, 42*time.Second, limited.RetryAfter)

	assert.Equal(t, StateAnonymous, m.State())
}

func TestManager_ConcurrentRefreshIsDeduplicated(t *testing.T) {
	api, srv := newFakeAPI(t)
	m, _ := newLoggedInManager(t, srv)
	api.set(func(a *fakeAPI) { a.refreshDelay = 200 * time.Millisecond })

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Refresh(context.Background())
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, "access-2", results[0])
	assert.Equal(t, int32(1), api.refreshCalls.Load())
}

func TestManager_RetriesOnceAfterRefresh(t *testing.T) {
	api, srv := newFakeAPI(t)
	m, _ := newLoggedInManager(t, srv)
	api.revokeAccess("access-1")

	resp, err := m.Do(context.Background(), http.MethodGet, "/admin/projects", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "access-2", resp.Header.Get("X-Token"))
	assert.Equal(t, int32(2), api.protectedCalls.Load())
	assert.Equal(t, int32(1), api.refreshCalls.Load())
}

func TestManager_DoesNotRetryTwice(t *testing.T) {
	api, srv := newFakeAPI(t)
	m, _ := newLoggedInManager(t, srv)
	api.set(func(a *fakeAPI) { a.alwaysReject = true })

	resp, err := m.Do(context.Background(), http.MethodGet, "/admin/projects", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), api.protectedCalls.Load())
	assert.Equal(t, int32(1), api.refreshCalls.Load())
	assert.Equal(t, StateAuthenticated, m.State(), "a successful refresh keeps the session")
}

func TestManager_RefreshFailureExpiresSessionOnce(t *testing.T) {
	api, srv := newFakeAPI(t)
	var notices atomic.Int32
	m, storage := newLoggedInManager(t, srv, func(cfg *Config) {
		cfg.OnExpired = func() { notices.Add(1) }
	})
	api.revokeAccess("access-1")
	api.set(func(a *fakeAPI) {
		a.refreshStatus = http.StatusUnauthorized
		a.refreshDelay = 50 * time.Millisecond
	})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := m.Do(context.Background(), http.MethodGet, "/admin/projects", nil)
			if resp != nil {
				resp.Body.Close()
			}
			assert.Error(t, err)
			assert.True(t, errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrNotAuthenticated), "unexpected error %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), notices.Load())
	assert.Equal(t, StateAnonymous, m.State())
	_, ok := storage.Get(StorageKey)
	assert.False(t, ok)

	_, err := m.Do(context.Background(), http.MethodGet, "/admin/projects", nil)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, int32(1), notices.Load())
}

func TestManager_ServerErrorKeepsSession(t *testing.T) {
	api, srv := newFakeAPI(t)
	m, _ := newLoggedInManager(t, srv)
	api.set(func(a *fakeAPI) { a.refreshStatus = http.StatusServiceUnavailable })

	_, err := m.Refresh(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestManager_RestoreValidSession(t *testing.T) {
	api, srv := newFakeAPI(t)
	_, storage := newLoggedInManager(t, srv)

	restored := NewManager(Config{BaseURL: srv.URL, Storage: storage})
	t.Cleanup(restored.Close)
	require.NoError(t, restored.Restore(context.Background()))

	tokens, ok := restored.Tokens()
	require.True(t, ok)
	assert.Equal(t, "access-1", tokens.AccessToken)
	assert.Equal(t, int32(0), api.refreshCalls.Load())

	resp, err := restored.Do(context.Background(), http.MethodGet, "/admin/projects", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestManager_RestoreStaleAccessRefreshesImmediately(t *testing.T) {
	api, srv := newFakeAPI(t)
	first, storage := newLoggedInManager(t, srv)
	first.Close()

	tokens, ok := first.Tokens()
	require.True(t, ok)
	tokens.AccessExpiresAt = time.Now().Add(-time.Minute)
	data, err := json.Marshal(tokens)
	require.NoError(t, err)
	require.NoError(t, storage.Set(StorageKey, string(data)))

	restored := NewManager(Config{BaseURL: srv.URL, Storage: storage})
	t.Cleanup(restored.Close)

	require.NoError(t, restored.Restore(context.Background()))
	assert.Equal(t, int32(1), api.refreshCalls.Load())

	current, ok := restored.Tokens()
	require.True(t, ok)
	assert.Equal(t, "access-2", current.AccessToken)
	assert.Equal(t, "admin", current.Username)
}

func TestManager_RestoreExpiredRefreshToken(t *testing.T) {
	api, srv := newFakeAPI(t)
	storage := NewMemoryStorage()
	past := time.Now().Add(-time.Hour)
	data, err := json.Marshal(Tokens{
		Username:         "admin",
		AccessToken:      "access-old",
		RefreshToken:     "refresh-old",
		AccessExpiresAt:  past,
		RefreshExpiresAt: past,
	})
	require.NoError(t, err)
	require.NoError(t, storage.Set(StorageKey, string(data)))

	var notices atomic.Int32
	m := NewManager(Config{BaseURL: srv.URL, Storage: storage, OnExpired: func() { notices.Add(1) }})
	t.Cleanup(m.Close)

	err = m.Restore(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, int32(1), api.refreshCalls.Load(), "refresh is attempted instead of trusting stale state")
	assert.Equal(t, StateAnonymous, m.State())
	assert.Equal(t, int32(1), notices.Load())
}

func TestManager_RestoreDiscardsGarbage(t *testing.T) {
	_, srv := newFakeAPI(t)
	storage := NewMemoryStorage()
	require.NoError(t, storage.Set(StorageKey, "{not json"))

	m := NewManager(Config{BaseURL: srv.URL, Storage: storage})
	t.Cleanup(m.Close)

	require.NoError(t, m.Restore(context.Background()))
	assert.Equal(t, StateAnonymous, m.State())
	_, ok := storage.Get(StorageKey)
	assert.False(t, ok)
}

func TestManager_ProactiveRefresh(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.set(func(a *fakeAPI) { a.accessTTL = 1100 * time.Millisecond })

	m, _ := newLoggedInManager(t, srv, func(cfg *Config) { cfg.RefreshBuffer = time.Second })

	assert.Eventually(t, func() bool {
		return api.refreshCalls.Load() >= 1
	}, 2*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		tokens, ok := m.Tokens()
		return ok && tokens.AccessToken != "access-1"
	}, time.Second, 20*time.Millisecond)
}

func TestManager_ShortLivedTokensDoNotRefreshInALoop(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.set(func(a *fakeAPI) { a.accessTTL = DefaultRefreshBuffer })

	newLoggedInManager(t, srv)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), api.refreshCalls.Load())
}

func TestManager_TokensShorterThanMinimumDelay(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.set(func(a *fakeAPI) { a.accessTTL = 300 * time.Millisecond })

	newLoggedInManager(t, srv)
	time.Sleep(MinRefreshDelay + 500*time.Millisecond)

	calls := api.refreshCalls.Load()
	assert.GreaterOrEqual(t, calls, int32(1))
	assert.LessOrEqual(t, calls, int32(2))
}

func TestRefreshDelay(t *testing.T) {
	cases := []struct {
		name      string
		remaining time.Duration
		buffer    time.Duration
		want      time.Duration
	}{
		{"buffer well below lifetime", 15 * time.Minute, time.Minute, 14 * time.Minute},
		{"buffer equal to lifetime", time.Minute, time.Minute, 30 * time.Second},
		{"buffer above lifetime", 10 * time.Second, time.Minute, 5 * time.Second},
		{"tiny lifetime", 500 * time.Millisecond, time.Minute, MinRefreshDelay},
		{"already expired", -time.Minute, time.Minute, MinRefreshDelay},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, refreshDelay(tc.remaining, tc.buffer))
		})
	}
}

func TestManager_ExpiredTokenRefreshesOncePerCall(t *testing.T) {
	api, srv := newFakeAPI(t)
	m, _ := newLoggedInManager(t, srv, func(cfg *Config) {
		cfg.Now = func() time.Time { return time.Now().Add(20 * time.Minute) }
	})
	api.set(func(a *fakeAPI) { a.alwaysReject = true })

	resp, err := m.Do(context.Background(), http.MethodGet, "/admin/projects", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), api.refreshCalls.Load())
	assert.Equal(t, int32(1), api.protectedCalls.Load())
}

func TestManager_RestoreStopsPendingTimer(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.set(func(a *fakeAPI) { a.accessTTL = 1500 * time.Millisecond })

	m, storage := newLoggedInManager(t, srv, func(cfg *Config) { cfg.RefreshBuffer = 200 * time.Millisecond })

	tokens, ok := m.Tokens()
	require.True(t, ok)
	tokens.AccessExpiresAt = time.Now().Add(-time.Minute)
	data, err := json.Marshal(tokens)
	require.NoError(t, err)
	require.NoError(t, storage.Set(StorageKey, string(data)))

	api.set(func(a *fakeAPI) { a.refreshStatus = http.StatusServiceUnavailable })

	var statusErr *StatusError
	require.ErrorAs(t, m.Restore(context.Background()), &statusErr)
	assert.Equal(t, int32(1), api.refreshCalls.Load())

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(1), api.refreshCalls.Load(), "the timer armed at login must not fire after restore")
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestManager_LogoutCancelsTimer(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.set(func(a *fakeAPI) { a.accessTTL = 300 * time.Millisecond })

	m, storage := newLoggedInManager(t, srv, func(cfg *Config) { cfg.RefreshBuffer = 100 * time.Millisecond })
	require.NoError(t, m.Logout(context.Background()))

	time.Sleep(MinRefreshDelay + 200*time.Millisecond)

	assert.Equal(t, int32(0), api.refreshCalls.Load())
	assert.Equal(t, int32(1), api.logoutCalls.Load())
	assert.Equal(t, StateAnonymous, m.State())
	_, ok := storage.Get(StorageKey)
	assert.False(t, ok)
}

func TestManager_CloseStopsTimerButKeepsStorage(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.set(func(a *fakeAPI) { a.accessTTL = 300 * time.Millisecond })

	m, storage := newLoggedInManager(t, srv, func(cfg *Config) { cfg.RefreshBuffer = 100 * time.Millisecond })
	m.Close()

	time.Sleep(MinRefreshDelay + 200*time.Millisecond)

	assert.Equal(t, int32(0), api.refreshCalls.Load())
	_, ok := storage.Get(StorageKey)
	assert.True(t, ok)
}

func TestManager_DoWhenAnonymous(t *testing.T) {
	_, srv := newFakeAPI(t)
	m := NewManager(Config{BaseURL: srv.URL})
	t.Cleanup(m.Close)

	_, err := m.Do(context.Background(), http.MethodGet, "/admin/projects", nil)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, err = m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}
