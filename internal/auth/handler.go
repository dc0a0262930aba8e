package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"portfolio-serverless/internal/observability"
	"portfolio-serverless/internal/ratelimit"
)

const (
	maxJSONBodyBytes     = 1 << 20
	maxUsernameLength    = 64
	maxPasswordLength    = 256
	minFailureDelay      = 500 * time.Millisecond
	maxFailureDelay      = 1500 * time.Millisecond
	loginOutcomeSuccess  = "success"
	loginOutcomeInput    = "invalid_input"
	loginOutcomeDenied   = "invalid_credentials"
	loginOutcomeLimited  = "rate_limited"
	loginOutcomeError    = "error"
	refreshOutcomeOK     = "success"
	refreshOutcomeBad    = "invalid_token"
	refreshOutcomeReused = "reused"
)

type HandlerConfig struct {
	Credentials *CredentialStore
	Tokens      *TokenService
	Limiter     ratelimit.Limiter
	// Revocations is optional. Nil keeps rotated refresh tokens usable until expiry.
	Revocations RevocationStore
	Logger      *observability.Logger
	Metrics     *observability.Metrics

	SecureCookies bool
	TrustProxy    bool
	Development   bool

	// FailureDelay runs after every rejected credential check. Defaults to a
	// uniform random pause between 500ms and 1500ms.
	FailureDelay func(ctx context.Context)
}

type Handler struct {
	credentials   *CredentialStore
	tokens        *TokenService
	limiter       ratelimit.Limiter
	revocations   RevocationStore
	logger        *observability.Logger
	metrics       *observability.Metrics
	secureCookies bool
	trustProxy    bool
	development   bool
	failureDelay  func(ctx context.Context)
}

func NewHandler(cfg HandlerConfig) *Handler {
	delay := cfg.FailureDelay
	if delay == nil {
		delay = RandomDelay(minFailureDelay, maxFailureDelay)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &Handler{
		credentials:   cfg.Credentials,
		tokens:        cfg.Tokens,
		limiter:       cfg.Limiter,
		revocations:   cfg.Revocations,
		logger:        logger,
		metrics:       cfg.Metrics,
		secureCookies: cfg.SecureCookies,
		trustProxy:    cfg.TrustProxy,
		development:   cfg.Development,
		failureDelay:  delay,
	}
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	ctx := r.Context()
	clientKey := observability.ClientIP(r, h.trustProxy)

	decision, err := h.limiter.Allow(ctx, clientKey)
	if err != nil {
		h.metrics.LoginAttempt(loginOutcomeError)
		h.internalError(w, "failed to login", err)
		return
	}
	if !decision.Allowed {
		h.metrics.LoginAttempt(loginOutcomeLimited)
		h.logger.Warn("login_rate_limited", map[string]any{"client": clientKey})
		writeRateLimited(w, RateLimitedError{RetryAfter: decision.RetryAfter})
		return
	}

	var body LoginRequest
	if err := decodeJSON(w, r, &body); err != nil {
		h.rejectInput(ctx, w, clientKey, "invalid json body")
		return
	}

	username := normalizeUsername(body.Username)
	password := normalizePassword(body.Password)
	if username == "" || password == "" {
		h.rejectInput(ctx, w, clientKey, "username and password are required")
		return
	}
	if len(username) > maxUsernameLength || len(password) > maxPasswordLength {
		h.rejectInput(ctx, w, clientKey, "username or password is too long")
		return
	}

	if !h.credentials.Verify(username, password) {
		h.recordFailure(ctx, clientKey)
		h.metrics.LoginAttempt(loginOutcomeDenied)
		h.logger.Warn("login_failed", map[string]any{"client": clientKey})
		h.failureDelay(ctx)
		writeError(w, http.StatusUnauthorized, ErrInvalidCredentials.Error())
		return
	}

	if err := h.limiter.Record(ctx, clientKey, true); err != nil {
		h.logger.Error("login_rate_limit_reset_failed", map[string]any{"client": clientKey, "error": err.Error()})
	}

	identity := Identity{Subject: username, Role: RoleAdmin}
	pair, err := h.tokens.IssuePair(identity)
	if err != nil {
		h.metrics.LoginAttempt(loginOutcomeError)
		h.internalError(w, "failed to login", err)
		return
	}

	h.metrics.LoginAttempt(loginOutcomeSuccess)
	h.logger.Info("login_succeeded", map[string]any{"client": clientKey, "user": username})
	h.setRefreshCookie(w, pair.Refresh)
	writeJSON(w, http.StatusOK, h.tokenResponse(identity, pair))
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	ctx := r.Context()

	token, err := refreshTokenFrom(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if token == "" {
		writeError(w, http.StatusBadRequest, "refresh token is required")
		return
	}

	claims, err := h.tokens.VerifyRefreshToken(token)
	if err != nil || claims.Role != RoleAdmin {
		h.metrics.RefreshAttempt(refreshOutcomeBad)
		writeError(w, http.StatusUnauthorized, ErrInvalidToken.Error())
		return
	}

	if h.revocations != nil {
		first, err := h.revocations.Consume(ctx, claims.ID, claims.ExpiresAt.Time)
		if err != nil {
			h.internalError(w, "failed to refresh token", err)
			return
		}
		if !first {
			h.metrics.RefreshAttempt(refreshOutcomeReused)
			h.logger.Warn("refresh_token_reused", map[string]any{"jti": claims.ID, "user": claims.Subject})
			writeError(w, http.StatusUnauthorized, ErrInvalidToken.Error())
			return
		}
	}

	identity := Identity{Subject: claims.Subject, Role: claims.Role}
	pair, err := h.tokens.IssuePair(identity)
	if err != nil {
		h.internalError(w, "failed to refresh token", err)
		return
	}

	h.metrics.RefreshAttempt(refreshOutcomeOK)
	h.setRefreshCookie(w, pair.Refresh)
	writeJSON(w, http.StatusOK, h.tokenResponse(identity, pair))
}

// Logout always succeeds. With a revocation store the presented refresh token
// is consumed so it cannot be rotated again.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	token, err := refreshTokenFrom(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if token != "" && h.revocations != nil {
		if claims, err := h.tokens.VerifyRefreshToken(token); err == nil {
			if _, err := h.revocations.Consume(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
				h.logger.Error("logout_revoke_failed", map[string]any{"error": err.Error()})
			}
		}
	}

	h.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrInvalidToken.Error())
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{
		User:           User{Username: claims.Subject, Role: claims.Role},
		TokenExpiresAt: claims.ExpiresAt.Time.UTC(),
	})
}

func (h *Handler) tokenResponse(identity Identity, pair TokenPair) TokenResponse {
	return TokenResponse{
		Token:            pair.Access.Value,
		RefreshToken:     pair.Refresh.Value,
		TokenType:        BearerTokenType,
		User:             User{Username: identity.Subject, Role: identity.Role},
		ExpiresIn:        int64(h.tokens.AccessTTL().Seconds()),
		RefreshExpiresIn: int64(h.tokens.RefreshTTL().Seconds()),
		TokenExpiresAt:   pair.Access.ExpiresAt,
		RefreshExpiresAt: pair.Refresh.ExpiresAt,
	}
}

func (h *Handler) rejectInput(ctx context.Context, w http.ResponseWriter, clientKey, message string) {
	h.recordFailure(ctx, clientKey)
	h.metrics.LoginAttempt(loginOutcomeInput)
	writeError(w, http.StatusBadRequest, message)
}

func (h *Handler) recordFailure(ctx context.Context, clientKey string) {
	if err := h.limiter.Record(ctx, clientKey, false); err != nil {
		h.logger.Error("login_rate_limit_record_failed", map[string]any{"client": clientKey, "error": err.Error()})
	}
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, refresh IssuedToken) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    refresh.Value,
		Path:     RefreshCookiePath,
		Expires:  refresh.ExpiresAt,
		MaxAge:   int(h.tokens.RefreshTTL().Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     RefreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) internalError(w http.ResponseWriter, message string, err error) {
	h.logger.Error("auth_internal_error", map[string]any{"message": message, "error": err.Error()})
	observability.CaptureError(err)

	body := ErrorResponse{Error: message}
	if h.development {
		body.Detail = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, body)
}

// RandomDelay pauses for a uniform random duration in [lo, hi], returning
// early if ctx is cancelled.
func RandomDelay(lo, hi time.Duration) func(ctx context.Context) {
	return func(ctx context.Context) {
		d := lo
		if hi > lo {
			d += rand.N(hi - lo + 1)
		}

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

// refreshTokenFrom reads the token from an optional JSON body, then the cookie.
func refreshTokenFrom(w http.ResponseWriter, r *http.Request) (string, error) {
	var body RefreshRequest
	if err := decodeJSON(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}

	if token := strings.TrimSpace(body.RefreshToken); token != "" {
		return token, nil
	}
	if cookie, err := r.Cookie(RefreshCookieName); err == nil {
		return strings.TrimSpace(cookie.Value), nil
	}

	return "", nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func methodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Allow", http.MethodPost)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeRateLimited(w http.ResponseWriter, err RateLimitedError) {
	w.Header().Set("Retry-After", strconv.Itoa(err.retryAfterSeconds()))
	writeError(w, http.StatusTooManyRequests, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
