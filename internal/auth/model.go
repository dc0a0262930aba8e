package auth

import "time"

const (
	RefreshCookieName = "admin_refresh_token"
	RefreshCookiePath = "/admin"
	BearerTokenType   = "Bearer"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type User struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// TokenResponse is the body returned by both login and refresh.
type TokenResponse struct {
	Token            string    `json:"token"`
	RefreshToken     string    `json:"refreshToken"`
	TokenType        string    `json:"tokenType"`
	User             User      `json:"user"`
	ExpiresIn        int64     `json:"expiresIn"`
	RefreshExpiresIn int64     `json:"refreshExpiresIn"`
	TokenExpiresAt   time.Time `json:"tokenExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

type SessionResponse struct {
	User           User      `json:"user"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
