package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
	DefaultIssuer     = "portfolio-api"
	DefaultAudience   = "portfolio-admin"
)

type Role string

const RoleAdmin Role = "admin"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

type Claims struct {
	Role      Role      `json:"role"`
	TokenType TokenType `json:"tokenType"`
	jwt.RegisteredClaims
}

type Identity struct {
	Subject string
	Role    Role
}

type IssuedToken struct {
	Value     string
	ID        string
	ExpiresAt time.Time
}

type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}

type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Audience      string
}

// TokenService signs access and refresh tokens with separate secrets and a
// tokenType claim. Verification checks both, so neither kind can stand in
// for the other.
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	audience      string
	now           func() time.Time
}

func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, fmt.Errorf("access and refresh secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, fmt.Errorf("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}

	return &TokenService{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		now:           time.Now,
	}, nil
}

// WithClock replaces the time source used for issuing and verifying.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

func (s *TokenService) AccessTTL() time.Duration  { return s.accessTTL }
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

func (s *TokenService) CreateAccessToken(identity Identity) (IssuedToken, error) {
	return s.sign(identity, TokenTypeAccess, s.accessSecret, s.accessTTL)
}

func (s *TokenService) CreateRefreshToken(identity Identity) (IssuedToken, error) {
	return s.sign(identity, TokenTypeRefresh, s.refreshSecret, s.refreshTTL)
}

func (s *TokenService) IssuePair(identity Identity) (TokenPair, error) {
	access, err := s.CreateAccessToken(identity)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.CreateRefreshToken(identity)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{Access: access, Refresh: refresh}, nil
}

func (s *TokenService) VerifyAccessToken(token string) (Claims, error) {
	return s.verify(token, TokenTypeAccess, s.accessSecret)
}

func (s *TokenService) VerifyRefreshToken(token string) (Claims, error) {
	return s.verify(token, TokenTypeRefresh, s.refreshSecret)
}

func (s *TokenService) sign(identity Identity, tokenType TokenType, secret []byte, ttl time.Duration) (IssuedToken, error) {
	now := s.now().UTC()
	expiresAt := now.Add(ttl)
	id := uuid.NewString()

	claims := Claims{
		Role:      identity.Role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   identity.Subject,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign %s token: %w", tokenType, err)
	}

	return IssuedToken{Value: encoded, ID: id, ExpiresAt: expiresAt.Truncate(time.Second)}, nil
}

// verify collapses every failure into ErrInvalidToken.
func (s *TokenService) verify(token string, want TokenType, secret []byte) (Claims, error) {
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.TokenType != want || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}

	return claims, nil
}

// TokenExpiry decodes the exp claim without checking the signature. Use it for
// display and refresh scheduling only, never to authorize anything.
func TokenExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}

	return claims.ExpiresAt.Time, true
}
