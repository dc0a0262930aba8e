package auth

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"portfolio-serverless/internal/observability"
)

const (
	DefaultIterations = 100000
	DefaultKeyLength  = 64
	DefaultDigest     = "sha512"
)

type CredentialConfig struct {
	Username     string
	Password     string
	UsernameHash string
	PasswordHash string
	Salt         string
	Iterations   int
	Digest       string
	KeyLength    int
}

// CredentialStore holds the admin identity as derived key material only.
// It is read-only after construction and safe for concurrent use.
type CredentialStore struct {
	salt       []byte
	iterations int
	keyLength  int
	digest     func() hash.Hash

	usernameKey []byte
	passwordKey []byte
}

func NewCredentialStore(cfg CredentialConfig, logger *observability.Logger) (*CredentialStore, error) {
	if cfg.Iterations <= 0 {
		cfg.Iterations = DefaultIterations
	}
	if cfg.KeyLength <= 0 {
		cfg.KeyLength = DefaultKeyLength
	}
	if strings.TrimSpace(cfg.Digest) == "" {
		cfg.Digest = DefaultDigest
	}
	if cfg.Salt == "" {
		return nil, fmt.Errorf("credential salt is required")
	}

	digest, err := digestFunc(cfg.Digest)
	if err != nil {
		return nil, err
	}

	store := &CredentialStore{
		salt:       []byte(cfg.Salt),
		iterations: cfg.Iterations,
		keyLength:  cfg.KeyLength,
		digest:     digest,
	}

	store.usernameKey, err = store.loadKey("username", cfg.UsernameHash, normalizeUsername(cfg.Username), logger)
	if err != nil {
		return nil, err
	}
	store.passwordKey, err = store.loadKey("password", cfg.PasswordHash, normalizePassword(cfg.Password), logger)
	if err != nil {
		return nil, err
	}

	return store, nil
}

// DeriveKey runs PBKDF2 with the configured salt, iteration count, digest and length.
func (s *CredentialStore) DeriveKey(value string) []byte {
	return pbkdf2.Key([]byte(value), s.salt, s.iterations, s.keyLength, s.digest)
}

// Verify derives both provided values and compares them against the stored
// keys. Both comparisons always run.
func (s *CredentialStore) Verify(username, password string) bool {
	usernameKey := s.DeriveKey(normalizeUsername(username))
	passwordKey := s.DeriveKey(normalizePassword(password))

	usernameMatch := subtle.ConstantTimeCompare(usernameKey, s.usernameKey)
	passwordMatch := subtle.ConstantTimeCompare(passwordKey, s.passwordKey)

	return usernameMatch&passwordMatch == 1
}

// loadKey prefers a precomputed hex hash. A malformed hash is logged and the
// key is derived from the plaintext instead, it never aborts startup.
func (s *CredentialStore) loadKey(field, precomputed, plaintext string, logger *observability.Logger) ([]byte, error) {
	precomputed = strings.TrimSpace(precomputed)
	if precomputed != "" {
		decoded, err := hex.DecodeString(precomputed)
		if err == nil && len(decoded) == s.keyLength {
			return decoded, nil
		}

		reason := "wrong length"
		if err != nil {
			reason = "not hex"
		}
		logger.Warn("credential_hash_fallback", map[string]any{
			"field":    field,
			"reason":   reason,
			"expected": s.keyLength,
		})
	}

	if plaintext == "" {
		return nil, fmt.Errorf("%w: no usable %s", ErrCredentialsNotConfigured, field)
	}

	return s.DeriveKey(plaintext), nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// normalizePassword trims surrounding whitespace only. Configured and
// submitted passwords go through the same function.
func normalizePassword(password string) string {
	return strings.TrimSpace(password)
}

func digestFunc(name string) (func() hash.Hash, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported credential digest %q", name)
	}
}
