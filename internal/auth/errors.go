package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput             = errors.New("invalid input")
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrInvalidToken             = errors.New("invalid token")
	ErrCredentialsNotConfigured = errors.New("admin credentials are not configured")
)

type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e RateLimitedError) Error() string {
	return "too many login attempts"
}

// retryAfterSeconds rounds up so clients never retry before the lock lifts.
func (e RateLimitedError) retryAfterSeconds() int {
	seconds := int((e.RetryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
