// Package ratelimit counts failed login attempts per client key and locks a
// key out once it reaches the configured maximum within the window.
//
// Counters reset lazily: an entry whose last failure is older than the window
// is treated as empty, nothing sweeps in the background. The memory backend is
// process-local, so a restart or a second instance starts from zero. Use the
// redis or postgres backend when that matters.
package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 15 * time.Minute
)

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Record(ctx context.Context, key string, success bool) error
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type Config struct {
	MaxAttempts int
	Window      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

func allowed() Decision {
	return Decision{Allowed: true}
}

func denied(retryAfter time.Duration) Decision {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}
