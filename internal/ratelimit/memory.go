package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultMaxEntries = 5000

type entry struct {
	failures      int
	lastFailureAt time.Time
}

type MemoryLimiter struct {
	mu         sync.Mutex
	cfg        Config
	entries    map[string]entry
	maxEntries int
	now        func() time.Time
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:        cfg.withDefaults(),
		entries:    make(map[string]entry),
		maxEntries: defaultMaxEntries,
		now:        time.Now,
	}
}

// WithClock replaces the time source. Tests only.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return allowed(), nil
	}
	if l.expired(e, now) {
		delete(l.entries, key)
		return allowed(), nil
	}
	if e.failures >= l.cfg.MaxAttempts {
		return denied(e.lastFailureAt.Add(l.cfg.Window).Sub(now)), nil
	}

	return allowed(), nil
}

func (l *MemoryLimiter) Record(_ context.Context, key string, success bool) error {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if success {
		delete(l.entries, key)
		return nil
	}

	e := l.entries[key]
	if l.expired(e, now) {
		e = entry{}
	}
	e.failures++
	e.lastFailureAt = now
	l.entries[key] = e

	if len(l.entries) > l.maxEntries {
		for k, v := range l.entries {
			if l.expired(v, now) {
				delete(l.entries, k)
			}
		}
	}

	return nil
}

func (l *MemoryLimiter) expired(e entry, now time.Time) bool {
	return now.Sub(e.lastFailureAt) > l.cfg.Window
}
