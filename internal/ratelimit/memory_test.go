package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter() (*MemoryLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := NewMemoryLimiter(Config{MaxAttempts: 5, Window: 15 * time.Minute}).WithClock(clock.Now)
	return limiter, clock
}

func TestMemoryLimiter_LocksAfterMaxFailures(t *testing.T) {
	ctx := context.Background()
	limiter, clock := newTestLimiter()

	for i := 0; i < 5; i++ {
		decision, err := limiter.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, decision.Allowed, "attempt %d", i+1)
		require.NoError(t, limiter.Record(ctx, "10.0.0.1", false))
		clock.Advance(time.Second)
	}

	decision, err := limiter.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Greater(t, decision.RetryAfter, 14*time.Minute)

	other, err := limiter.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestMemoryLimiter_ResetsAfterWindow(t *testing.T) {
	ctx := context.Background()
	limiter, clock := newTestLimiter()

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Record(ctx, "client", false))
	}
	decision, _ := limiter.Allow(ctx, "client")
	require.False(t, decision.Allowed)

	clock.Advance(15*time.Minute + time.Second)

	decision, err := limiter.Allow(ctx, "client")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	require.NoError(t, limiter.Record(ctx, "client", false))
	decision, _ = limiter.Allow(ctx, "client")
	assert.True(t, decision.Allowed, "a failure after the window starts a fresh count")
}

func TestMemoryLimiter_SuccessClearsCounter(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter()

	require.NoError(t, limiter.Record(ctx, "client", false))
	require.NoError(t, limiter.Record(ctx, "client", true))

	for i := 0; i < 4; i++ {
		require.NoError(t, limiter.Record(ctx, "client", false))
	}
	decision, err := limiter.Allow(ctx, "client")
	require.NoError(t, err)
	assert.True(t, decision.Allowed, "four failures after a success must not lock")

	require.NoError(t, limiter.Record(ctx, "client", false))
	decision, _ = limiter.Allow(ctx, "client")
	assert.False(t, decision.Allowed)
}

func TestMemoryLimiter_ConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter()
	limiter.cfg.MaxAttempts = 100

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = limiter.Record(ctx, "shared", false)
			_, _ = limiter.Allow(ctx, "shared")
		}()
	}
	wg.Wait()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Equal(t, 50, limiter.entries["shared"].failures)
}

func TestMemoryLimiter_SweepsStaleEntries(t *testing.T) {
	ctx := context.Background()
	limiter, clock := newTestLimiter()
	limiter.maxEntries = 2

	require.NoError(t, limiter.Record(ctx, "a", false))
	require.NoError(t, limiter.Record(ctx, "b", false))
	clock.Advance(20 * time.Minute)
	require.NoError(t, limiter.Record(ctx, "c", false))

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Len(t, limiter.entries, 1)
	assert.Contains(t, limiter.entries, "c")
}
