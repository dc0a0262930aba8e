package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRevocationStore_ConsumeOnce(t *testing.T) {
	store := NewMemoryRevocationStore()
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour)

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Consume(ctx, "jti-1", expiresAt)
			assert.NoError(t, err)
			if ok {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load())

	ok, err := store.Consume(ctx, "jti-2", expiresAt)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisRevocationStore_ConsumeOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisRevocationStore(client)
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour)

	ok, err := store.Consume(ctx, "jti-1", expiresAt)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Consume(ctx, "jti-1", expiresAt)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl := mr.TTL("portfolio:revoked:jti-1")
	assert.Greater(t, ttl, 59*time.Minute)

	mr.FastForward(time.Hour + time.Second)
	assert.False(t, mr.Exists("portfolio:revoked:jti-1"))
}
