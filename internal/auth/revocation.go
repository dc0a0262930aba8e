package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// RevocationStore marks refresh tokens as used. Consume reports true only for
// the first caller presenting a given token id; entries live until the token
// would have expired anyway.
//
// Without a store, rotation still hands out a new refresh token but the old
// one stays valid until its natural expiry.
type RevocationStore interface {
	Consume(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error)
}

type MemoryRevocationStore struct {
	entries *cache.Cache
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{entries: cache.New(cache.NoExpiration, 10*time.Minute)}
}

func (s *MemoryRevocationStore) Consume(_ context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return true, nil
	}
	if err := s.entries.Add(tokenID, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

type RedisRevocationStore struct {
	client redis.UniversalClient
}

func NewRedisRevocationStore(client redis.UniversalClient) *RedisRevocationStore {
	return &RedisRevocationStore{client: client}
}

func (s *RedisRevocationStore) Consume(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return true, nil
	}

	first, err := s.client.SetNX(ctx, revocationKey(tokenID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("consume refresh token: %w", err)
	}

	return first, nil
}

func revocationKey(tokenID string) string {
	return fmt.Sprintf("portfolio:revoked:%s", tokenID)
}
