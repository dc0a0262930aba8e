package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "portfolio:login"

// RedisLimiter shares counters between instances. Every failure refreshes the
// key TTL to the window, so key expiry is the lazy reset.
type RedisLimiter struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
}

func NewRedisLimiter(client redis.UniversalClient, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		cfg:    cfg.withDefaults(),
		prefix: defaultKeyPrefix,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := l.buildKey(key)

	failures, err := l.client.Get(ctx, redisKey).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return allowed(), nil
		}
		return Decision{}, fmt.Errorf("read login failures: %w", err)
	}
	if failures < l.cfg.MaxAttempts {
		return allowed(), nil
	}

	ttl, err := l.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("read login lock ttl: %w", err)
	}

	return denied(ttl), nil
}

func (l *RedisLimiter) Record(ctx context.Context, key string, success bool) error {
	redisKey := l.buildKey(key)

	if success {
		if err := l.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("reset login failures: %w", err)
		}
		return nil
	}

	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, redisKey)
		pipe.PExpire(ctx, redisKey, l.cfg.Window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record login failure: %w", err)
	}

	return nil
}

func (l *RedisLimiter) buildKey(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}
