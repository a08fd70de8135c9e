package ratelimit

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
	"github.com/cgb37/quart-mysql-scaffold/internal/obs"
)

// RedisLimiter enforces fixed-window limits with Redis counters shared by every instance.
type RedisLimiter struct {
	redis     redis.UniversalClient
	config    Config
	keyPrefix string
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter backed by the given Redis client.
func NewRedisLimiter(client redis.UniversalClient, cfg Config, keyPrefix string) *RedisLimiter {
	return &RedisLimiter{redis: client, config: cfg.withDefaults(), keyPrefix: keyPrefix}
}

func (l *RedisLimiter) Check(ctx context.Context, login, ip string) error {
	for _, k := range l.config.keys(login, ip) {
		count, err := l.redis.Get(ctx, l.key(k)).Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return autherr.Unavailable("rate limit check", err)
		}
		if count >= int64(l.config.MaxAttempts) {
			obs.RateLimited.WithLabelValues(k.scope).Inc()
			return ErrRateLimited
		}
	}
	return nil
}

func (l *RedisLimiter) Fail(ctx context.Context, login, ip string) error {
	for _, k := range l.config.keys(login, ip) {
		key := l.key(k)
		count, err := l.redis.Incr(ctx, key).Result()
		if err != nil {
			return autherr.Unavailable("rate limit increment", err)
		}
		// Fixed-window semantics: set TTL only for the first hit in the window.
		if count == 1 {
			if err := l.redis.Expire(ctx, key, l.config.Window).Err(); err != nil {
				return autherr.Unavailable("rate limit expire", err)
			}
		}
	}
	return nil
}

func (l *RedisLimiter) Reset(ctx context.Context, login, ip string) error {
	var keys []string
	for _, k := range l.config.keys(login, ip) {
		keys = append(keys, l.key(k))
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return autherr.Unavailable("rate limit reset", err)
	}
	return nil
}

func (l *RedisLimiter) key(k scopedKey) string {
	return l.keyPrefix + "rl:" + k.scope + ":" + k.key
}
