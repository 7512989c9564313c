package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/spotbot-io/spotbot/internal/bots/model"
	"go.uber.org/zap"
)

const redisKeyPrefix = "spotbot:verdict:"

// RedisCache is a VerdictCache shared by every API replica. Calls go through
// a circuit breaker so a struggling Redis degrades to cache misses instead of
// adding latency to every check.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	cb     *gobreaker.CircuitBreaker[[]byte]
	logger *zap.Logger
}

// DialRedis parses url, connects, and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisCache wraps client. The breaker opens after 5 consecutive failures
// and probes again after 30 seconds.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "verdict-cache",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &RedisCache{client: client, ttl: ttl, cb: cb, logger: logger}
}

// Get implements VerdictCache. A missing key and an open breaker both report
// a miss; an open breaker also returns ErrInfrastructure for callers that log.
func (c *RedisCache) Get(ctx context.Context, addr string) (*model.Verdict, bool, error) {
	raw, err := c.cb.Execute(func() ([]byte, error) {
		return c.client.Get(ctx, redisKeyPrefix+addr).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, model.Infra("cache get", err)
	}

	var v model.Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		// A corrupt entry is treated as a miss and replaced on the next Set.
		return nil, false, nil
	}
	return &v, true, nil
}

// Set implements VerdictCache.
func (c *RedisCache) Set(ctx context.Context, addr string, v *model.Verdict) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	_, err = c.cb.Execute(func() ([]byte, error) {
		return nil, c.client.Set(ctx, redisKeyPrefix+addr, raw, c.ttl).Err()
	})
	if err != nil {
		return model.Infra("cache set", err)
	}
	return nil
}

// Invalidate implements VerdictCache.
func (c *RedisCache) Invalidate(ctx context.Context, addr string) error {
	_, err := c.cb.Execute(func() ([]byte, error) {
		return nil, c.client.Del(ctx, redisKeyPrefix+addr).Err()
	})
	if err != nil {
		return model.Infra("cache invalidate", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
