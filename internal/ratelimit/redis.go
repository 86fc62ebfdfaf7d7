package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inercia/edgeguard/internal/logging"
)

// RedisWindow is a fixed-window counter shared across processes through Redis.
// Each window gets its own key, incremented and given an expiry in one
// transaction. Redis errors fail open.
type RedisWindow struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration

	nowFunc func() time.Time
	logger  *slog.Logger
}

// NewRedisWindow creates a limiter whose keys start with prefix.
func NewRedisWindow(client *redis.Client, prefix string, limit int, window time.Duration) *RedisWindow {
	return &RedisWindow{
		client:  client,
		prefix:  prefix,
		limit:   limit,
		window:  window,
		nowFunc: time.Now,
		logger:  logging.Limiter(),
	}
}

// SetNowFunc overrides the clock. Used by tests.
func (r *RedisWindow) SetNowFunc(fn func() time.Time) {
	r.nowFunc = fn
}

func (r *RedisWindow) windowKey(kind Kind, value string) string {
	slot := r.nowFunc().UnixNano() / int64(r.window)
	return fmt.Sprintf("%s:%s:%d", r.prefix, key(kind, value), slot)
}

func (r *RedisWindow) Allow(ctx context.Context, kind Kind, value string) bool {
	k := r.windowKey(kind, value)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("ratelimit_redis_failed", "key", k, "error", err)
		return true
	}
	return incr.Val() <= int64(r.limit)
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}
