package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type tokenEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// TokenBucket gives each key a bucket of limit tokens refilled at limit per window.
type TokenBucket struct {
	limit  int
	window time.Duration

	mu       sync.Mutex
	limiters map[string]*tokenEntry

	nowFunc func() time.Time
}

// NewTokenBucket creates a token-bucket limiter.
func NewTokenBucket(limit int, window time.Duration) *TokenBucket {
	return &TokenBucket{
		limit:    limit,
		window:   window,
		limiters: make(map[string]*tokenEntry),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock. Used by tests.
func (t *TokenBucket) SetNowFunc(fn func() time.Time) {
	t.nowFunc = fn
}

func (t *TokenBucket) Allow(_ context.Context, kind Kind, value string) bool {
	k := key(kind, value)
	now := t.nowFunc()

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.limiters[k]
	if !ok {
		entry = &tokenEntry{
			limiter: rate.NewLimiter(rate.Every(t.window/time.Duration(t.limit)), t.limit),
		}
		t.limiters[k] = entry
	}
	entry.lastAccess = now
	return entry.limiter.AllowN(now, 1)
}

// Sweep removes buckets idle for a full window; they would be full again anyway.
func (t *TokenBucket) Sweep() int {
	cutoff := t.nowFunc().Add(-t.window)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k, e := range t.limiters {
		if e.lastAccess.Before(cutoff) {
			delete(t.limiters, k)
			removed++
		}
	}
	return removed
}
