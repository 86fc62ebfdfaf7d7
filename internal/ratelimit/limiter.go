// Package ratelimit counts requests per identity and evaluates ordered
// policy lists against them.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Kind is the identity type a limiter is keyed by.
type Kind string

const (
	KindUser Kind = "user"
	KindIP   Kind = "ip"
)

// Algorithm selects the counting strategy of a policy.
type Algorithm string

const (
	// Sliding keeps a timestamp log per key; requests age out individually.
	Sliding Algorithm = "sliding"
	// Fixed counts per discrete window aligned to the window length.
	Fixed Algorithm = "fixed"
	// Token refills limit tokens evenly over each window.
	Token Algorithm = "token"
)

// Limiter reports whether one more request for (kind, value) is under the limit.
// It never rejects anything itself; the caller decides the response.
type Limiter interface {
	Allow(ctx context.Context, kind Kind, value string) bool
}

// Sweeper drops idle per-key state. In-memory limiters implement it.
type Sweeper interface {
	Sweep() int
}

func key(kind Kind, value string) string {
	return string(kind) + ":" + value
}

// NewLimiter builds an in-memory limiter for the given algorithm.
func NewLimiter(alg Algorithm, limit int, window time.Duration) (Limiter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %v", window)
	}
	switch alg {
	case Sliding, "":
		return NewSlidingWindow(limit, window), nil
	case Fixed:
		return NewFixedWindow(limit, window), nil
	case Token:
		return NewTokenBucket(limit, window), nil
	default:
		return nil, fmt.Errorf("unknown algorithm %q", alg)
	}
}
