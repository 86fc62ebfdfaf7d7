package ratelimit

import (
	"context"
	"sync"
	"time"
)

type fixedCounter struct {
	start time.Time
	count int
}

// FixedWindow counts requests per key in windows aligned to multiples of the
// window length. Once over the limit a key stays denied until the window ends.
type FixedWindow struct {
	limit  int
	window time.Duration

	mu       sync.Mutex
	counters map[string]*fixedCounter

	nowFunc func() time.Time
}

// NewFixedWindow creates a fixed-window counter limiter.
func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		limit:    limit,
		window:   window,
		counters: make(map[string]*fixedCounter),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock. Used by tests.
func (f *FixedWindow) SetNowFunc(fn func() time.Time) {
	f.nowFunc = fn
}

func (f *FixedWindow) Allow(_ context.Context, kind Kind, value string) bool {
	k := key(kind, value)
	start := f.nowFunc().Truncate(f.window)

	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.counters[k]
	if !ok || !c.start.Equal(start) {
		c = &fixedCounter{start: start}
		f.counters[k] = c
	}
	c.count++
	return c.count <= f.limit
}

// Sweep removes counters from past windows.
func (f *FixedWindow) Sweep() int {
	current := f.nowFunc().Truncate(f.window)

	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for k, c := range f.counters {
		if c.start.Before(current) {
			delete(f.counters, k)
			removed++
		}
	}
	return removed
}
