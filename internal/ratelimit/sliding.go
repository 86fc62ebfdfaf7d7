package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow allows at most limit requests per key in any window-long
// interval. Denied requests are not recorded, so a key recovers as soon as
// its oldest allowed request ages out.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	logs map[string][]time.Time

	nowFunc func() time.Time
}

// NewSlidingWindow creates a sliding-log limiter.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		logs:    make(map[string][]time.Time),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock. Used by tests.
func (s *SlidingWindow) SetNowFunc(fn func() time.Time) {
	s.nowFunc = fn
}

func (s *SlidingWindow) Allow(_ context.Context, kind Kind, value string) bool {
	k := key(kind, value)
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	log := prune(s.logs[k], now.Add(-s.window))
	if len(log) >= s.limit {
		s.logs[k] = log
		return false
	}
	s.logs[k] = append(log, now)
	return true
}

// prune drops timestamps at or before cutoff. The log is sorted.
func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}

// Sweep removes keys with no timestamps inside the window.
func (s *SlidingWindow) Sweep() int {
	cutoff := s.nowFunc().Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, log := range s.logs {
		if len(log) == 0 || !log[len(log)-1].After(cutoff) {
			delete(s.logs, k)
			removed++
		}
	}
	return removed
}
