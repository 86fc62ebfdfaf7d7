package geo

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// countingProvider counts calls and delegates to fn.
type countingProvider struct {
	calls atomic.Int32
	fn    func(ctx context.Context, ip string) (Location, error)
}

func (p *countingProvider) Lookup(ctx context.Context, ip string) (Location, error) {
	p.calls.Add(1)
	return p.fn(ctx, ip)
}

func staticFn(country, city string) func(context.Context, string) (Location, error) {
	return func(context.Context, string) (Location, error) {
		return Location{Country: strPtr(country), City: strPtr(city)}, nil
	}
}

func TestCache_HitWithinTTLAndRefetchAfterExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &countingProvider{fn: staticFn("Spain", "Madrid")}
	c := NewCache(p, DefaultConfig(), WithLogger(testLogger), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	first := c.Lookup(ctx, "81.0.0.1")
	second := c.Lookup(ctx, "81.0.0.1")
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("provider calls within TTL = %d, want 1", got)
	}
	if first.Country == nil || *first.Country != "Spain" || second.City == nil || *second.City != "Madrid" {
		t.Errorf("unexpected locations %+v %+v", first, second)
	}

	now = now.Add(24 * time.Hour)
	c.Lookup(ctx, "81.0.0.1")
	if got := p.calls.Load(); got != 2 {
		t.Errorf("provider calls after expiry = %d, want 2", got)
	}
}

func TestCache_ReadsDoNotExtendTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &countingProvider{fn: staticFn("FR", "")}
	c := NewCache(p, Config{TTL: time.Hour, Timeout: time.Second}, WithLogger(testLogger), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	c.Lookup(ctx, "1.1.1.1")
	for i := 0; i < 5; i++ {
		now = now.Add(10 * time.Minute)
		c.Lookup(ctx, "1.1.1.1")
	}
	if got := p.calls.Load(); got != 1 {
		t.Fatalf("provider calls = %d, want 1", got)
	}

	now = now.Add(10 * time.Minute) // exactly one hour after insertion
	c.Lookup(ctx, "1.1.1.1")
	if got := p.calls.Load(); got != 2 {
		t.Errorf("provider calls = %d, want 2", got)
	}
}

func TestCache_FailuresAreSwallowedAndNotCached(t *testing.T) {
	p := &countingProvider{fn: func(context.Context, string) (Location, error) {
		return Location{}, errors.New("database corrupt")
	}}
	c := NewCache(p, DefaultConfig(), WithLogger(testLogger))

	for i := 0; i < 3; i++ {
		if loc := c.Lookup(context.Background(), "203.0.113.1"); !loc.IsEmpty() {
			t.Errorf("Lookup() = %+v, want empty", loc)
		}
	}
	if got := p.calls.Load(); got != 3 {
		t.Errorf("provider calls = %d, want 3 (no negative caching)", got)
	}
	if c.Len() != 0 {
		t.Errorf("cache holds %d entries after failures, want 0", c.Len())
	}
}

func TestCache_EmptyIP(t *testing.T) {
	p := &countingProvider{fn: staticFn("X", "Y")}
	c := NewCache(p, DefaultConfig(), WithLogger(testLogger))

	if loc := c.Lookup(context.Background(), ""); !loc.IsEmpty() {
		t.Errorf("Lookup(\"\") = %+v, want empty", loc)
	}
	if p.calls.Load() != 0 {
		t.Error("provider should not be called for an empty IP")
	}
}

func TestCache_Timeout(t *testing.T) {
	p := &countingProvider{fn: func(ctx context.Context, _ string) (Location, error) {
		<-ctx.Done()
		return Location{}, ctx.Err()
	}}
	c := NewCache(p, Config{TTL: time.Hour, Timeout: 20 * time.Millisecond}, WithLogger(testLogger))

	start := time.Now()
	loc := c.Lookup(context.Background(), "203.0.113.2")
	if !loc.IsEmpty() {
		t.Errorf("Lookup() = %+v, want empty on timeout", loc)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Lookup() took %v, timeout not applied", elapsed)
	}
}

func TestCache_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	p := &countingProvider{fn: func(context.Context, string) (Location, error) {
		<-release
		return Location{Country: strPtr("DE")}, nil
	}}
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	c := NewCache(p, cfg, WithLogger(testLogger))

	const n = 20
	var wg sync.WaitGroup
	results := make([]Location, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Lookup(context.Background(), "198.51.100.20")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := p.calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1 with single-flight", got)
	}
	for i, loc := range results {
		if loc.Country == nil || *loc.Country != "DE" {
			t.Errorf("result %d = %+v, want DE", i, loc)
		}
	}
}

func TestCache_SingleFlightSurvivesCancelledCaller(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	p := &countingProvider{fn: func(ctx context.Context, _ string) (Location, error) {
		once.Do(func() { close(started) })
		select {
		case <-time.After(100 * time.Millisecond):
			return Location{Country: strPtr("IT")}, nil
		case <-ctx.Done():
			return Location{}, ctx.Err()
		}
	}}
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	c := NewCache(p, cfg, WithLogger(testLogger))

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Lookup(leaderCtx, "192.0.2.44")
	}()
	<-started

	var follower Location
	go func() {
		defer wg.Done()
		follower = c.Lookup(context.Background(), "192.0.2.44")
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	if follower.Country == nil || *follower.Country != "IT" {
		t.Errorf("follower location = %+v, want IT", follower)
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestCache_Sweep(t *testing.T) {
	now := time.Now()
	p := &countingProvider{fn: staticFn("NL", "")}
	c := NewCache(p, Config{TTL: time.Minute, Timeout: time.Second}, WithLogger(testLogger), WithClock(func() time.Time { return now }))

	c.Lookup(context.Background(), "10.0.0.1")
	c.Lookup(context.Background(), "10.0.0.2")
	now = now.Add(30 * time.Second)
	c.Lookup(context.Background(), "10.0.0.3")

	now = now.Add(31 * time.Second)
	if removed := c.Sweep(); removed != 2 {
		t.Errorf("Sweep() = %d, want 2", removed)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider(map[string]StaticEntry{
		"2001:DB8::1": {Country: "Japan", City: "Tokyo"},
		"192.0.2.1":   {Country: "Kenya"},
	})

	loc, err := p.Lookup(context.Background(), "2001:db8::1")
	if err != nil || *loc.Country != "Japan" || *loc.City != "Tokyo" {
		t.Errorf("Lookup(ipv6) = %+v, %v", loc, err)
	}

	loc, err = p.Lookup(context.Background(), "192.0.2.1")
	if err != nil || loc.City != nil {
		t.Errorf("Lookup() = %+v, %v; want country only", loc, err)
	}

	if _, err := p.Lookup(context.Background(), "192.0.2.2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestNewProvider(t *testing.T) {
	if p, closer, err := NewProvider(Config{Provider: ProviderNone}); err != nil || closer != nil {
		t.Fatalf("NewProvider(none) = %v, %v, %v", p, closer, err)
	} else if _, err := p.Lookup(context.Background(), "1.2.3.4"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("noop Lookup() error = %v", err)
	}

	if _, _, err := NewProvider(Config{Provider: ProviderMaxMind, DatabasePath: "/nonexistent.mmdb"}); err == nil {
		t.Error("expected error opening a missing database")
	}
	if _, _, err := NewProvider(Config{Provider: "ipinfo"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"maxmind without path", func(c *Config) { c.Provider = ProviderMaxMind }, true},
		{"maxmind with path", func(c *Config) { c.Provider = ProviderMaxMind; c.DatabasePath = "x.mmdb" }, false},
		{"unknown", func(c *Config) { c.Provider = "other" }, true},
		{"zero ttl", func(c *Config) { c.TTL = 0 }, true},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
