package geo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/inercia/edgeguard/internal/logging"
	"github.com/inercia/edgeguard/internal/metrics"
)

// Provider names accepted in Config.Provider.
const (
	ProviderMaxMind = "maxmind"
	ProviderStatic  = "static"
	ProviderNone    = "none"
)

// Config holds geolocation settings.
type Config struct {
	// Provider is "maxmind", "static" or "none".
	Provider string `yaml:"provider"`
	// DatabasePath is the mmdb file used by the maxmind provider.
	DatabasePath string `yaml:"database_path"`
	// Static is the table used by the static provider.
	Static map[string]StaticEntry `yaml:"static"`

	// TTL is how long a successful lookup is cached, counted from insertion.
	TTL time.Duration `yaml:"ttl"`
	// Timeout bounds each provider call.
	Timeout time.Duration `yaml:"timeout"`
	// SingleFlight collapses concurrent misses for the same IP into one provider call.
	SingleFlight bool `yaml:"single_flight"`
	// SweepInterval is how often expired entries are purged.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns a 24h TTL, a 300ms provider timeout and single-flight on.
func DefaultConfig() Config {
	return Config{
		Provider:      ProviderNone,
		TTL:           24 * time.Hour,
		Timeout:       300 * time.Millisecond,
		SingleFlight:  true,
		SweepInterval: 10 * time.Minute,
	}
}

// Validate checks the provider name and durations.
func (c Config) Validate() error {
	switch c.Provider {
	case "", ProviderNone, ProviderStatic:
	case ProviderMaxMind:
		if c.DatabasePath == "" {
			return fmt.Errorf("maxmind provider requires database_path")
		}
	default:
		return fmt.Errorf("unknown geo provider %q", c.Provider)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// NewProvider builds the provider named by cfg. The returned closer may be nil.
func NewProvider(cfg Config) (Provider, io.Closer, error) {
	switch cfg.Provider {
	case ProviderMaxMind:
		p, err := OpenMaxMind(cfg.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	case ProviderStatic:
		return NewStaticProvider(cfg.Static), nil, nil
	case "", ProviderNone:
		return NoopProvider{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown geo provider %q", cfg.Provider)
	}
}

type entry struct {
	loc       Location
	expiresAt time.Time
}

// Cache maps IPs to locations with a fixed per-entry TTL in front of a Provider.
//
// Only successful lookups are cached. Provider failures are logged and yield an
// empty Location, so a persistently failing IP queries the provider every time.
// Reads never extend an entry's lifetime.
type Cache struct {
	provider Provider
	ttl      time.Duration
	timeout  time.Duration
	group    *singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry

	nowFunc func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics records hits, misses and provider errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithClock overrides time.Now for expiry.
func WithClock(fn func() time.Time) Option {
	return func(c *Cache) { c.nowFunc = fn }
}

// NewCache creates a cache over p. Zero TTL or timeout fall back to defaults.
func NewCache(p Provider, cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	c := &Cache{
		provider: p,
		ttl:      cfg.TTL,
		timeout:  cfg.Timeout,
		entries:  make(map[string]entry),
		nowFunc:  time.Now,
		logger:   logging.Geo(),
	}
	if c.ttl <= 0 {
		c.ttl = def.TTL
	}
	if c.timeout <= 0 {
		c.timeout = def.Timeout
	}
	if cfg.SingleFlight {
		c.group = &singleflight.Group{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the location for ip. It never fails: any provider error
// results in an empty Location. An empty ip returns immediately.
func (c *Cache) Lookup(ctx context.Context, ip string) Location {
	if ip == "" {
		return Location{}
	}

	if loc, ok := c.get(ip); ok {
		c.metrics.GeoLookup("hit")
		return loc
	}

	if c.group == nil {
		return c.fetch(ctx, ip)
	}
	v, _, _ := c.group.Do(ip, func() (any, error) {
		// Another flight may have filled the entry while we waited.
		if loc, ok := c.get(ip); ok {
			return loc, nil
		}
		// Shared by every waiter, so one caller's cancellation must not end it.
		return c.fetch(context.WithoutCancel(ctx), ip), nil
	})
	return v.(Location)
}

func (c *Cache) get(ip string) (Location, bool) {
	c.mu.RLock()
	e, ok := c.entries[ip]
	c.mu.RUnlock()
	if !ok {
		return Location{}, false
	}
	if !c.nowFunc().Before(e.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a fresh entry may have replaced it.
		if cur, ok := c.entries[ip]; ok && !c.nowFunc().Before(cur.expiresAt) {
			delete(c.entries, ip)
		}
		c.mu.Unlock()
		return Location{}, false
	}
	return e.loc, true
}

func (c *Cache) fetch(ctx context.Context, ip string) Location {
	lctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	loc, err := c.provider.Lookup(lctx, ip)
	if err != nil {
		c.metrics.GeoLookup("error")
		c.logger.Warn("geo_lookup_failed", "ip", ip, "error", err)
		return Location{}
	}

	c.metrics.GeoLookup("miss")
	c.mu.Lock()
	c.entries[ip] = entry{loc: loc, expiresAt: c.nowFunc().Add(c.ttl)}
	c.mu.Unlock()
	return loc
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	removed := 0
	for ip, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, ip)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("geo_cache_swept", "removed", removed, "remaining", len(c.entries))
	}
	return removed
}

// Len returns the number of cached entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
