// Package blocklist answers whether a client IP is denied service.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/inercia/edgeguard/internal/identity"
	"github.com/inercia/edgeguard/internal/logging"
	"github.com/inercia/edgeguard/internal/metrics"
	"github.com/inercia/edgeguard/internal/store"
)

// FailMode decides what IsBlocked reports when the backing store fails.
type FailMode string

const (
	// FailClosed treats a storage error as blocked.
	FailClosed FailMode = "closed"
	// FailOpen treats a storage error as not blocked.
	FailOpen FailMode = "open"
)

// ErrWhitelisted is returned by Add for addresses inside a whitelist range.
var ErrWhitelisted = errors.New("address is whitelisted")

// Config holds blocklist settings.
type Config struct {
	// CacheTTL bounds how stale a cached answer may be. Zero disables the cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// FailMode is "closed" (default) or "open".
	FailMode FailMode `yaml:"fail_mode"`

	// Whitelist contains IPs or CIDR ranges that are never reported blocked.
	Whitelist []string `yaml:"whitelist"`

	// File is a plain-text blocklist kept in sync with the store while serving.
	File string `yaml:"file"`
}

// DefaultConfig returns a config with no cache that fails closed.
func DefaultConfig() Config {
	return Config{
		FailMode:  FailClosed,
		Whitelist: []string{"127.0.0.0/8", "::1/128"},
	}
}

// Validate checks the fail mode and whitelist entries.
func (c Config) Validate() error {
	switch c.FailMode {
	case "", FailClosed, FailOpen:
	default:
		return fmt.Errorf("invalid fail_mode %q (want open or closed)", c.FailMode)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl must not be negative")
	}
	for _, w := range c.Whitelist {
		if parseNet(w) == nil {
			return fmt.Errorf("invalid whitelist entry %q", w)
		}
	}
	return nil
}

type cacheEntry struct {
	blocked   bool
	expiresAt time.Time
}

// Blocklist checks membership against a store.BlockStore, with an optional
// short-lived local cache and a whitelist that always wins.
type Blocklist struct {
	store    store.BlockStore
	failMode FailMode
	ttl      time.Duration
	cidrs    []*net.IPNet

	mu    sync.RWMutex
	cache map[string]cacheEntry

	nowFunc func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Blocklist.
type Option func(*Blocklist)

// WithMetrics records lookup failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Blocklist) { b.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Blocklist) { b.logger = l }
}

// WithClock overrides time.Now for cache expiry.
func WithClock(fn func() time.Time) Option {
	return func(b *Blocklist) { b.nowFunc = fn }
}

// New creates a Blocklist over st. Invalid whitelist entries are skipped.
func New(st store.BlockStore, cfg Config, opts ...Option) *Blocklist {
	b := &Blocklist{
		store:    st,
		failMode: cfg.FailMode,
		ttl:      cfg.CacheTTL,
		cache:    make(map[string]cacheEntry),
		nowFunc:  time.Now,
		logger:   logging.Blocklist(),
	}
	if b.failMode == "" {
		b.failMode = FailClosed
	}
	for _, w := range cfg.Whitelist {
		if n := parseNet(w); n != nil {
			b.cidrs = append(b.cidrs, n)
		}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// parseNet accepts CIDR notation or a single address.
func parseNet(s string) *net.IPNet {
	if _, ipNet, err := net.ParseCIDR(s); err == nil {
		return ipNet
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
}

// IsWhitelisted reports whether ip falls inside a whitelist range.
func (b *Blocklist) IsWhitelisted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range b.cidrs {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

// IsBlocked reports whether ip is denied. An empty ip is never blocked.
//
// On a storage error the returned bool follows the fail mode and the error
// is returned alongside it so the caller can log it. Errors are never cached.
func (b *Blocklist) IsBlocked(ctx context.Context, ip string) (bool, error) {
	if ip == "" || b.IsWhitelisted(ip) {
		return false, nil
	}

	if b.ttl > 0 {
		b.mu.RLock()
		entry, ok := b.cache[ip]
		b.mu.RUnlock()
		if ok && b.nowFunc().Before(entry.expiresAt) {
			return entry.blocked, nil
		}
	}

	blocked, err := b.store.Contains(ctx, ip)
	if err != nil {
		b.metrics.BlocklistError()
		return b.failMode == FailClosed, fmt.Errorf("blocklist lookup for %s: %w", ip, err)
	}

	if b.ttl > 0 {
		b.mu.Lock()
		b.cache[ip] = cacheEntry{blocked: blocked, expiresAt: b.nowFunc().Add(b.ttl)}
		b.mu.Unlock()
	}
	return blocked, nil
}

// Add blocks ip. Whitelisted addresses are refused with ErrWhitelisted.
func (b *Blocklist) Add(ctx context.Context, ip, reason string) error {
	norm := identity.NormalizeIP(ip)
	if norm == "" {
		return fmt.Errorf("invalid IP address %q", ip)
	}
	if b.IsWhitelisted(norm) {
		return fmt.Errorf("%s: %w", norm, ErrWhitelisted)
	}
	if err := b.store.AddBlocked(ctx, store.BlockedIP{IPAddress: norm, Reason: reason, CreatedAt: b.nowFunc()}); err != nil {
		return fmt.Errorf("failed to block %s: %w", norm, err)
	}
	b.Invalidate(norm)
	b.logger.Info("ip_blocked", "ip", norm, "reason", reason)
	return nil
}

// Remove unblocks ip. It returns store.ErrNotFound if ip was not blocked.
func (b *Blocklist) Remove(ctx context.Context, ip string) error {
	norm := identity.NormalizeIP(ip)
	if norm == "" {
		return fmt.Errorf("invalid IP address %q", ip)
	}
	err := b.store.RemoveBlocked(ctx, norm)
	b.Invalidate(norm)
	if err != nil {
		return fmt.Errorf("failed to unblock %s: %w", norm, err)
	}
	b.logger.Info("ip_unblocked", "ip", norm)
	return nil
}

// List returns every blocked IP.
func (b *Blocklist) List(ctx context.Context) ([]store.BlockedIP, error) {
	return b.store.ListBlocked(ctx)
}

// Invalidate drops any cached answer for ip.
func (b *Blocklist) Invalidate(ip string) {
	b.mu.Lock()
	delete(b.cache, ip)
	b.mu.Unlock()
}

// CleanExpired removes expired cache entries and returns how many were dropped.
func (b *Blocklist) CleanExpired() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	removed := 0
	for ip, entry := range b.cache {
		if !now.Before(entry.expiresAt) {
			delete(b.cache, ip)
			removed++
		}
	}
	return removed
}
