// Package geo resolves client IPs to a coarse location and caches the results.
package geo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

var (
	// ErrNotFound is returned by providers that have no data for an address.
	ErrNotFound = errors.New("address not found")

	// ErrUnavailable is returned by a provider with no data source.
	ErrUnavailable = errors.New("geolocation provider unavailable")
)

// Location is a coarse geolocation. Either field may be absent.
type Location struct {
	Country *string `json:"country,omitempty"`
	City    *string `json:"city,omitempty"`
}

// IsEmpty reports whether neither field is set.
func (l Location) IsEmpty() bool {
	return l.Country == nil && l.City == nil
}

// Provider is an external geolocation source. Implementations must be safe
// for concurrent use and should honour ctx cancellation.
type Provider interface {
	Lookup(ctx context.Context, ip string) (Location, error)
}

// NoopProvider fails every lookup. It is used when no database is configured.
type NoopProvider struct{}

func (NoopProvider) Lookup(context.Context, string) (Location, error) {
	return Location{}, ErrUnavailable
}

// StaticEntry is one row of a StaticProvider table.
type StaticEntry struct {
	Country string `yaml:"country"`
	City    string `yaml:"city"`
}

// StaticProvider answers from a fixed table keyed by IP.
type StaticProvider struct {
	mu      sync.RWMutex
	entries map[string]StaticEntry
}

// NewStaticProvider copies entries into a new provider. Keys are normalized.
func NewStaticProvider(entries map[string]StaticEntry) *StaticProvider {
	p := &StaticProvider{entries: make(map[string]StaticEntry, len(entries))}
	for ip, e := range entries {
		p.Set(ip, e)
	}
	return p
}

// Set adds or replaces the entry for ip.
func (p *StaticProvider) Set(ip string, e StaticEntry) {
	if parsed := net.ParseIP(ip); parsed != nil {
		ip = parsed.String()
	}
	p.mu.Lock()
	p.entries[ip] = e
	p.mu.Unlock()
}

func (p *StaticProvider) Lookup(ctx context.Context, ip string) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	p.mu.RLock()
	e, ok := p.entries[ip]
	p.mu.RUnlock()
	if !ok {
		return Location{}, fmt.Errorf("%s: %w", ip, ErrNotFound)
	}
	return Location{Country: strPtr(e.Country), City: strPtr(e.City)}, nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
