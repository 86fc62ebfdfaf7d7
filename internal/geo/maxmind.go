package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindProvider reads a GeoLite2 or GeoIP2 City database.
type MaxMindProvider struct {
	db       *geoip2.Reader
	language string
}

// OpenMaxMind opens the mmdb file at path. Names are returned in English.
func OpenMaxMind(path string) (*MaxMindProvider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database %s: %w", path, err)
	}
	return &MaxMindProvider{db: db, language: "en"}, nil
}

// Lookup resolves ip. The reader is memory-mapped, so ctx is only checked up front.
func (p *MaxMindProvider) Lookup(ctx context.Context, ip string) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}, fmt.Errorf("invalid IP address %q", ip)
	}

	record, err := p.db.City(parsed)
	if err != nil {
		return Location{}, fmt.Errorf("geoip lookup for %s: %w", ip, err)
	}

	loc := Location{
		Country: strPtr(record.Country.Names[p.language]),
		City:    strPtr(record.City.Names[p.language]),
	}
	if loc.IsEmpty() {
		return Location{}, fmt.Errorf("%s: %w", ip, ErrNotFound)
	}
	return loc, nil
}

// Close releases the database.
func (p *MaxMindProvider) Close() error {
	return p.db.Close()
}
