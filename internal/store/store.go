// Package store defines the persistence contracts used by the guard and provides
// in-memory, SQLite and PostgreSQL implementations of them.
package store

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

// MaxPathLength is the maximum number of characters kept for a request path.
const MaxPathLength = 255

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

// RecordID identifies an appended request record.
type RecordID string

// RequestRecord is one allowed request as seen by the guard.
// Records are immutable once appended.
type RequestRecord struct {
	ID        RecordID  `json:"id"`
	IPAddress string    `json:"ip_address"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
	Country   *string   `json:"country,omitempty"`
	City      *string   `json:"city,omitempty"`
}

// BlockedIP is an address denied service outright.
type BlockedIP struct {
	IPAddress string    `json:"ip_address"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SuspiciousIP is a flag raised by the anomaly detector.
// There is at most one row per (IPAddress, Reason).
type SuspiciousIP struct {
	IPAddress    string    `json:"ip_address"`
	Reason       string    `json:"reason"`
	FirstFlagged time.Time `json:"first_flagged"`
}

// RequestLogStore is the append-only log of allowed requests.
//
// Append is called on the request path. The query methods are used by batch
// analysis and must not block concurrent appends for longer than a copy.
// All ranges are inclusive: since <= timestamp <= until.
type RequestLogStore interface {
	Append(ctx context.Context, rec RequestRecord) (RecordID, error)
	QueryByTimeRange(ctx context.Context, since, until time.Time) ([]RequestRecord, error)
	CountByIPInRange(ctx context.Context, since, until time.Time) (map[string]int, error)
	DistinctIPsForPaths(ctx context.Context, paths []string, since, until time.Time) ([]string, error)
}

// BlockStore holds the set of blocked IPs. Contains must be a point lookup.
type BlockStore interface {
	Contains(ctx context.Context, ip string) (bool, error)
	AddBlocked(ctx context.Context, b BlockedIP) error
	RemoveBlocked(ctx context.Context, ip string) error
	ListBlocked(ctx context.Context) ([]BlockedIP, error)
}

// SuspiciousStore holds detector results.
type SuspiciousStore interface {
	// UpsertSuspicious inserts the flag unless (ip, reason) already exists.
	// It reports whether a new row was created.
	UpsertSuspicious(ctx context.Context, s SuspiciousIP) (bool, error)
	ListSuspicious(ctx context.Context) ([]SuspiciousIP, error)
}

// Store bundles every store the guard needs, backed by one engine.
type Store interface {
	RequestLogStore
	BlockStore
	SuspiciousStore
	Close() error
}

// TruncatePath limits p to MaxPathLength characters without splitting a rune.
func TruncatePath(p string) string {
	if utf8.RuneCountInString(p) <= MaxPathLength {
		return p
	}
	n := 0
	for i := range p {
		if n == MaxPathLength {
			return p[:i]
		}
		n++
	}
	return p
}

// inRange reports whether t lies within [since, until].
func inRange(t, since, until time.Time) bool {
	return !t.Before(since) && !t.After(until)
}
