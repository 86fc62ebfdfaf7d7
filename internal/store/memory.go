package store

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/edgeguard/internal/fileutil"
)

type suspiciousKey struct {
	ip     string
	reason string
}

// MemoryStore keeps everything in process memory.
// It is safe for concurrent use. Readers copy under a read lock, so appends
// only ever wait for the duration of that copy.
type MemoryStore struct {
	mu         sync.RWMutex
	records    []RequestRecord
	blocked    map[string]BlockedIP
	suspicious map[suspiciousKey]SuspiciousIP
	closed     bool

	// snapshotPath persists the blocklist across restarts when set.
	snapshotPath string

	nowFunc func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocked:    make(map[string]BlockedIP),
		suspicious: make(map[suspiciousKey]SuspiciousIP),
		nowFunc:    time.Now,
	}
}

// NewMemoryStoreWithSnapshot creates an in-memory store whose blocklist is
// loaded from and saved to a JSON file.
func NewMemoryStoreWithSnapshot(path string) (*MemoryStore, error) {
	m := NewMemoryStore()
	m.snapshotPath = path

	var entries []BlockedIP
	if err := fileutil.ReadJSON(path, &entries); err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	for _, b := range entries {
		m.blocked[b.IPAddress] = b
	}
	return m, nil
}

// SetNowFunc overrides the clock used to stamp records. Used by tests.
func (m *MemoryStore) SetNowFunc(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = fn
}

func (m *MemoryStore) Append(ctx context.Context, rec RequestRecord) (RecordID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}

	rec.ID = RecordID(uuid.New().String())
	rec.Timestamp = m.nowFunc()
	rec.Path = TruncatePath(rec.Path)
	m.records = append(m.records, rec)
	return rec.ID, nil
}

// snapshot returns the records slice header. Records are never mutated after
// append, so the shared backing array is safe to read without the lock.
func (m *MemoryStore) snapshot() ([]RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.records[:len(m.records):len(m.records)], nil
}

func (m *MemoryStore) QueryByTimeRange(ctx context.Context, since, until time.Time) ([]RequestRecord, error) {
	records, err := m.snapshot()
	if err != nil {
		return nil, err
	}

	var out []RequestRecord
	for _, r := range records {
		if inRange(r.Timestamp, since, until) {
			out = append(out, r)
		}
	}
	return out, ctx.Err()
}

func (m *MemoryStore) CountByIPInRange(ctx context.Context, since, until time.Time) (map[string]int, error) {
	records, err := m.snapshot()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, r := range records {
		if inRange(r.Timestamp, since, until) {
			counts[r.IPAddress]++
		}
	}
	return counts, ctx.Err()
}

func (m *MemoryStore) DistinctIPsForPaths(ctx context.Context, paths []string, since, until time.Time) ([]string, error) {
	records, err := m.snapshot()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		wanted[p] = struct{}{}
	}

	seen := make(map[string]struct{})
	var ips []string
	for _, r := range records {
		if !inRange(r.Timestamp, since, until) {
			continue
		}
		if _, ok := wanted[r.Path]; !ok {
			continue
		}
		if _, dup := seen[r.IPAddress]; dup {
			continue
		}
		seen[r.IPAddress] = struct{}{}
		ips = append(ips, r.IPAddress)
	}
	sort.Strings(ips)
	return ips, ctx.Err()
}

func (m *MemoryStore) Contains(ctx context.Context, ip string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.blocked[ip]
	return ok, nil
}

func (m *MemoryStore) AddBlocked(ctx context.Context, b BlockedIP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = m.nowFunc()
	}
	m.blocked[b.IPAddress] = b
	return m.persistLocked()
}

func (m *MemoryStore) RemoveBlocked(ctx context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.blocked[ip]; !ok {
		return ErrNotFound
	}
	delete(m.blocked, ip)
	return m.persistLocked()
}

func (m *MemoryStore) ListBlocked(ctx context.Context) ([]BlockedIP, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.blockedLocked(), nil
}

func (m *MemoryStore) blockedLocked() []BlockedIP {
	out := make([]BlockedIP, 0, len(m.blocked))
	for _, b := range m.blocked {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IPAddress < out[j].IPAddress })
	return out
}

// persistLocked writes the blocklist snapshot. Caller holds m.mu.
func (m *MemoryStore) persistLocked() error {
	if m.snapshotPath == "" {
		return nil
	}
	return fileutil.WriteJSONAtomic(m.snapshotPath, m.blockedLocked(), 0644)
}

func (m *MemoryStore) UpsertSuspicious(ctx context.Context, s SuspiciousIP) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}

	key := suspiciousKey{ip: s.IPAddress, reason: s.Reason}
	if _, exists := m.suspicious[key]; exists {
		return false, nil
	}
	if s.FirstFlagged.IsZero() {
		s.FirstFlagged = m.nowFunc()
	}
	m.suspicious[key] = s
	return true, nil
}

func (m *MemoryStore) ListSuspicious(ctx context.Context) ([]SuspiciousIP, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]SuspiciousIP, 0, len(m.suspicious))
	for _, s := range m.suspicious {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IPAddress != out[j].IPAddress {
			return out[i].IPAddress < out[j].IPAddress
		}
		return out[i].Reason < out[j].Reason
	})
	return out, nil
}

// Close marks the store closed. Further operations return ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
