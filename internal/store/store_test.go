package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clockSetter interface {
	SetNowFunc(fn func() time.Time)
}

// testClock is a settable clock shared with the store under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	factories := map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "edgeguard.db"))
			require.NoError(t, err)
			return s
		},
	}
	if dsn := os.Getenv("EDGEGUARD_TEST_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			s, err := OpenPostgres(dsn)
			require.NoError(t, err)
			s.db.Exec("TRUNCATE request_logs, blocked_ips, suspicious_ips")
			return s
		}
	}
	return factories
}

func TestStores(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			runStoreSuite(t, factory)
		})
	}
}

func runStoreSuite(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (Store, *testClock) {
		s := newStore(t)
		t.Cleanup(func() { s.Close() })
		clock := &testClock{now: base}
		s.(clockSetter).SetNowFunc(clock.Now)
		return s, clock
	}

	t.Run("AppendAssignsIDAndTimestamp", func(t *testing.T) {
		s, _ := setup(t)
		country := "Finland"

		id, err := s.Append(ctx, RequestRecord{
			IPAddress: "203.0.113.7",
			Path:      "/login/",
			Country:   &country,
			// Caller-supplied timestamps are ignored.
			Timestamp: base.Add(-48 * time.Hour),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		records, err := s.QueryByTimeRange(ctx, base.Add(-time.Minute), base.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, records, 1)

		rec := records[0]
		assert.Equal(t, id, rec.ID)
		assert.Equal(t, "203.0.113.7", rec.IPAddress)
		assert.Equal(t, "/login/", rec.Path)
		assert.True(t, rec.Timestamp.Equal(base), "timestamp %v should be %v", rec.Timestamp, base)
		require.NotNil(t, rec.Country)
		assert.Equal(t, "Finland", *rec.Country)
		assert.Nil(t, rec.City)
	})

	t.Run("AppendTruncatesLongPaths", func(t *testing.T) {
		s, _ := setup(t)

		_, err := s.Append(ctx, RequestRecord{IPAddress: "203.0.113.7", Path: "/" + strings.Repeat("a", 400)})
		require.NoError(t, err)

		records, err := s.QueryByTimeRange(ctx, base, base)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Len(t, records[0].Path, MaxPathLength)
	})

	t.Run("CountByIPInRange", func(t *testing.T) {
		s, clock := setup(t)

		clock.Set(base.Add(-2 * time.Hour))
		_, err := s.Append(ctx, RequestRecord{IPAddress: "198.51.100.1", Path: "/"})
		require.NoError(t, err)

		clock.Set(base.Add(-30 * time.Minute))
		for i := 0; i < 3; i++ {
			_, err := s.Append(ctx, RequestRecord{IPAddress: "198.51.100.1", Path: "/"})
			require.NoError(t, err)
		}
		_, err = s.Append(ctx, RequestRecord{IPAddress: "198.51.100.2", Path: "/"})
		require.NoError(t, err)

		counts, err := s.CountByIPInRange(ctx, base.Add(-time.Hour), base)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"198.51.100.1": 3, "198.51.100.2": 1}, counts)
	})

	t.Run("RangeBoundsAreInclusive", func(t *testing.T) {
		s, clock := setup(t)

		clock.Set(base.Add(-time.Hour))
		_, err := s.Append(ctx, RequestRecord{IPAddress: "198.51.100.1", Path: "/"})
		require.NoError(t, err)
		clock.Set(base)
		_, err = s.Append(ctx, RequestRecord{IPAddress: "198.51.100.1", Path: "/"})
		require.NoError(t, err)

		counts, err := s.CountByIPInRange(ctx, base.Add(-time.Hour), base)
		require.NoError(t, err)
		assert.Equal(t, 2, counts["198.51.100.1"])
	})

	t.Run("DistinctIPsForPaths", func(t *testing.T) {
		s, clock := setup(t)

		clock.Set(base.Add(-10 * time.Minute))
		for _, r := range []RequestRecord{
			{IPAddress: "198.51.100.1", Path: "/admin/"},
			{IPAddress: "198.51.100.1", Path: "/login/"},
			{IPAddress: "198.51.100.2", Path: "/login/"},
			{IPAddress: "198.51.100.3", Path: "/admin/users"},
			{IPAddress: "198.51.100.4", Path: "/"},
		} {
			_, err := s.Append(ctx, r)
			require.NoError(t, err)
		}

		clock.Set(base.Add(-3 * time.Hour))
		_, err := s.Append(ctx, RequestRecord{IPAddress: "198.51.100.5", Path: "/admin/"})
		require.NoError(t, err)

		ips, err := s.DistinctIPsForPaths(ctx, []string{"/admin/", "/login/"}, base.Add(-time.Hour), base)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"198.51.100.1", "198.51.100.2"}, ips)

		ips, err = s.DistinctIPsForPaths(ctx, nil, base.Add(-time.Hour), base)
		require.NoError(t, err)
		assert.Empty(t, ips)
	})

	t.Run("Blocklist", func(t *testing.T) {
		s, _ := setup(t)

		blocked, err := s.Contains(ctx, "192.0.2.10")
		require.NoError(t, err)
		assert.False(t, blocked)

		require.NoError(t, s.AddBlocked(ctx, BlockedIP{IPAddress: "192.0.2.10", Reason: "abuse"}))
		require.NoError(t, s.AddBlocked(ctx, BlockedIP{IPAddress: "192.0.2.10", Reason: "abuse again"}))

		blocked, err = s.Contains(ctx, "192.0.2.10")
		require.NoError(t, err)
		assert.True(t, blocked)

		list, err := s.ListBlocked(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "abuse again", list[0].Reason)

		require.NoError(t, s.RemoveBlocked(ctx, "192.0.2.10"))
		assert.ErrorIs(t, s.RemoveBlocked(ctx, "192.0.2.10"), ErrNotFound)

		blocked, err = s.Contains(ctx, "192.0.2.10")
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("UpsertSuspiciousIsIdempotent", func(t *testing.T) {
		s, clock := setup(t)

		created, err := s.UpsertSuspicious(ctx, SuspiciousIP{IPAddress: "192.0.2.1", Reason: "Accessed sensitive path"})
		require.NoError(t, err)
		assert.True(t, created)

		clock.Set(base.Add(time.Hour))
		created, err = s.UpsertSuspicious(ctx, SuspiciousIP{IPAddress: "192.0.2.1", Reason: "Accessed sensitive path"})
		require.NoError(t, err)
		assert.False(t, created)

		created, err = s.UpsertSuspicious(ctx, SuspiciousIP{IPAddress: "192.0.2.1", Reason: "Request volume > 100/hr"})
		require.NoError(t, err)
		assert.True(t, created)

		list, err := s.ListSuspicious(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "Accessed sensitive path", list[0].Reason)
		assert.True(t, list[0].FirstFlagged.Equal(base), "first_flagged must keep the first insert time")
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		s, _ := setup(t)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 25; j++ {
					_, err := s.Append(ctx, RequestRecord{IPAddress: "198.51.100.9", Path: "/"})
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()

		counts, err := s.CountByIPInRange(ctx, base, base)
		require.NoError(t, err)
		assert.Equal(t, 200, counts["198.51.100.9"])
	})
}

func TestMemoryStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "blocklist.json")

	m, err := NewMemoryStoreWithSnapshot(path)
	require.NoError(t, err)
	require.NoError(t, m.AddBlocked(ctx, BlockedIP{IPAddress: "192.0.2.44", Reason: "test"}))

	reloaded, err := NewMemoryStoreWithSnapshot(path)
	require.NoError(t, err)

	blocked, err := reloaded.Contains(ctx, "192.0.2.44")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestMemoryStore_Closed(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Close())

	_, err := m.Append(context.Background(), RequestRecord{IPAddress: "192.0.2.1"})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = m.Contains(context.Background(), "192.0.2.1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("cassandra", "")
	assert.Error(t, err)
}

func TestTruncatePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"short", "/login/", 7},
		{"exact", strings.Repeat("a", MaxPathLength), MaxPathLength},
		{"long", strings.Repeat("a", MaxPathLength+10), MaxPathLength},
		{"multibyte", strings.Repeat("ä", MaxPathLength+1), MaxPathLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncatePath(tt.in)
			assert.Equal(t, tt.want, len([]rune(got)))
		})
	}
}
