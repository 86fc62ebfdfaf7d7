package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists records in a SQLite database.
// The database runs in WAL mode so detector reads never block request-path appends.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// OpenSQLite opens (creating if needed) the database at dbPath and initializes the schema.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for SQLite: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db, nowFunc: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetNowFunc overrides the clock used to stamp records. Used by tests.
func (s *SQLiteStore) SetNowFunc(fn func() time.Time) {
	s.nowFunc = fn
}

func (s *SQLiteStore) initSchema() error {
	statements := []struct {
		name string
		sql  string
	}{
		{"request_logs", `
		CREATE TABLE IF NOT EXISTS request_logs (
			id TEXT PRIMARY KEY,
			ip_address TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			path TEXT NOT NULL,
			country TEXT,
			city TEXT
		)`},
		{"request_logs timestamp index", `
		CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs (timestamp)`},
		{"request_logs ip index", `
		CREATE INDEX IF NOT EXISTS idx_request_logs_ip ON request_logs (ip_address, timestamp)`},
		{"blocked_ips", `
		CREATE TABLE IF NOT EXISTS blocked_ips (
			ip_address TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`},
		{"suspicious_ips", `
		CREATE TABLE IF NOT EXISTS suspicious_ips (
			ip_address TEXT NOT NULL,
			reason TEXT NOT NULL,
			first_flagged INTEGER NOT NULL,
			PRIMARY KEY (ip_address, reason)
		)`},
	}

	for _, st := range statements {
		if _, err := s.db.Exec(st.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", st.name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec RequestRecord) (RecordID, error) {
	id := RecordID(uuid.New().String())
	ts := s.nowFunc()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs (id, ip_address, timestamp, path, country, city)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(id), rec.IPAddress, ts.UnixNano(), TruncatePath(rec.Path),
		nullString(rec.Country), nullString(rec.City),
	)
	if err != nil {
		return "", fmt.Errorf("failed to append request log: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) QueryByTimeRange(ctx context.Context, since, until time.Time) ([]RequestRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ip_address, timestamp, path, country, city
		FROM request_logs
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp`,
		since.UnixNano(), until.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query request logs: %w", err)
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var (
			rec           RequestRecord
			id            string
			ts            int64
			country, city sql.NullString
		)
		if err := rows.Scan(&id, &rec.IPAddress, &ts, &rec.Path, &country, &city); err != nil {
			return nil, fmt.Errorf("failed to scan request log: %w", err)
		}
		rec.ID = RecordID(id)
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Country = fromNullString(country)
		rec.City = fromNullString(city)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountByIPInRange(ctx context.Context, since, until time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip_address, COUNT(*)
		FROM request_logs
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY ip_address`,
		since.UnixNano(), until.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count request logs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var ip string
		var n int
		if err := rows.Scan(&ip, &n); err != nil {
			return nil, fmt.Errorf("failed to scan request count: %w", err)
		}
		counts[ip] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) DistinctIPsForPaths(ctx context.Context, paths []string, since, until time.Time) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(paths)+2)
	args = append(args, since.UnixNano(), until.UnixNano())
	for _, p := range paths {
		args = append(args, p)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(paths)), ",")

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ip_address
		FROM request_logs
		WHERE timestamp >= ? AND timestamp <= ? AND path IN (`+placeholders+`)
		ORDER BY ip_address`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensitive path access: %w", err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("failed to scan ip: %w", err)
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

func (s *SQLiteStore) Contains(ctx context.Context, ip string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM blocked_ips WHERE ip_address = ?`, ip).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check blocklist: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) AddBlocked(ctx context.Context, b BlockedIP) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.nowFunc()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_ips (ip_address, reason, created_at) VALUES (?, ?, ?)
		ON CONFLICT(ip_address) DO UPDATE SET reason = excluded.reason`,
		b.IPAddress, b.Reason, b.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to add blocked ip: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveBlocked(ctx context.Context, ip string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM blocked_ips WHERE ip_address = ?`, ip)
	if err != nil {
		return fmt.Errorf("failed to remove blocked ip: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListBlocked(ctx context.Context) ([]BlockedIP, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip_address, reason, created_at FROM blocked_ips ORDER BY ip_address`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked ips: %w", err)
	}
	defer rows.Close()

	var out []BlockedIP
	for rows.Next() {
		var b BlockedIP
		var created int64
		if err := rows.Scan(&b.IPAddress, &b.Reason, &created); err != nil {
			return nil, fmt.Errorf("failed to scan blocked ip: %w", err)
		}
		b.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertSuspicious(ctx context.Context, sus SuspiciousIP) (bool, error) {
	if sus.FirstFlagged.IsZero() {
		sus.FirstFlagged = s.nowFunc()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO suspicious_ips (ip_address, reason, first_flagged) VALUES (?, ?, ?)
		ON CONFLICT(ip_address, reason) DO NOTHING`,
		sus.IPAddress, sus.Reason, sus.FirstFlagged.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert suspicious ip: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListSuspicious(ctx context.Context) ([]SuspiciousIP, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip_address, reason, first_flagged FROM suspicious_ips ORDER BY ip_address, reason`)
	if err != nil {
		return nil, fmt.Errorf("failed to list suspicious ips: %w", err)
	}
	defer rows.Close()

	var out []SuspiciousIP
	for rows.Next() {
		var sus SuspiciousIP
		var flagged int64
		if err := rows.Scan(&sus.IPAddress, &sus.Reason, &flagged); err != nil {
			return nil, fmt.Errorf("failed to scan suspicious ip: %w", err)
		}
		sus.FirstFlagged = time.Unix(0, flagged).UTC()
		out = append(out, sus)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
