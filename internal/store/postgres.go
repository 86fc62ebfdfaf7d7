package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type requestLogRow struct {
	ID        string    `gorm:"primaryKey;type:uuid"`
	IPAddress string    `gorm:"size:45;not null;index:idx_request_logs_ip_ts,priority:1"`
	Timestamp time.Time `gorm:"not null;index;index:idx_request_logs_ip_ts,priority:2"`
	Path      string    `gorm:"size:255;not null"`
	Country   *string   `gorm:"size:100"`
	City      *string   `gorm:"size:100"`
}

func (requestLogRow) TableName() string { return "request_logs" }

type blockedIPRow struct {
	IPAddress string    `gorm:"primaryKey;size:45"`
	Reason    string    `gorm:"not null;default:''"`
	CreatedAt time.Time `gorm:"not null"`
}

func (blockedIPRow) TableName() string { return "blocked_ips" }

type suspiciousIPRow struct {
	IPAddress    string    `gorm:"primaryKey;size:45"`
	Reason       string    `gorm:"primaryKey"`
	FirstFlagged time.Time `gorm:"not null"`
}

func (suspiciousIPRow) TableName() string { return "suspicious_ips" }

// PostgresStore persists records in PostgreSQL through gorm.
type PostgresStore struct {
	db      *gorm.DB
	nowFunc func() time.Time
}

// OpenPostgres connects to dsn and migrates the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := db.AutoMigrate(&requestLogRow{}, &blockedIPRow{}, &suspiciousIPRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate postgres schema: %w", err)
	}

	return &PostgresStore{db: db, nowFunc: time.Now}, nil
}

// SetNowFunc overrides the clock used to stamp records. Used by tests.
func (p *PostgresStore) SetNowFunc(fn func() time.Time) {
	p.nowFunc = fn
}

func (p *PostgresStore) Append(ctx context.Context, rec RequestRecord) (RecordID, error) {
	row := requestLogRow{
		ID:        uuid.New().String(),
		IPAddress: rec.IPAddress,
		Timestamp: p.nowFunc().UTC(),
		Path:      TruncatePath(rec.Path),
		Country:   rec.Country,
		City:      rec.City,
	}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("append request log: %w", err)
	}
	return RecordID(row.ID), nil
}

func (p *PostgresStore) QueryByTimeRange(ctx context.Context, since, until time.Time) ([]RequestRecord, error) {
	var rows []requestLogRow
	err := p.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp <= ?", since.UTC(), until.UTC()).
		Order("timestamp").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query request logs: %w", err)
	}

	out := make([]RequestRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, RequestRecord{
			ID:        RecordID(r.ID),
			IPAddress: r.IPAddress,
			Timestamp: r.Timestamp,
			Path:      r.Path,
			Country:   r.Country,
			City:      r.City,
		})
	}
	return out, nil
}

func (p *PostgresStore) CountByIPInRange(ctx context.Context, since, until time.Time) (map[string]int, error) {
	var rows []struct {
		IPAddress string
		Count     int
	}
	err := p.db.WithContext(ctx).Model(&requestLogRow{}).
		Select("ip_address, COUNT(*) AS count").
		Where("timestamp >= ? AND timestamp <= ?", since.UTC(), until.UTC()).
		Group("ip_address").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count request logs: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.IPAddress] = r.Count
	}
	return counts, nil
}

func (p *PostgresStore) DistinctIPsForPaths(ctx context.Context, paths []string, since, until time.Time) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	var ips []string
	err := p.db.WithContext(ctx).Model(&requestLogRow{}).
		Distinct("ip_address").
		Where("timestamp >= ? AND timestamp <= ? AND path IN ?", since.UTC(), until.UTC(), paths).
		Order("ip_address").
		Pluck("ip_address", &ips).Error
	if err != nil {
		return nil, fmt.Errorf("query sensitive path access: %w", err)
	}
	return ips, nil
}

func (p *PostgresStore) Contains(ctx context.Context, ip string) (bool, error) {
	var n int64
	err := p.db.WithContext(ctx).Model(&blockedIPRow{}).
		Where("ip_address = ?", ip).
		Limit(1).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check blocklist: %w", err)
	}
	return n > 0, nil
}

func (p *PostgresStore) AddBlocked(ctx context.Context, b BlockedIP) error {
	row := blockedIPRow{IPAddress: b.IPAddress, Reason: b.Reason, CreatedAt: b.CreatedAt.UTC()}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = p.nowFunc().UTC()
	}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip_address"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("add blocked ip: %w", err)
	}
	return nil
}

func (p *PostgresStore) RemoveBlocked(ctx context.Context, ip string) error {
	result := p.db.WithContext(ctx).Where("ip_address = ?", ip).Delete(&blockedIPRow{})
	if result.Error != nil {
		return fmt.Errorf("remove blocked ip: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListBlocked(ctx context.Context) ([]BlockedIP, error) {
	var rows []blockedIPRow
	if err := p.db.WithContext(ctx).Order("ip_address").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list blocked ips: %w", err)
	}
	out := make([]BlockedIP, 0, len(rows))
	for _, r := range rows {
		out = append(out, BlockedIP{IPAddress: r.IPAddress, Reason: r.Reason, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

func (p *PostgresStore) UpsertSuspicious(ctx context.Context, s SuspiciousIP) (bool, error) {
	row := suspiciousIPRow{IPAddress: s.IPAddress, Reason: s.Reason, FirstFlagged: s.FirstFlagged.UTC()}
	if row.FirstFlagged.IsZero() {
		row.FirstFlagged = p.nowFunc().UTC()
	}
	create := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip_address"}, {Name: "reason"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		return false, fmt.Errorf("upsert suspicious ip: %w", create.Error)
	}
	return create.RowsAffected > 0, nil
}

func (p *PostgresStore) ListSuspicious(ctx context.Context) ([]SuspiciousIP, error) {
	var rows []suspiciousIPRow
	if err := p.db.WithContext(ctx).Order("ip_address, reason").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list suspicious ips: %w", err)
	}
	out := make([]SuspiciousIP, 0, len(rows))
	for _, r := range rows {
		out = append(out, SuspiciousIP{IPAddress: r.IPAddress, Reason: r.Reason, FirstFlagged: r.FirstFlagged})
	}
	return out, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
