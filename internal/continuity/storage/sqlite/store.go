// Package sqlite provides the SQLite-backed continuity stores: cadence
// schedules, moderation queue snapshots, and telemetry events.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mirrowen/afterglow/internal/continuity/domain/cadence"
	"github.com/mirrowen/afterglow/internal/continuity/storage/sqlite/migrations"
	sqlitemigrate "github.com/mirrowen/afterglow/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed continuity persistence.
type Store struct {
	sqlDB *sql.DB
	cfg   cadence.Config
	clock func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithCadenceConfig overrides the cadence policy used when planning sessions.
func WithCadenceConfig(cfg cadence.Config) Option {
	return func(s *Store) {
		s.cfg = cfg.Normalized()
	}
}

// Open opens a continuity SQLite store and applies migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{
		sqlDB: sqlDB,
		cfg:   cadence.DefaultConfig(),
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := sqlitemigrate.ApplyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// toMillis converts a time to Unix milliseconds for integer columns.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// fromMillis converts Unix milliseconds back to a UTC time.
func fromMillis(millis int64) time.Time {
	return time.UnixMilli(millis).UTC()
}
