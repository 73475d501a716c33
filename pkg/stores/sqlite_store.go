package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
	}

	return &SQLiteStore{cfg: cfg, now: time.Now}, nil
}

// Init opens the database connection and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if s.cfg.Path != MemoryPath {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Put encodes value as CBOR and upserts it.
func (s *SQLiteStore) Put(ctx context.Context, key string, value any) error {
	data, err := cbor.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	query := `
		INSERT INTO introspection_cache (key, value, size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			size = excluded.size,
			updated_at = excluded.updated_at
	`

	now := s.now().UnixNano()
	if _, err := s.db.ExecContext(ctx, query, key, data, len(data), now, now); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Get decodes a fresh entry into out.
func (s *SQLiteStore) Get(ctx context.Context, key string, maxAge time.Duration, out any) (bool, error) {
	query := `SELECT value, updated_at FROM introspection_cache WHERE key = ?`

	var (
		data    []byte
		updated int64
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	if maxAge > 0 && s.now().Sub(time.Unix(0, updated)) > maxAge {
		return false, nil
	}
	if err := cbor.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM introspection_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// List returns every entry, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	query := `
		SELECT key, size, created_at, updated_at
		FROM introspection_cache
		ORDER BY updated_at DESC, key
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                Entry
			created, updated int64
		)
		if err := rows.Scan(&e.Key, &e.Size, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		e.UpdatedAt = time.Unix(0, updated).UTC()
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache entries: %w", err)
	}
	return entries, nil
}

// Stats summarizes the cache.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(size), 0), MIN(updated_at), MAX(updated_at)
		FROM introspection_cache
	`

	var (
		st             Stats
		oldest, newest sql.NullInt64
	)
	if err := s.db.QueryRowContext(ctx, query).Scan(&st.Entries, &st.Bytes, &oldest, &newest); err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}
	if oldest.Valid {
		t := time.Unix(0, oldest.Int64).UTC()
		st.Oldest = &t
	}
	if newest.Valid {
		t := time.Unix(0, newest.Int64).UTC()
		st.Newest = &t
	}
	return &st, nil
}

// Purge removes entries older than maxAge, or all entries for a zero maxAge.
func (s *SQLiteStore) Purge(ctx context.Context, maxAge time.Duration) (int64, error) {
	var (
		result sql.Result
		err    error
	)
	if maxAge <= 0 {
		result, err = s.db.ExecContext(ctx, `DELETE FROM introspection_cache`)
	} else {
		cutoff := s.now().Add(-maxAge).UnixNano()
		result, err = s.db.ExecContext(ctx, `DELETE FROM introspection_cache WHERE updated_at < ?`, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
