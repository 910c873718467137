// Package storage owns the embedded SQLite database: a single handle shared
// by every store, with versioned migrations applied at startup. Writers
// serialize behind the handle; migrations are additive and rolling one back
// is unsupported.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by Get when no row matches.
var ErrNotFound = errors.New("storage: not found")

// ErrDownUnsupported is returned for any attempt to reverse a migration.
var ErrDownUnsupported = errors.New("storage: reversing migrations is unsupported")

// Result reports the outcome of a write.
type Result struct {
	Changes int64
	LastID  int64
}

// Store is the shared database handle.
type Store struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// Open creates the parent directory if needed and opens the database with
// WAL journaling, a busy timeout, and foreign keys on. The connection pool
// is pinned to one connection so writes stay strictly serialized.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}
	return &Store{
		db:   db,
		path: path,
		log:  slog.Default().With("component", "storage"),
	}, nil
}

// Migrate applies every pending migration in ascending version order.
// Applied versions are recorded in the schema_migrations table.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("prepare migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("prepare migrations: %w", err)
	}
	before, _, _ := m.Version()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	after, _, _ := m.Version()
	if after != before {
		s.log.Info("migrations applied", "from", before, "to", after)
	}
	return nil
}

// MigrateDown exists to make the policy explicit: it always fails.
func (s *Store) MigrateDown() error {
	return ErrDownUnsupported
}

// Version returns the current migration version and the dirty flag.
func (s *Store) Version(ctx context.Context) (uint, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, dirty FROM schema_migrations LIMIT 1`)
	var version uint
	var dirty bool
	if err := row.Scan(&version, &dirty); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return version, dirty, nil
}

// Run executes a write statement and reports affected rows and last insert id.
func (s *Store) Run(ctx context.Context, query string, args ...any) (Result, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, err
	}
	changes, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return Result{Changes: changes, LastID: lastID}, nil
}

// Get runs a single-row query; scan receives the row. A missing row is
// reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := scan(row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// All runs a multi-row query; scan is invoked once per row.
func (s *Store) All(ctx context.Context, scan func(*sql.Rows) error, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Transaction runs fn inside a transaction, rolling back on error.
func (s *Store) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Health pings the database with a short deadline.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// DB exposes the raw handle for stores that manage their own scans.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// FormatTime renders a timestamp the way every table stores one.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime reads a stored timestamp, tolerating second precision.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
