package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	busyTimeoutMS   = 5000
	maxOpenConns    = 8
	maxIdleConns    = 4
	connMaxLifetime = 5 * time.Minute

	maxOpenConnsEnvKey    = "STRATA_DB_MAX_OPEN_CONNS"
	maxIdleConnsEnvKey    = "STRATA_DB_MAX_IDLE_CONNS"
	connMaxLifetimeEnvKey = "STRATA_DB_CONN_MAX_LIFETIME"
)

// Store wraps the SQLite catalog database. All mutations go through Write,
// which admits one writer at a time; readers use WAL snapshots and never
// wait on the writer.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open opens the SQLite database and applies pending migrations.
func Open(path string) (*Store, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	configureDB(db)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the raw handle for migration inspection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// writeLockSQL takes the database write lock as the first statement of a
// write transaction, so writers in other processes wait on busy_timeout
// instead of failing on a stale read snapshot.
const writeLockSQL = `UPDATE schema_migrations SET version = version WHERE version < 0`

// Write runs fn in a write transaction. Only one Write runs at a time,
// within this process and across processes sharing the database file.
func (s *Store) Write(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, writeLockSQL); err != nil {
		return fmt.Errorf("take write lock: %w", err)
	}
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Read runs fn in a transaction that observes one consistent
// snapshot of the catalog.
func (s *Store) Read(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	return fn(tx)
}

func configureDB(db *sql.DB) {
	// Tune connection pool for local usage.
	db.SetMaxOpenConns(intFromEnv(maxOpenConnsEnvKey, maxOpenConns))
	db.SetMaxIdleConns(intFromEnv(maxIdleConnsEnvKey, maxIdleConns))
	db.SetConnMaxLifetime(durationFromEnv(connMaxLifetimeEnvKey, connMaxLifetime))
}

// intFromEnv returns a positive integer from key, or fallback.
func intFromEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// durationFromEnv accepts Go durations or a bare number of seconds.
func durationFromEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// sqliteDSN carries the pragmas in the DSN so every pooled connection
// gets them, not only the first.
func sqliteDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("db path is required")
	}
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"foreign_keys(1)",
		fmt.Sprintf("busy_timeout(%d)", busyTimeoutMS),
	}
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	u := url.URL{Scheme: "file", Path: path, RawQuery: q.Encode()}
	return u.String(), nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ querier = (*sql.DB)(nil)
	_ querier = (*sql.Tx)(nil)
)
