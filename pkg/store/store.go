// Package store persists the bridge's durable state — mappings, the
// idempotency ledger, dead letters and comment links — behind per-entity
// repository methods. PostgreSQL is the production backend; SQLite serves
// single-node and development deployments. Both speak the same SQL here:
// $N placeholders are valid in either, timestamps travel as RFC 3339 text,
// and payloads as raw bytes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Flavor identifies the SQL backend.
type Flavor string

const (
	FlavorPostgres Flavor = "postgres"
	FlavorSQLite   Flavor = "sqlite"
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements every repository method against a Querier, so the same
// code runs standalone or inside a transaction.
type queries struct {
	q Querier
}

// Store is the root handle. Repository methods outside a transaction run on
// the pooled *sql.DB; InTx scopes them to a single transaction.
type Store struct {
	queries
	db     *sql.DB
	flavor Flavor
}

// Tx exposes the repository methods bound to one transaction.
type Tx struct {
	queries
}

// Open connects to the backend selected by the URL. postgres:// and
// postgresql:// URLs use lib/pq; anything else is treated as a SQLite path
// (an optional sqlite: prefix is stripped).
func Open(dbURL string) (*Store, error) {
	var (
		db     *sql.DB
		flavor Flavor
		err    error
	)
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		db, err = sql.Open("postgres", dbURL)
		flavor = FlavorPostgres
	default:
		db, err = sql.Open("sqlite", strings.TrimPrefix(dbURL, "sqlite:"))
		flavor = FlavorSQLite
	}
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{queries: queries{q: db}, db: db, flavor: flavor}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection (used by tests with sqlmock).
// Migrations are not applied.
func NewWithDB(db *sql.DB, flavor Flavor) *Store {
	return &Store{queries: queries{q: db}, db: db, flavor: flavor}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Flavor returns the active backend.
func (s *Store) Flavor() Flavor { return s.flavor }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// InTx runs fn inside one transaction. On Postgres the transaction is
// serializable; that is the serialization point the idempotency guard and
// the Mapping version counter rely on. SQLite is serializable by default.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	var opts *sql.TxOptions
	if s.flavor == FlavorPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}

	if err := fn(&Tx{queries: queries{q: tx}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a uniqueness-constraint failure
// on either backend. The constraint is authoritative for duplicate
// detection; the loser of a concurrent insert observes this error.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
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
