package store

import (
	"context"
	"fmt"
)

// The schema is owned by the bridge and applied at startup. Statements are
// idempotent so a restart against an existing database is a no-op, and a
// one-version-old schema upgrades in place (additive columns only).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS mapping (
		src_repo            TEXT NOT NULL,
		src_number          INTEGER NOT NULL,
		page_id             TEXT NOT NULL,
		last_src_hash       TEXT NOT NULL DEFAULT '',
		last_tgt_hash       TEXT NOT NULL DEFAULT '',
		last_sync_direction TEXT NOT NULL DEFAULT 'none',
		last_sync_at        TEXT NOT NULL DEFAULT '',
		version             INTEGER NOT NULL DEFAULT 0,
		orphaned            BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (src_repo, src_number)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS mapping_page_id ON mapping (page_id)`,

	`CREATE TABLE IF NOT EXISTS processed_event (
		fingerprint   TEXT PRIMARY KEY,
		first_seen_at TEXT NOT NULL,
		outcome       TEXT NOT NULL,
		attempts      INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS processed_event_first_seen ON processed_event (first_seen_at)`,

	`CREATE TABLE IF NOT EXISTS deadletter (
		id              TEXT PRIMARY KEY,
		fingerprint     TEXT NOT NULL,
		provider        TEXT NOT NULL,
		event_kind      TEXT NOT NULL,
		raw_payload     BLOB,
		failure_reason  TEXT NOT NULL DEFAULT '',
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		archived        BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS deadletter_due ON deadletter (archived, next_attempt_at)`,

	`CREATE TABLE IF NOT EXISTS comment_mapping (
		side            TEXT NOT NULL,
		remote_id       TEXT NOT NULL,
		other_side      TEXT NOT NULL,
		other_remote_id TEXT NOT NULL,
		PRIMARY KEY (side, remote_id)
	)`,
}

// postgresOverrides replace statements whose types differ on Postgres.
var postgresOverrides = map[int]string{
	4: `CREATE TABLE IF NOT EXISTS deadletter (
		id              TEXT PRIMARY KEY,
		fingerprint     TEXT NOT NULL,
		provider        TEXT NOT NULL,
		event_kind      TEXT NOT NULL,
		raw_payload     BYTEA,
		failure_reason  TEXT NOT NULL DEFAULT '',
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		archived        BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		query := stmt
		if s.flavor == FlavorPostgres {
			if override, ok := postgresOverrides[i]; ok {
				query = override
			}
		}
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("store: migrate statement %d: %w", i, err)
		}
	}
	return nil
}
