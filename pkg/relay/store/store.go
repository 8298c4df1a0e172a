// Package store implements the repository layer for Relay: reminders,
// messages, memories, and profiles over database/sql. A single database
// holds every table; the schema is idempotent DDL executed on open. The
// engine consumes these functions by shape and never cares which backend
// is behind them.
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

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	_ "github.com/mattn/go-sqlite3"    // SQLite driver.
)

// timeLayout is the canonical timestamp format. Stored in UTC without a
// fractional second so TEXT comparisons in SQL order correctly.
const timeLayout = time.RFC3339

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Recent channel history consumed by the conversation context builder.
CREATE TABLE IF NOT EXISTS messages (
    id          TEXT PRIMARY KEY,
    platform    TEXT NOT NULL,
    channel_id  TEXT NOT NULL,
    guild_id    TEXT DEFAULT '',
    author_id   TEXT NOT NULL,
    author_name TEXT DEFAULT '',
    content     TEXT NOT NULL,
    from_bot    INTEGER DEFAULT 0,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at);

-- Long-term user memories with optional embedding for semantic lookup.
CREATE TABLE IF NOT EXISTS memories (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    content    TEXT NOT NULL,
    embedding  BLOB,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);

-- User profiles and preferences.
CREATE TABLE IF NOT EXISTS profiles (
    user_id      TEXT PRIMARY KEY,
    display_name TEXT DEFAULT '',
    preferences  TEXT DEFAULT '{}',
    updated_at   TEXT NOT NULL
);

-- Reminders. delivered_at and cancelled_at are mutually exclusive: a row
-- with either set is terminal and never fires again.
CREATE TABLE IF NOT EXISTS reminders (
    id            TEXT PRIMARY KEY,
    owner_id      TEXT NOT NULL,
    platform      TEXT NOT NULL,
    channel_id    TEXT NOT NULL,
    guild_id      TEXT DEFAULT '',
    message       TEXT NOT NULL,
    trigger_at    TEXT NOT NULL,
    recurrence    TEXT DEFAULT '',
    repeat_end_at TEXT,
    snooze_count  INTEGER DEFAULT 0,
    delivered_at  TEXT,
    cancelled_at  TEXT,
    original_id   TEXT DEFAULT '',
    source_msg_id TEXT DEFAULT '',
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(trigger_at)
    WHERE delivered_at IS NULL AND cancelled_at IS NULL;
`

// Store is the repository over a SQL database.
type Store struct {
	db       *sql.DB
	postgres bool
}

// OpenSQLite opens (creating if needed) a SQLite-backed store.
func OpenSQLite(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres opens a PostgreSQL-backed store via the pgx stdlib driver.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &Store{db: db, postgres: true}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// migrate executes the idempotent schema, translating SQLite-isms for
// PostgreSQL.
func (s *Store) migrate() error {
	ddl := schema
	if s.postgres {
		ddl = strings.ReplaceAll(ddl, "BLOB", "BYTEA")
	}
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// execContext is a small helper keeping call sites terse.
func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}
