// Package sqlstore implements the store and the local device state on top of
// database/sql. SQLite (modernc.org/sqlite) is the default; PostgreSQL
// (github.com/lib/pq) is supported for shared deployments.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB wraps a *sql.DB with the dialect differences the store cares about:
// placeholder style and row locking.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteDSN builds a modernc DSN for a database file. Transactions take the
// write lock on BEGIN so collections on the same file are serialized.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// Open connects and applies migrations.
func Open(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	db := &DB{db: sqlDB, dialect: dialect}
	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	return Open(ctx, DialectSQLite, SQLiteDSN(path))
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

func (db *DB) migrate(ctx context.Context) error {
	for i, stmt := range Migrations() {
		if _, err := db.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate is appended to selects that must lock the row for the rest of
// the transaction. SQLite already holds the database write lock.
func (db *DB) forUpdate() string {
	if db.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements, one per entry. Decimals are
// stored as TEXT and times as unix milliseconds so the same schema runs on
// both dialects.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id                 TEXT PRIMARY KEY,
			balance            TEXT NOT NULL DEFAULT '0',
			last_collection_ms BIGINT NOT NULL,
			worker_rate        TEXT NOT NULL DEFAULT '0',
			risk_score         TEXT NOT NULL DEFAULT '0',
			device_fingerprint TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL DEFAULT 'active',
			created_ms         BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS assets (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			type         TEXT NOT NULL,
			price        TEXT NOT NULL DEFAULT '0',
			base_rate    TEXT NOT NULL DEFAULT '0',
			monthly_rate TEXT NOT NULL DEFAULT '0',
			stock        BIGINT NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS holdings (
			id           TEXT PRIMARY KEY,
			account_id   TEXT NOT NULL REFERENCES accounts(id),
			asset_id     TEXT NOT NULL,
			type         TEXT NOT NULL,
			base_rate    TEXT NOT NULL DEFAULT '0',
			monthly_rate TEXT NOT NULL DEFAULT '0',
			status       TEXT NOT NULL DEFAULT 'active',
			purchased_ms BIGINT NOT NULL,
			expired_ms   BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_holdings_account ON holdings(account_id, status)`,

		`CREATE TABLE IF NOT EXISTS economy_state (
			id                  INTEGER PRIMARY KEY CHECK (id = 1),
			market_demand_index TEXT NOT NULL DEFAULT '1',
			season_modifier     TEXT NOT NULL DEFAULT '1',
			inflation_rate      TEXT NOT NULL DEFAULT '0',
			updated_ms          BIGINT NOT NULL DEFAULT 0
		)`,
		`INSERT INTO economy_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,

		`CREATE TABLE IF NOT EXISTS collections (
			request_id         TEXT PRIMARY KEY,
			account_id         TEXT NOT NULL,
			credited           TEXT NOT NULL,
			balance_after      TEXT NOT NULL,
			window_start_ms    BIGINT NOT NULL,
			collected_ms       BIGINT NOT NULL,
			device_fingerprint TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_collections_account ON collections(account_id, collected_ms)`,

		`CREATE TABLE IF NOT EXISTS device_records (
			account_id    TEXT PRIMARY KEY,
			fingerprint   TEXT NOT NULL,
			registered_ms BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS security_events (
			id            TEXT PRIMARY KEY,
			account_id    TEXT NOT NULL,
			kind          TEXT NOT NULL,
			observed_hash TEXT NOT NULL DEFAULT '',
			expected_hash TEXT NOT NULL DEFAULT '',
			occurred_ms   BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_account ON security_events(account_id, occurred_ms)`,

		`CREATE TABLE IF NOT EXISTS pending_collections (
			account_id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			created_ms BIGINT NOT NULL
		)`,
	}
}

func toMS(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
