// Package store implements the transactional entity Store (§4.A) backing
// orders, trades, holdings, state logs, and idempotency keys, following the
// teacher's SQLiteStore: a thin wrapper over database/sql with WAL mode and
// explicit transaction boundaries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ordercore/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id        TEXT PRIMARY KEY,
	investor_id     INTEGER NOT NULL,
	asset_id        INTEGER NOT NULL,
	side            TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	price           TEXT,
	status          TEXT NOT NULL,
	idempotency_key TEXT UNIQUE,
	reject_reason   TEXT,
	ordered_at      INTEGER NOT NULL,
	executed_at     INTEGER,
	settled_at      INTEGER
);

CREATE TABLE IF NOT EXISTS trades (
	trade_id        TEXT PRIMARY KEY,
	order_id        TEXT NOT NULL UNIQUE,
	investor_id     INTEGER NOT NULL,
	asset_id        INTEGER NOT NULL,
	quantity        TEXT NOT NULL,
	execution_price TEXT NOT NULL,
	side            TEXT NOT NULL,
	traded_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS holdings (
	investor_id  INTEGER NOT NULL,
	asset_id     INTEGER NOT NULL,
	quantity     TEXT NOT NULL,
	average_cost TEXT NOT NULL,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (investor_id, asset_id)
);

CREATE TABLE IF NOT EXISTS order_state_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id    TEXT NOT NULL,
	from_status TEXT,
	to_status   TEXT NOT NULL,
	reason      TEXT,
	logged_by   TEXT NOT NULL,
	logged_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_logs_order ON order_state_logs(order_id);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_investor ON orders(investor_id, ordered_at);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status, settled_at);
`

// SQLiteStore implements core.Store over a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dbPath, enables WAL mode, and ensures the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Begin starts a new transaction. SQLite serializes writers at the
// connection level; combined with sql.LevelSerializable this is sufficient
// to prevent two concurrent sells of the same holding from both observing
// a pre-decrement quantity (§4.A isolation requirement).
func (s *SQLiteStore) Begin(ctx context.Context) (core.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database connection is alive, for health checks.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

func unixToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func timeToUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
