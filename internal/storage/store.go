// Package storage provides the SQLite-backed repositories behind the
// engine: per-user rule documents, encrypted broker accounts, and the
// append-only trade log.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_rules (
	user_id    TEXT PRIMARY KEY,
	version    TEXT NOT NULL,
	document   TEXT NOT NULL,
	checksum   BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS broker_accounts (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	broker_id        TEXT NOT NULL,
	api_key          TEXT NOT NULL,
	api_secret       TEXT NOT NULL DEFAULT '',
	access_token     TEXT NOT NULL DEFAULT '',
	refresh_token    TEXT NOT NULL DEFAULT '',
	token_expires_at INTEGER,
	is_active        INTEGER NOT NULL DEFAULT 1,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	UNIQUE(user_id, broker_id)
);

CREATE TABLE IF NOT EXISTS trade_log (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	exchange      TEXT NOT NULL,
	side          TEXT NOT NULL,
	quantity      INTEGER NOT NULL,
	price         REAL NOT NULL,
	order_id      TEXT NOT NULL DEFAULT '',
	order_type    TEXT NOT NULL,
	trigger_type  TEXT NOT NULL DEFAULT '',
	trigger_price REAL NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trade_log_user ON trade_log(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_broker_accounts_user ON broker_accounts(user_id);
`

// Store owns the SQLite handle shared by the repositories.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path, switches it to
// WAL mode, and bootstraps the schema.
func Open(path string, busyTimeoutMS int) (*Store, error) {
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on", path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Ping verifies the database is reachable. Wired into the health manager.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Rules returns the rules repository backed by this store.
func (s *Store) Rules() *RulesRepository {
	return &RulesRepository{db: s.db}
}

// BrokerAccounts returns the broker account repository backed by this store.
func (s *Store) BrokerAccounts() *BrokerAccountRepository {
	return &BrokerAccountRepository{db: s.db}
}

// TradeLog returns the trade log repository backed by this store.
func (s *Store) TradeLog() *TradeLogRepository {
	return &TradeLogRepository{db: s.db}
}

func (s *Store) Close() error {
	return s.db.Close()
}
