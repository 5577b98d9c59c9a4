// Package ledger is the durable, single-writer, multi-reader transactional
// store (C1) backing the orders and trades tables. It guarantees at-most-once
// order effect per client_id and full reconstructability of open trades after
// restart. Grounded on the teacher's internal/storage package: same
// *sql.DB-over-sqlite3 construction (WAL journal mode, single-writer pool),
// same sync.RWMutex bracketing every statement, same embedded-schema-string
// init pattern — generalized from the teacher's swap-order schema to the
// order/trade lifecycle in trade_ledger.py.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Ledger is the durable store for orders and trades.
type Ledger struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates (or reuses) the sqlite file at path and initializes the
// schema. WAL + a single-connection pool mirror the teacher's storage.New:
// sqlite only supports one writer, so there is no benefit to a wider pool
// and every benefit to avoiding "database is locked" races.
func Open(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("ledger: create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}
	return l, nil
}

// Close releases the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		client_id  TEXT PRIMARY KEY,
		broker     TEXT NOT NULL,
		symbol     TEXT NOT NULL,
		role       TEXT NOT NULL,
		side       TEXT NOT NULL,
		status     TEXT NOT NULL,
		order_id   TEXT,
		payload    TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_broker_symbol ON orders(broker, symbol);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

	CREATE TABLE IF NOT EXISTS trades (
		trade_id        TEXT PRIMARY KEY,
		strategy_id     TEXT NOT NULL DEFAULT '',
		broker          TEXT NOT NULL,
		symbol          TEXT NOT NULL,
		side            TEXT NOT NULL,
		signal_id       TEXT NOT NULL DEFAULT '',
		entry_client_id TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		entry_price     REAL,
		entry_qty       REAL,
		exit_price      REAL,
		exit_reason     TEXT,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_broker_symbol ON trades(broker, symbol);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
	`
	_, err := l.db.Exec(schema)
	return err
}
