// Package sqlite provides the durable SQLite-backed implementations of the
// outbound storage ports, using the pure-Go modernc driver.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// schema is applied on every open; all statements are idempotent.
//
// The receipts table carries RAISE(ABORT) triggers: receipts are write-once
// at the storage layer, not just by convention.
const schema = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
	scope_id       TEXT PRIMARY KEY,
	hard_limit     REAL NOT NULL,
	soft_limit     REAL NOT NULL DEFAULT 0,
	reserved_total REAL NOT NULL DEFAULT 0,
	settled_total  REAL NOT NULL DEFAULT 0,
	currency       TEXT NOT NULL DEFAULT 'USD'
);

CREATE TABLE IF NOT EXISTS ledger_reservations (
	request_id      TEXT PRIMARY KEY,
	state           TEXT NOT NULL,
	amount_reserved REAL NOT NULL,
	amount_settled  REAL NOT NULL DEFAULT 0,
	scopes          TEXT NOT NULL,
	expires_at      INTEGER NOT NULL,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_expiry
	ON ledger_reservations(state, expires_at);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id   TEXT NOT NULL,
	entry_type   TEXT NOT NULL,
	scope_id     TEXT NOT NULL,
	amount       REAL NOT NULL,
	status       TEXT NOT NULL,
	reason_codes TEXT,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_request ON ledger_entries(request_id);

CREATE TABLE IF NOT EXISTS chain_state (
	scope_id        TEXT PRIMARY KEY,
	last_hash       TEXT NOT NULL,
	last_receipt_id TEXT NOT NULL,
	sequence        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS receipts (
	receipt_id TEXT PRIMARY KEY,
	scope_id   TEXT NOT NULL,
	sequence   INTEGER NOT NULL,
	hash       TEXT NOT NULL,
	body       TEXT NOT NULL,
	UNIQUE(scope_id, sequence)
);
CREATE TRIGGER IF NOT EXISTS receipts_no_update
	BEFORE UPDATE ON receipts
BEGIN
	SELECT RAISE(ABORT, 'receipts are write-once');
END;
CREATE TRIGGER IF NOT EXISTS receipts_no_delete
	BEFORE DELETE ON receipts
BEGIN
	SELECT RAISE(ABORT, 'receipts are write-once');
END;

CREATE TABLE IF NOT EXISTS api_keys (
	key_id     TEXT PRIMARY KEY,
	prefix     TEXT NOT NULL,
	hash       TEXT NOT NULL,
	tenant     TEXT NOT NULL,
	agent      TEXT NOT NULL,
	role       TEXT NOT NULL,
	disabled   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix);

CREATE TABLE IF NOT EXISTS pricing_tiers (
	provider        TEXT NOT NULL,
	model           TEXT NOT NULL,
	endpoint        TEXT NOT NULL,
	input_price     REAL NOT NULL DEFAULT 0,
	output_price    REAL NOT NULL DEFAULT 0,
	flat_fee        REAL NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL DEFAULT 'USD',
	output_estimate INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY(provider, model, endpoint)
);

CREATE TABLE IF NOT EXISTS pricing_tools (
	tool_name TEXT PRIMARY KEY,
	provider  TEXT NOT NULL,
	model     TEXT NOT NULL,
	endpoint  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_rules (
	tenant_id  TEXT PRIMARY KEY,
	version    TEXT,
	body       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store owns the database handle shared by the port implementations.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives an ephemeral database.
//
// _txlock=immediate makes every transaction take the write lock up front, so
// concurrent reserve/settle transactions serialize instead of failing with
// SQLITE_BUSY at commit time.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and for ":memory:"
	// every connection would otherwise get its own empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("sqlite store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// DB exposes the handle for the port implementations in this package.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
