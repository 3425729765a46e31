package sqlite

import "database/sql"

// schema sets up the local ledger. It runs on every open, so every statement
// must be idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    identity TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    balance INTEGER NOT NULL DEFAULT 0,
    pin_hash TEXT NOT NULL,
    last_synced_revision INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    identity TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    kind TEXT NOT NULL,
    amount INTEGER NOT NULL,
    fee INTEGER NOT NULL DEFAULT 0 CHECK (fee >= 0),
    counterparty_ref TEXT,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    confirmed_revision INTEGER,
    failure_reason TEXT,
    UNIQUE (identity, idempotency_key),
    FOREIGN KEY (identity) REFERENCES accounts(identity) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS pending_operations (
    id TEXT PRIMARY KEY,
    identity TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    payload BLOB NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    created_at INTEGER NOT NULL,
    UNIQUE (identity, idempotency_key),
    FOREIGN KEY (identity, idempotency_key) REFERENCES transactions(identity, idempotency_key) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS idempotency_records (
    identity TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    status TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    outcome BLOB,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (identity, idempotency_key),
    FOREIGN KEY (identity) REFERENCES accounts(identity) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_transactions_identity_seq ON transactions(identity, seq);
CREATE INDEX IF NOT EXISTS idx_transactions_identity_status ON transactions(identity, status);
CREATE INDEX IF NOT EXISTS idx_pending_operations_identity ON pending_operations(identity, id);
CREATE INDEX IF NOT EXISTS idx_idempotency_records_status ON idempotency_records(status, updated_at);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
