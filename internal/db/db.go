// Package db provides the centralized database connection and schema for the gateway.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// Settings - single-row key/value configuration (bridge_host, application_key, ...)
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create settings table: %w", err)
	}

	// Resources - durable mirror of bridge resources, used to warm the cache at startup
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS resources (
			rid TEXT PRIMARY KEY,
			rtype TEXT NOT NULL,
			name TEXT,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_resources_rtype ON resources(rtype);
	`)
	if err != nil {
		return fmt.Errorf("failed to create resources table: %w", err)
	}

	// Idempotency records - at most one row per (credential, key).
	// The INSERT OR IGNORE claim against this primary key is what guarantees
	// a single execution attempt per key.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS idempotency (
			credential_fingerprint TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			action TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			response_status_code INTEGER,
			response_json TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (credential_fingerprint, idempotency_key)
		);
		CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency(expires_at);
		CREATE INDEX IF NOT EXISTS idx_idempotency_updated ON idempotency(updated_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create idempotency table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
