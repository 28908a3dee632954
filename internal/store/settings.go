// Package store contains the sqlite-backed row stores used by the gateway:
// settings, durable resource rows, and idempotency records.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Well-known setting keys.
const (
	SettingBridgeHost        = "bridge_host"
	SettingApplicationKey    = "application_key"
	SettingInventoryRevision = "inventory_revision"
)

// Settings is a persistent key/value store for gateway configuration.
type Settings struct {
	db *sql.DB
}

// NewSettings creates a settings store over an open database.
func NewSettings(db *sql.DB) *Settings {
	return &Settings{db: db}
}

// Get returns the value for key, or "" if the key is not set.
func (s *Settings) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %q: %w", key, err)
	}
	return value, nil
}

// GetInt returns the integer value for key, or def when unset or malformed.
func (s *Settings) GetInt(key string, def int64) (int64, error) {
	value, err := s.Get(key)
	if err != nil {
		return def, err
	}
	if value == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def, nil
	}
	return n, nil
}

// Set stores the value for key, replacing any previous value.
func (s *Settings) Set(key, value string) error {
	now := time.Now().UTC().Unix()
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set setting %q: %w", key, err)
	}
	return nil
}

// SetInt stores an integer value for key.
func (s *Settings) SetInt(key string, value int64) error {
	return s.Set(key, strconv.FormatInt(value, 10))
}

// BumpInt atomically increments an integer setting and returns the new
// value. A single statement so concurrent bumps from different connections
// cannot lose increments.
func (s *Settings) BumpInt(key string) (int64, error) {
	now := time.Now().UTC().Unix()
	var next int64
	err := s.db.QueryRow(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, '1', ?)
		ON CONFLICT(key) DO UPDATE SET
			value = CAST(CAST(value AS INTEGER) + 1 AS TEXT),
			updated_at = excluded.updated_at
		RETURNING value
	`, key, now).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to bump setting %q: %w", key, err)
	}
	return next, nil
}
