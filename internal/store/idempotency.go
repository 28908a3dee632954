package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Idempotency record statuses.
const (
	IdemInProgress = "in_progress"
	IdemCompleted  = "completed"
)

// IdemRecord is the stored outcome (or in-flight marker) of a keyed action.
type IdemRecord struct {
	CredentialFingerprint string
	Key                   string
	Action                string
	RequestHash           string
	Status                string
	ResponseStatusCode    int
	ResponseJSON          string
	CreatedAt             int64
	UpdatedAt             int64
	ExpiresAt             int64
}

// IdempotencyStore is a bounded, time-expiring record store keyed by
// (credential fingerprint, idempotency key).
type IdempotencyStore struct {
	db      *sql.DB
	ttl     time.Duration
	maxRows int

	now func() time.Time // injectable for tests
}

// NewIdempotencyStore creates an idempotency store over an open database.
func NewIdempotencyStore(db *sql.DB, ttl time.Duration, maxRows int) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if maxRows <= 0 {
		maxRows = 5000
	}
	return &IdempotencyStore{db: db, ttl: ttl, maxRows: maxRows, now: time.Now}
}

// Get returns the record for (credentialFP, key), or nil when absent or expired.
func (s *IdempotencyStore) Get(credentialFP, key string) (*IdemRecord, error) {
	rec := &IdemRecord{}
	var statusCode sql.NullInt64
	var responseJSON sql.NullString
	err := s.db.QueryRow(`
		SELECT credential_fingerprint, idempotency_key, action, request_hash, status,
		       response_status_code, response_json, created_at, updated_at, expires_at
		FROM idempotency
		WHERE credential_fingerprint = ? AND idempotency_key = ?
	`, credentialFP, key).Scan(
		&rec.CredentialFingerprint, &rec.Key, &rec.Action, &rec.RequestHash, &rec.Status,
		&statusCode, &responseJSON, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	if rec.ExpiresAt <= s.now().UTC().Unix() {
		// Expired rows are invisible; the sweeper removes them later.
		return nil, nil
	}
	if statusCode.Valid {
		rec.ResponseStatusCode = int(statusCode.Int64)
	}
	if responseJSON.Valid {
		rec.ResponseJSON = responseJSON.String
	}
	return rec, nil
}

// Claim inserts an in-progress record for (credentialFP, key) if none exists.
// Returns the current record and whether this call inserted it. The insert is
// atomic against the primary key, so exactly one caller wins a given key.
func (s *IdempotencyStore) Claim(credentialFP, key, action, requestHash string) (*IdemRecord, bool, error) {
	now := s.now().UTC().Unix()
	expiresAt := now + int64(s.ttl.Seconds())

	// A leftover expired row would block the insert; clear it first.
	_, err := s.db.Exec(`
		DELETE FROM idempotency
		WHERE credential_fingerprint = ? AND idempotency_key = ? AND expires_at <= ?
	`, credentialFP, key, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to clear expired idempotency record: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO idempotency (
			credential_fingerprint, idempotency_key, action, request_hash, status,
			response_status_code, response_json, created_at, updated_at, expires_at
		) VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?)
	`, credentialFP, key, action, requestHash, IdemInProgress, now, now, expiresAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	affected, _ := res.RowsAffected()
	inserted := affected == 1

	rec := &IdemRecord{}
	var statusCode sql.NullInt64
	var responseJSON sql.NullString
	err = s.db.QueryRow(`
		SELECT credential_fingerprint, idempotency_key, action, request_hash, status,
		       response_status_code, response_json, created_at, updated_at, expires_at
		FROM idempotency
		WHERE credential_fingerprint = ? AND idempotency_key = ?
	`, credentialFP, key).Scan(
		&rec.CredentialFingerprint, &rec.Key, &rec.Action, &rec.RequestHash, &rec.Status,
		&statusCode, &responseJSON, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read back idempotency record: %w", err)
	}
	if statusCode.Valid {
		rec.ResponseStatusCode = int(statusCode.Int64)
	}
	if responseJSON.Valid {
		rec.ResponseJSON = responseJSON.String
	}
	return rec, inserted, nil
}

// Complete stores the terminal response for a claimed key.
func (s *IdempotencyStore) Complete(credentialFP, key, action, requestHash string, statusCode int, responseJSON string) error {
	now := s.now().UTC().Unix()
	expiresAt := now + int64(s.ttl.Seconds())
	_, err := s.db.Exec(`
		UPDATE idempotency
		SET action = ?, request_hash = ?, status = ?,
		    response_status_code = ?, response_json = ?, updated_at = ?, expires_at = ?
		WHERE credential_fingerprint = ? AND idempotency_key = ?
	`, action, requestHash, IdemCompleted, statusCode, responseJSON, now, expiresAt, credentialFP, key)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	return nil
}

// Release removes a claimed record without storing a result. Used when the
// execution never produced a terminal outcome (e.g. process-local panic).
func (s *IdempotencyStore) Release(credentialFP, key string) error {
	_, err := s.db.Exec(`
		DELETE FROM idempotency
		WHERE credential_fingerprint = ? AND idempotency_key = ? AND status = ?
	`, credentialFP, key, IdemInProgress)
	if err != nil {
		return fmt.Errorf("failed to release idempotency record: %w", err)
	}
	return nil
}

// CleanupExpired removes expired rows and trims the table to maxRows,
// oldest first. Returns the number of rows removed.
func (s *IdempotencyStore) CleanupExpired() (int64, error) {
	now := s.now().UTC().Unix()

	res, err := s.db.Exec(`DELETE FROM idempotency WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency rows: %w", err)
	}
	deleted, _ := res.RowsAffected()

	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM idempotency`).Scan(&count); err != nil {
		return deleted, fmt.Errorf("failed to count idempotency rows: %w", err)
	}
	if count > int64(s.maxRows) {
		toDelete := count - int64(s.maxRows)
		_, err := s.db.Exec(`
			DELETE FROM idempotency
			WHERE rowid IN (
				SELECT rowid FROM idempotency
				ORDER BY updated_at ASC
				LIMIT ?
			)
		`, toDelete)
		if err != nil {
			return deleted, fmt.Errorf("failed to trim idempotency rows: %w", err)
		}
		deleted += toDelete
	}

	return deleted, nil
}
