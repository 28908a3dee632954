package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ResourceRow is a durable copy of a bridge resource.
type ResourceRow struct {
	RID       string
	RType     string
	Name      string // empty when the bridge reports no name
	Payload   []byte // raw JSON as received
	UpdatedAt int64
}

// Resources persists bridge resource rows so the cache can be warmed
// before the bridge answers on startup.
type Resources struct {
	db *sql.DB
}

// NewResources creates a resource store over an open database.
func NewResources(db *sql.DB) *Resources {
	return &Resources{db: db}
}

// Upsert inserts or replaces a resource row.
func (r *Resources) Upsert(row ResourceRow) error {
	if row.UpdatedAt == 0 {
		row.UpdatedAt = time.Now().UTC().Unix()
	}
	_, err := r.db.Exec(`
		INSERT INTO resources (rid, rtype, name, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(rid) DO UPDATE SET
			rtype = excluded.rtype,
			name = excluded.name,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, row.RID, row.RType, row.Name, string(row.Payload), row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert resource %q: %w", row.RID, err)
	}
	return nil
}

// Delete removes a resource row.
func (r *Resources) Delete(rid string) error {
	_, err := r.db.Exec(`DELETE FROM resources WHERE rid = ?`, rid)
	if err != nil {
		return fmt.Errorf("failed to delete resource %q: %w", rid, err)
	}
	return nil
}

// Get returns a resource row by id, or nil if absent.
func (r *Resources) Get(rid string) (*ResourceRow, error) {
	row := &ResourceRow{}
	var payload string
	err := r.db.QueryRow(`
		SELECT rid, rtype, name, payload, updated_at FROM resources WHERE rid = ?
	`, rid).Scan(&row.RID, &row.RType, &row.Name, &payload, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource %q: %w", rid, err)
	}
	row.Payload = []byte(payload)
	return row, nil
}

// ListByType returns all resource rows of the given type.
func (r *Resources) ListByType(rtype string) ([]ResourceRow, error) {
	rows, err := r.db.Query(`
		SELECT rid, rtype, name, payload, updated_at FROM resources WHERE rtype = ?
	`, rtype)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources of type %q: %w", rtype, err)
	}
	defer rows.Close()

	var result []ResourceRow
	for rows.Next() {
		var row ResourceRow
		var payload string
		if err := rows.Scan(&row.RID, &row.RType, &row.Name, &payload, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource row: %w", err)
		}
		row.Payload = []byte(payload)
		result = append(result, row)
	}
	return result, rows.Err()
}

// ListAll returns every stored resource row.
func (r *Resources) ListAll() ([]ResourceRow, error) {
	rows, err := r.db.Query(`SELECT rid, rtype, name, payload, updated_at FROM resources`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var result []ResourceRow
	for rows.Next() {
		var row ResourceRow
		var payload string
		if err := rows.Scan(&row.RID, &row.RType, &row.Name, &payload, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource row: %w", err)
		}
		row.Payload = []byte(payload)
		result = append(result, row)
	}
	return result, rows.Err()
}
