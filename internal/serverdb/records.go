package serverdb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/tether/internal/models"
)

var (
	// ErrInvalidChange is returned for changes that can never be applied.
	ErrInvalidChange = errors.New("invalid change")
	// ErrDeleted is returned when a change targets a tombstoned record.
	ErrDeleted = errors.New("entity was deleted")
)

// Change is one client mutation as received by the server.
type Change struct {
	EntityType models.EntityType
	Operation  models.Operation
	LocalID    string
	EntityID   string
	Data       json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Outcome says what ApplyChange did.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeStale means a newer version was already stored and kept.
	OutcomeStale Outcome = "stale"
)

// ApplyResult reports the server identity of the entity a change touched.
type ApplyResult struct {
	EntityID string
	Outcome  Outcome
}

type storedRecord struct {
	entityID  string
	deleted   bool
	updatedAt time.Time
}

func validateChange(c Change) error {
	if !c.EntityType.IsValid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidChange, c.EntityType)
	}
	if c.LocalID == "" {
		return fmt.Errorf("%w: localId is required", ErrInvalidChange)
	}
	switch c.Operation {
	case models.OpCreate, models.OpUpdate:
		if len(c.Data) == 0 || !json.Valid(c.Data) {
			return fmt.Errorf("%w: payload must be valid JSON", ErrInvalidChange)
		}
	case models.OpDelete:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, c.Operation)
	}
	return nil
}

// ApplyChange applies one change for principalID in its own transaction.
// Creates are idempotent per (principal, entity type, local id), an update
// older than the stored version is ignored and deletes leave a tombstone.
// A create newer than a tombstone revives it under the same entity id; an
// update against a tombstone fails with ErrDeleted.
func (db *ServerDB) ApplyChange(principalID, deviceID string, c Change, now time.Time) (*ApplyResult, error) {
	if err := validateChange(c); err != nil {
		return nil, err
	}
	now = now.UTC()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := findRecord(tx, principalID, c)
	if err != nil {
		return nil, err
	}

	var res *ApplyResult
	switch {
	case c.Operation == models.OpDelete:
		res, err = applyDelete(tx, existing, c, deviceID, now)
	case existing == nil:
		res, err = insertRecord(tx, principalID, deviceID, c, now)
	case existing.deleted && c.Operation == models.OpCreate && !c.UpdatedAt.Before(existing.updatedAt):
		res, err = reviveRecord(tx, existing, c, deviceID, now)
	case existing.deleted:
		return nil, fmt.Errorf("%w: %s", ErrDeleted, existing.entityID)
	default:
		res, err = applyUpdate(tx, existing, c, deviceID, now)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// findRecord looks the target up by server id first, then by local id.
func findRecord(tx *sql.Tx, principalID string, c Change) (*storedRecord, error) {
	scan := func(row *sql.Row) (*storedRecord, error) {
		var (
			r       storedRecord
			updated string
		)
		err := row.Scan(&r.entityID, &r.deleted, &updated)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("find record: %w", err)
		}
		if r.updatedAt, err = parseTime(updated); err != nil {
			return nil, fmt.Errorf("find record: parse updated_at: %w", err)
		}
		return &r, nil
	}

	if c.EntityID != "" {
		r, err := scan(tx.QueryRow(
			`SELECT entity_id, deleted, updated_at FROM records WHERE entity_id = ? AND principal_id = ? AND entity_type = ?`,
			c.EntityID, principalID, string(c.EntityType)))
		if err != nil || r != nil {
			return r, err
		}
	}
	return scan(tx.QueryRow(
		`SELECT entity_id, deleted, updated_at FROM records WHERE principal_id = ? AND entity_type = ? AND local_id = ?`,
		principalID, string(c.EntityType), c.LocalID))
}

func insertRecord(tx *sql.Tx, principalID, deviceID string, c Change, now time.Time) (*ApplyResult, error) {
	id := uuid.NewString()
	if _, err := tx.Exec(`
		INSERT INTO records (entity_id, principal_id, entity_type, local_id, data, deleted, created_at, updated_at, synced_at, device_id)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, principalID, string(c.EntityType), c.LocalID, string(c.Data),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt), formatTime(now), deviceID,
	); err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return &ApplyResult{EntityID: id, Outcome: OutcomeCreated}, nil
}

func applyUpdate(tx *sql.Tx, existing *storedRecord, c Change, deviceID string, now time.Time) (*ApplyResult, error) {
	if c.UpdatedAt.Before(existing.updatedAt) {
		return &ApplyResult{EntityID: existing.entityID, Outcome: OutcomeStale}, nil
	}
	if _, err := tx.Exec(
		`UPDATE records SET data = ?, updated_at = ?, synced_at = ?, device_id = ? WHERE entity_id = ?`,
		string(c.Data), formatTime(c.UpdatedAt), formatTime(now), deviceID, existing.entityID,
	); err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	return &ApplyResult{EntityID: existing.entityID, Outcome: OutcomeUpdated}, nil
}

func reviveRecord(tx *sql.Tx, existing *storedRecord, c Change, deviceID string, now time.Time) (*ApplyResult, error) {
	if _, err := tx.Exec(
		`UPDATE records SET data = ?, deleted = 0, updated_at = ?, synced_at = ?, device_id = ? WHERE entity_id = ?`,
		string(c.Data), formatTime(c.UpdatedAt), formatTime(now), deviceID, existing.entityID,
	); err != nil {
		return nil, fmt.Errorf("revive record: %w", err)
	}
	return &ApplyResult{EntityID: existing.entityID, Outcome: OutcomeCreated}, nil
}

func applyDelete(tx *sql.Tx, existing *storedRecord, c Change, deviceID string, now time.Time) (*ApplyResult, error) {
	if existing == nil {
		return &ApplyResult{EntityID: c.EntityID, Outcome: OutcomeUnchanged}, nil
	}
	if existing.deleted {
		return &ApplyResult{EntityID: existing.entityID, Outcome: OutcomeUnchanged}, nil
	}
	updated := c.UpdatedAt
	if updated.Before(existing.updatedAt) {
		updated = existing.updatedAt
	}
	if _, err := tx.Exec(
		`UPDATE records SET data = NULL, deleted = 1, updated_at = ?, synced_at = ?, device_id = ? WHERE entity_id = ?`,
		formatTime(updated), formatTime(now), deviceID, existing.entityID,
	); err != nil {
		return nil, fmt.Errorf("delete record: %w", err)
	}
	return &ApplyResult{EntityID: existing.entityID, Outcome: OutcomeDeleted}, nil
}

// ChangedSince returns the principal's records received after since, oldest
// first, tombstones included. A nil since returns everything. Records last
// written by excludeDevice are left out of incremental results since that
// device already has them.
func (db *ServerDB) ChangedSince(principalID string, since *time.Time, excludeDevice string) ([]models.RemoteRecord, error) {
	query := `SELECT entity_id, entity_type, local_id, data, deleted, created_at, updated_at
		FROM records WHERE principal_id = ?`
	args := []any{principalID}
	if since != nil {
		query += ` AND synced_at > ?`
		args = append(args, formatTime(*since))
		if excludeDevice != "" {
			query += ` AND device_id != ?`
			args = append(args, excludeDevice)
		}
	}
	query += ` ORDER BY synced_at, entity_id`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("changed since: %w", err)
	}
	defer rows.Close()

	var out []models.RemoteRecord
	for rows.Next() {
		var (
			r                models.RemoteRecord
			entityType       string
			data             sql.NullString
			created, updated string
		)
		if err := rows.Scan(&r.EntityID, &entityType, &r.LocalID, &data, &r.Deleted, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.EntityType = models.EntityType(entityType)
		if data.Valid {
			r.Data = json.RawMessage(data.String)
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if r.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("changed since: iterate: %w", err)
	}
	return out, nil
}

// CountRecords returns the number of live records a principal owns.
func (db *ServerDB) CountRecords(principalID string) (int, error) {
	var n int
	if err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM records WHERE principal_id = ? AND deleted = 0`, principalID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
