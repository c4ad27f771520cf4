package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/queue"
)

// The change queue methods below implement queue.Backend. They do not take
// the write lock themselves; the queue wraps mutations in WithLock.

var _ queue.Backend = (*DB)(nil)

const changeColumns = `id, entity_type, entity_id, local_id, operation, payload, created_at, retry_count, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(s rowScanner) (*models.QueuedChange, error) {
	var (
		c         models.QueuedChange
		et, op    string
		payload   sql.NullString
		createdAt string
	)
	if err := s.Scan(&c.ID, &et, &c.EntityID, &c.LocalID, &op, &payload, &createdAt, &c.RetryCount, &c.LastError); err != nil {
		return nil, err
	}
	c.EntityType = models.EntityType(et)
	c.Operation = models.Operation(op)
	if payload.Valid {
		c.Payload = json.RawMessage(payload.String)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("queued change %d: %w", c.ID, err)
	}
	c.CreatedAt = t
	return &c, nil
}

// FindChange returns the queued change for key, or nil
func (db *DB) FindChange(key models.Key) (*models.QueuedChange, error) {
	row := db.conn.QueryRow(`SELECT `+changeColumns+` FROM change_queue WHERE entity_type = ? AND local_id = ?`,
		string(key.Type), key.LocalID)
	c, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetChange returns the queued change with id, or nil
func (db *DB) GetChange(id int64) (*models.QueuedChange, error) {
	c, err := scanChange(db.conn.QueryRow(`SELECT `+changeColumns+` FROM change_queue WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// InsertChange appends a change and sets its ID
func (db *DB) InsertChange(c *models.QueuedChange) (int64, error) {
	res, err := db.conn.Exec(`
		INSERT INTO change_queue (entity_type, entity_id, local_id, operation, payload, created_at, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(c.EntityType), c.EntityID, c.LocalID, string(c.Operation), nullString(c.Payload),
		formatTime(c.CreatedAt), c.RetryCount, c.LastError)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

// UpdateChange rewrites a change in place, keeping its ID
func (db *DB) UpdateChange(c *models.QueuedChange) error {
	_, err := db.conn.Exec(`
		UPDATE change_queue
		SET entity_id = ?, operation = ?, payload = ?, created_at = ?, retry_count = ?, last_error = ?
		WHERE id = ?
	`, c.EntityID, string(c.Operation), nullString(c.Payload), formatTime(c.CreatedAt),
		c.RetryCount, c.LastError, c.ID)
	return err
}

// DeleteChange removes a change. Deleting a missing id is not an error.
func (db *DB) DeleteChange(id int64) error {
	_, err := db.conn.Exec(`DELETE FROM change_queue WHERE id = ?`, id)
	return err
}

// ListChanges returns every queued change in insertion order
func (db *DB) ListChanges() ([]models.QueuedChange, error) {
	rows, err := db.conn.Query(`SELECT ` + changeColumns + ` FROM change_queue ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.QueuedChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
