package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/marcus/tether/internal/models"
)

const conflictColumns = `id, entity_type, entity_id, local_id, local_data, remote_data, local_updated_at, remote_updated_at, local_deleted, remote_deleted, detected_at`

func scanConflict(s rowScanner) (*models.Conflict, error) {
	var (
		c                         models.Conflict
		et                        string
		localData, remoteData     sql.NullString
		localAt, remoteAt, seenAt string
	)
	if err := s.Scan(&c.ID, &et, &c.EntityID, &c.LocalID, &localData, &remoteData, &localAt, &remoteAt, &c.LocalDeleted, &c.RemoteDeleted, &seenAt); err != nil {
		return nil, err
	}
	c.EntityType = models.EntityType(et)
	if localData.Valid {
		c.LocalData = json.RawMessage(localData.String)
	}
	if remoteData.Valid {
		c.RemoteData = json.RawMessage(remoteData.String)
	}
	var err error
	if c.LocalUpdatedAt, err = parseTime(localAt); err != nil {
		return nil, fmt.Errorf("conflict %s: %w", c.ID, err)
	}
	if c.RemoteUpdatedAt, err = parseTime(remoteAt); err != nil {
		return nil, fmt.Errorf("conflict %s: %w", c.ID, err)
	}
	if c.DetectedAt, err = parseTime(seenAt); err != nil {
		return nil, fmt.Errorf("conflict %s: %w", c.ID, err)
	}
	return &c, nil
}

// ListConflicts returns outstanding conflicts, oldest first
func (db *DB) ListConflicts() ([]models.Conflict, error) {
	rows, err := db.conn.Query(`SELECT ` + conflictColumns + ` FROM conflicts ORDER BY detected_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetConflict returns the conflict with id, or nil when absent. A unique id
// prefix is accepted.
func (db *DB) GetConflict(id string) (*models.Conflict, error) {
	c, err := scanConflict(db.conn.QueryRow(`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id))
	if err == nil {
		return c, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	rows, err := db.conn.Query(`SELECT `+conflictColumns+` FROM conflicts WHERE id LIKE ? LIMIT 2`, id+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var matches []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	}
	return nil, fmt.Errorf("conflict id %q is ambiguous", id)
}

// SaveConflicts stores conflicts. A newer conflict for the same entity
// supersedes the stored one.
func (db *DB) SaveConflicts(cs []models.Conflict) error {
	if len(cs) == 0 {
		return nil
	}
	return db.WithLock(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		for _, c := range cs {
			_, err := tx.Exec(`
				INSERT OR REPLACE INTO conflicts (`+conflictColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, c.ID, string(c.EntityType), c.EntityID, c.LocalID, nullString(c.LocalData), nullString(c.RemoteData),
				formatTime(c.LocalUpdatedAt), formatTime(c.RemoteUpdatedAt), c.LocalDeleted, c.RemoteDeleted, formatTime(c.DetectedAt))
			if err != nil {
				tx.Rollback()
				return fmt.Errorf("save conflict %s: %w", c.Key(), err)
			}
		}
		return tx.Commit()
	})
}

// DeleteConflict removes a conflict. Deleting a missing id is not an error.
func (db *DB) DeleteConflict(id string) error {
	return db.WithLock(func() error {
		_, err := db.conn.Exec(`DELETE FROM conflicts WHERE id = ?`, id)
		return err
	})
}
