package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/marcus/tether/internal/models"
)

const recordColumns = `entity_type, local_id, data, created_at, updated_at, deleted, phase, remote_id, synced_at`

func scanRecord(s rowScanner) (*models.Record, error) {
	var (
		r                           models.Record
		et, data, phase, remoteID   string
		createdAt, updatedAt, synct string
		deleted                     int
	)
	if err := s.Scan(&et, &r.LocalID, &data, &createdAt, &updatedAt, &deleted, &phase, &remoteID, &synct); err != nil {
		return nil, err
	}
	r.EntityType = models.EntityType(et)
	r.Data = json.RawMessage(data)
	r.Deleted = deleted != 0

	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("record %s: %w", r.Key(), err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("record %s: %w", r.Key(), err)
	}

	r.Mark = models.PendingMark(remoteID)
	if models.Phase(phase) == models.PhaseSynced {
		syncedAt, err := parseTime(synct)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", r.Key(), err)
		}
		// a synced row without a remote id is treated as pending
		if m, err := models.SyncedMark(remoteID, syncedAt); err == nil {
			r.Mark = m
		}
	}
	return &r, nil
}

// GetRecord returns the record for key, or nil when absent
func (db *DB) GetRecord(key models.Key) (*models.Record, error) {
	r, err := scanRecord(db.conn.QueryRow(`SELECT `+recordColumns+` FROM records WHERE entity_type = ? AND local_id = ?`,
		string(key.Type), key.LocalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// PutRecord inserts or replaces a record
func (db *DB) PutRecord(r models.Record) error {
	return db.WithLock(func() error {
		return putRecord(db.conn, r)
	})
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func putRecord(e execer, r models.Record) error {
	deleted := 0
	if r.Deleted {
		deleted = 1
	}
	data := string(r.Data)
	if data == "" {
		data = "null"
	}
	_, err := e.Exec(`
		INSERT OR REPLACE INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(r.EntityType), r.LocalID, data, formatTime(r.CreatedAt), formatTime(r.UpdatedAt), deleted,
		string(r.Mark.Phase()), r.Mark.RemoteID(), formatTime(r.Mark.SyncedAt()))
	if err != nil {
		return fmt.Errorf("put record %s: %w", r.Key(), err)
	}
	return nil
}

// DeleteRecord removes a record. Deleting a missing record is not an error.
func (db *DB) DeleteRecord(key models.Key) error {
	return db.WithLock(func() error {
		_, err := db.conn.Exec(`DELETE FROM records WHERE entity_type = ? AND local_id = ?`,
			string(key.Type), key.LocalID)
		return err
	})
}

// ListRecords returns every record, tombstones included
func (db *DB) ListRecords() ([]models.Record, error) {
	return db.queryRecords(`SELECT ` + recordColumns + ` FROM records ORDER BY entity_type, created_at, local_id`)
}

// ListRecordsByType returns live (non-deleted) records of one entity type
func (db *DB) ListRecordsByType(et models.EntityType) ([]models.Record, error) {
	return db.queryRecords(`SELECT `+recordColumns+` FROM records WHERE entity_type = ? AND deleted = 0 ORDER BY created_at, local_id`,
		string(et))
}

// CountPendingRecords returns how many records are not yet confirmed remotely
func (db *DB) CountPendingRecords() (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM records WHERE phase != ?`, string(models.PhaseSynced)).Scan(&n)
	return n, err
}

func (db *DB) queryRecords(query string, args ...any) ([]models.Record, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// PutRecords writes a batch of records in one transaction
func (db *DB) PutRecords(rs []models.Record) error {
	if len(rs) == 0 {
		return nil
	}
	return db.WithLock(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		for _, r := range rs {
			if err := putRecord(tx, r); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}
