package db

import (
	"database/sql"
	"fmt"

	"github.com/marcus/tether/internal/models"
)

// maxHistoryRows bounds the sync_history table
const maxHistoryRows = 1000

// RecordHistory batch-inserts sync history entries and prunes old rows
func (db *DB) RecordHistory(entries []models.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return db.WithLock(func() error {
		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		if err := recordHistoryTx(tx, entries); err != nil {
			tx.Rollback()
			return err
		}
		if err := pruneHistory(tx, maxHistoryRows); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func recordHistoryTx(tx *sql.Tx, entries []models.HistoryEntry) error {
	stmt, err := tx.Prepare(`
		INSERT INTO sync_history (direction, operation, entity_type, local_id, entity_id, device_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.Exec(e.Direction, string(e.Operation), string(e.EntityType), e.LocalID, e.EntityID,
			e.DeviceID, formatTime(e.Timestamp))
		if err != nil {
			return fmt.Errorf("record history: %w", err)
		}
	}
	return nil
}

func pruneHistory(tx *sql.Tx, maxRows int) error {
	_, err := tx.Exec(`
		DELETE FROM sync_history WHERE id NOT IN (
			SELECT id FROM sync_history ORDER BY id DESC LIMIT ?
		)
	`, maxRows)
	return err
}

// HistoryTail returns the last N entries in chronological order (oldest first)
func (db *DB) HistoryTail(limit int) ([]models.HistoryEntry, error) {
	rows, err := db.conn.Query(`
		SELECT id, direction, operation, entity_type, local_id, entity_id, device_id, timestamp
		FROM sync_history
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var (
			e      models.HistoryEntry
			op, et string
			ts     string
		)
		if err := rows.Scan(&e.ID, &e.Direction, &op, &et, &e.LocalID, &e.EntityID, &e.DeviceID, &ts); err != nil {
			return nil, err
		}
		e.Operation = models.Operation(op)
		e.EntityType = models.EntityType(et)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
