package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	keyWatermark    = "watermark"
	keyLastSyncedAt = "last_synced_at"
	keyDeviceID     = "device_id"
)

func (db *DB) getState(key string) (string, error) {
	var v string
	err := db.conn.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (db *DB) setState(key, value string) error {
	return db.WithLock(func() error {
		_, err := db.conn.Exec(`INSERT OR REPLACE INTO sync_state (key, value) VALUES (?, ?)`, key, value)
		return err
	})
}

func (db *DB) getTime(key string) (*time.Time, error) {
	v, err := db.getState(key)
	if err != nil || v == "" {
		return nil, err
	}
	t, err := parseTime(v)
	if err != nil {
		return nil, fmt.Errorf("sync state %s: %w", key, err)
	}
	return &t, nil
}

// Watermark returns the pull watermark used for conflict detection, nil
// before the first completed pull.
func (db *DB) Watermark() (*time.Time, error) {
	return db.getTime(keyWatermark)
}

// SetWatermark advances the pull watermark
func (db *DB) SetWatermark(t time.Time) error {
	return db.setState(keyWatermark, formatTime(t))
}

// LastSyncedAt returns when the last successful cycle completed, nil if never
func (db *DB) LastSyncedAt() (*time.Time, error) {
	return db.getTime(keyLastSyncedAt)
}

// SetLastSyncedAt records a successful cycle
func (db *DB) SetLastSyncedAt(t time.Time) error {
	return db.setState(keyLastSyncedAt, formatTime(t))
}

// ResetWatermark forgets the pull watermark so the next pull is a full pull
func (db *DB) ResetWatermark() error {
	return db.WithLock(func() error {
		_, err := db.conn.Exec(`DELETE FROM sync_state WHERE key = ?`, keyWatermark)
		return err
	})
}

// DeviceID returns this installation's device id, generating one on first use
func (db *DB) DeviceID() (string, error) {
	id, err := db.getState(keyDeviceID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	err = db.WithLock(func() error {
		// another process may have won the race
		if err := db.conn.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, keyDeviceID).Scan(&id); err == nil {
			return nil
		}
		id = uuid.NewString()
		_, err := db.conn.Exec(`INSERT INTO sync_state (key, value) VALUES (?, ?)`, keyDeviceID, id)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create device id: %w", err)
	}
	return id, nil
}
