package db

import (
	"context"
	"fmt"
	"time"
)

const (
	lockFileName   = "tether.lock"
	defaultTimeout = 500 * time.Millisecond
	retryDelay     = 5 * time.Millisecond
)

// WithLock executes fn while holding the exclusive write lock. The lock is
// shared by every process using the same data directory (CLI and watch
// daemon) and is released by the OS if the holder crashes.
func (db *DB) WithLock(fn func() error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	locked, err := db.lock.TryLockContext(ctx, retryDelay)
	if err != nil || !locked {
		return fmt.Errorf("write lock timeout after %v on %s: try again or check for a stuck tether process", defaultTimeout, db.lock.Path())
	}
	defer db.lock.Unlock()

	return fn()
}
