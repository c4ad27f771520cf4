package db

import "fmt"

// GetSchemaVersion returns the schema version recorded in PRAGMA user_version.
func (db *DB) GetSchemaVersion() (int, error) {
	var v int
	if err := db.conn.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// RunMigrations brings the schema up to SchemaVersion and returns how many
// migrations ran. It holds the data dir lock so two processes opening a new
// store do not both migrate it.
func (db *DB) RunMigrations() (int, error) {
	if v, err := db.GetSchemaVersion(); err == nil && v >= SchemaVersion {
		return 0, nil
	}

	var ran int
	err := db.WithLock(func() error {
		current, err := db.GetSchemaVersion()
		if err != nil {
			return err
		}
		for _, m := range Migrations {
			if m.Version <= current {
				continue
			}
			if err := db.applyMigration(m); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			ran++
		}
		return nil
	})
	return ran, err
}

func (db *DB) applyMigration(m Migration) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return err
	}
	return tx.Commit()
}
