package serverdb

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Principal is the owner of a set of records. Each device of the same user
// authenticates as the same principal.
type Principal struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// CreatePrincipal inserts a new principal.
func (db *ServerDB) CreatePrincipal(name string) (*Principal, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("principal name is required")
	}

	id, err := generateID("pr_")
	if err != nil {
		return nil, fmt.Errorf("generate principal id: %w", err)
	}

	now := time.Now().UTC()
	if _, err := db.conn.Exec(
		`INSERT INTO principals (id, name, created_at) VALUES (?, ?, ?)`,
		id, name, formatTime(now),
	); err != nil {
		return nil, fmt.Errorf("insert principal: %w", err)
	}
	return &Principal{ID: id, Name: name, CreatedAt: now}, nil
}

// GetPrincipal returns the principal with the given ID or name, or nil if
// not found.
func (db *ServerDB) GetPrincipal(idOrName string) (*Principal, error) {
	var (
		p       Principal
		created string
	)
	err := db.conn.QueryRow(
		`SELECT id, name, created_at FROM principals WHERE id = ? OR name = ? ORDER BY created_at LIMIT 1`,
		idOrName, idOrName,
	).Scan(&p.ID, &p.Name, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get principal: %w", err)
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("get principal: parse created_at: %w", err)
	}
	return &p, nil
}
