package serverdb

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

const (
	apiKeyPrefix = "tk_live_"
	keyLength    = 32
)

var base62Chars = []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz")

// APIKey represents a stored API key (without the plaintext secret).
type APIKey struct {
	ID          string
	PrincipalID string
	KeyPrefix   string
	Name        string
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// GenerateAPIKey creates a new API key for the given principal.
// Returns the plaintext key (shown once) and the stored APIKey record.
func (db *ServerDB) GenerateAPIKey(principalID, name string, expiresAt *time.Time) (string, *APIKey, error) {
	var exists int
	if err := db.conn.QueryRow(`SELECT 1 FROM principals WHERE id = ?`, principalID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return "", nil, fmt.Errorf("principal not found: %s", principalID)
		}
		return "", nil, fmt.Errorf("check principal: %w", err)
	}

	id, err := generateID("ak_")
	if err != nil {
		return "", nil, fmt.Errorf("generate api key id: %w", err)
	}

	// Generate random base62 key
	secret := make([]byte, keyLength)
	for i := range secret {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(base62Chars))))
		if err != nil {
			return "", nil, fmt.Errorf("generate random key: %w", err)
		}
		secret[i] = base62Chars[n.Int64()]
	}

	plaintext := apiKeyPrefix + string(secret)
	prefix := string(secret[:8])

	now := time.Now().UTC()
	var expires any
	if expiresAt != nil {
		expires = formatTime(*expiresAt)
	}
	_, err = db.conn.Exec(
		`INSERT INTO api_keys (id, principal_id, key_hash, key_prefix, name, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, principalID, hashKey(plaintext), prefix, name, expires, formatTime(now),
	)
	if err != nil {
		return "", nil, fmt.Errorf("insert api key: %w", err)
	}

	ak := &APIKey{
		ID:          id,
		PrincipalID: principalID,
		KeyPrefix:   prefix,
		Name:        name,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	return plaintext, ak, nil
}

func hashKey(plaintext string) string {
	hash := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(hash[:])
}

// VerifyAPIKey checks a plaintext key against stored hashes. Returns nil, nil
// for unknown or expired keys.
func (db *ServerDB) VerifyAPIKey(plaintextKey string) (*APIKey, error) {
	keyHash := hashKey(plaintextKey)

	var (
		ak                APIKey
		expires, lastUsed sql.NullString
		created           string
	)
	err := db.conn.QueryRow(`
		SELECT id, principal_id, key_prefix, name, expires_at, last_used_at, created_at
		FROM api_keys WHERE key_hash = ?
	`, keyHash).Scan(&ak.ID, &ak.PrincipalID, &ak.KeyPrefix, &ak.Name, &expires, &lastUsed, &created)
	if err == sql.ErrNoRows {
		slog.Debug("api key not found", "key_hash_prefix", keyHash[:8])
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verify api key: %w", err)
	}
	if ak.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("verify api key: parse created_at: %w", err)
	}
	if ak.ExpiresAt, err = parseNullTime(expires); err != nil {
		return nil, fmt.Errorf("verify api key: parse expires_at: %w", err)
	}
	if ak.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, fmt.Errorf("verify api key: parse last_used_at: %w", err)
	}

	now := time.Now().UTC()
	if ak.ExpiresAt != nil && ak.ExpiresAt.Before(now) {
		slog.Debug("api key expired", "key_id", ak.ID, "expires_at", ak.ExpiresAt)
		return nil, nil
	}

	if _, err := db.conn.Exec(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, formatTime(now), ak.ID); err != nil {
		slog.Warn("update last_used_at", "key_id", ak.ID, "err", err)
	}
	ak.LastUsedAt = &now

	return &ak, nil
}

// RevokeAPIKey deletes an API key.
func (db *ServerDB) RevokeAPIKey(keyID string) error {
	res, err := db.conn.Exec(`DELETE FROM api_keys WHERE id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("api key not found: %s", keyID)
	}
	return nil
}

// ListAPIKeys returns all API keys for a principal (without secrets).
func (db *ServerDB) ListAPIKeys(principalID string) ([]*APIKey, error) {
	rows, err := db.conn.Query(
		`SELECT id, principal_id, key_prefix, name, expires_at, last_used_at, created_at FROM api_keys WHERE principal_id = ? ORDER BY created_at`,
		principalID,
	)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var (
			ak                APIKey
			expires, lastUsed sql.NullString
			created           string
		)
		if err := rows.Scan(&ak.ID, &ak.PrincipalID, &ak.KeyPrefix, &ak.Name, &expires, &lastUsed, &created); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if ak.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if ak.ExpiresAt, err = parseNullTime(expires); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if ak.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &ak)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys: iterate: %w", err)
	}
	return keys, nil
}
