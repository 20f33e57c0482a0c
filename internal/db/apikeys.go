package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rsclarke/mcpgate/internal/auth"
)

// APIKey is an admin API key row.
type APIKey struct {
	ID        int64
	KeyPrefix string
	KeyHash   []byte
	CreatedAt int64
	RevokedAt *int64
}

// CreateAPIKey inserts a new API key into the database and returns its ID.
func CreateAPIKey(d *sql.DB, prefix string, hash []byte) (int64, error) {
	result, err := d.Exec(
		"INSERT INTO api_keys (key_prefix, key_hash, created_at) VALUES (?, ?, ?)",
		prefix, hash, time.Now().Unix(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetAPIKeyByPrefix retrieves an API key by its prefix.
func GetAPIKeyByPrefix(d *sql.DB, prefix string) (*APIKey, error) {
	row := d.QueryRow(
		"SELECT id, key_prefix, key_hash, created_at, revoked_at FROM api_keys WHERE key_prefix = ?",
		prefix,
	)
	var key APIKey
	err := row.Scan(&key.ID, &key.KeyPrefix, &key.KeyHash, &key.CreatedAt, &key.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// RevokeAPIKey marks the key with prefix as revoked. It reports whether a
// live key was found.
func RevokeAPIKey(d *sql.DB, prefix string) (bool, error) {
	res, err := d.Exec(
		"UPDATE api_keys SET revoked_at = ? WHERE key_prefix = ? AND revoked_at IS NULL",
		time.Now().Unix(), prefix,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountAPIKeys returns the number of non-revoked API keys in the database.
func CountAPIKeys(d *sql.DB) (int, error) {
	var count int
	err := d.QueryRow("SELECT COUNT(*) FROM api_keys WHERE revoked_at IS NULL").Scan(&count)
	return count, err
}

// Keys serves auth lookups from the api_keys table.
type Keys struct {
	DB *sql.DB
}

func (k Keys) LookupKey(ctx context.Context, prefix string) (*auth.StoredKey, error) {
	var (
		hash    []byte
		revoked sql.NullInt64
	)
	err := k.DB.QueryRowContext(ctx,
		"SELECT key_hash, revoked_at FROM api_keys WHERE key_prefix = ?", prefix,
	).Scan(&hash, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &auth.StoredKey{Hash: hash, Revoked: revoked.Valid}, nil
}
