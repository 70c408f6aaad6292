package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadValue returns the value stored under key.
// Returns found=false (and no error) if the key has never been written.
func (s *Store) LoadValue(ctx context.Context, key string) (value []byte, found bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load value %q: %w", key, err)
	}
	return value, true, nil
}

// SaveValue writes value under key, replacing any previous value.
func (s *Store) SaveValue(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save value %q: %w", key, err)
	}
	return nil
}

// DeleteValue removes key. Missing keys are not an error.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete value %q: %w", key, err)
	}
	return nil
}
