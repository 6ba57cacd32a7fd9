package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetMeta returns the stored value for key, or "" when unset.
func (s *SQLStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.db.Rebind("SELECT value FROM meta WHERE key = ?"), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta writes all values in a single transaction.
func (s *SQLStore) SetMeta(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin meta: %w", err)
	}
	defer tx.Rollback()

	query := s.db.Rebind(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`)
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, query, k, v); err != nil {
			return fmt.Errorf("set meta %s: %w", k, err)
		}
	}
	return tx.Commit()
}
