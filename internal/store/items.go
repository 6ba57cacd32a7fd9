package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const itemColumns = "id, name, short_name, name_key"

// UpsertItems writes catalog entries in batches, one transaction per batch.
// A failed batch leaves earlier batches committed.
func (s *SQLStore) UpsertItems(ctx context.Context, items []Item, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 400
	}
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		if err := s.upsertItemBatch(ctx, items[start:end]); err != nil {
			return fmt.Errorf("upsert items %d-%d: %w", start, end, err)
		}
	}
	return nil
}

func (s *SQLStore) upsertItemBatch(ctx context.Context, batch []Item) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, s.db.Rebind(`
		INSERT INTO items (id, name, short_name, name_key)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			short_name = excluded.short_name,
			name_key = excluded.name_key
	`))
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, it := range batch {
		if _, err := stmt.ExecContext(ctx, it.ID, it.Name, it.ShortName, it.NameKey); err != nil {
			return fmt.Errorf("item %s: %w", it.ID, err)
		}
	}
	return tx.Commit()
}

// ItemByKey returns the item whose name key equals key exactly.
func (s *SQLStore) ItemByKey(ctx context.Context, key string) (*Item, error) {
	var item Item
	err := s.db.GetContext(ctx, &item, s.db.Rebind(
		"SELECT "+itemColumns+" FROM items WHERE name_key = ? ORDER BY id LIMIT 1"), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item by key %q: %w", key, err)
	}
	return &item, nil
}

// ItemContainingKey returns the shortest name key that contains key.
func (s *SQLStore) ItemContainingKey(ctx context.Context, key string) (*Item, error) {
	var item Item
	err := s.db.GetContext(ctx, &item, s.db.Rebind(`
		SELECT `+itemColumns+` FROM items
		WHERE name_key LIKE ?
		ORDER BY LENGTH(name_key), name_key, id
		LIMIT 1`), "%"+key+"%")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item containing %q: %w", key, err)
	}
	return &item, nil
}

// SearchItems ranks items whose key contains key: prefix matches first,
// then shorter keys. An empty key matches every item.
func (s *SQLStore) SearchItems(ctx context.Context, key string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 25
	}
	var items []Item
	err := s.db.SelectContext(ctx, &items, s.db.Rebind(`
		SELECT `+itemColumns+` FROM items
		WHERE name_key LIKE ?
		ORDER BY CASE WHEN name_key LIKE ? THEN 0 ELSE 1 END, LENGTH(name_key), name_key, id
		LIMIT ?`), "%"+key+"%", key+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search items %q: %w", key, err)
	}
	return items, nil
}

// CountItems returns the number of catalog rows.
func (s *SQLStore) CountItems(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM items"); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}
