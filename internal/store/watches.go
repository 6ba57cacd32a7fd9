package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const watchColumns = "id, scope_id, channel_id, user_id, item_id, item_name, item_key, max_price, once, created_at, cooldown_until"

// UpsertWatch creates or updates the watch keyed by (scope, user, item key).
// Limits apply to creation only. An update rewrites the threshold, mode, item
// and channel but keeps the cooldown. A concurrent creation of the same key
// surfaces as a unique violation and is applied as an update instead.
func (s *SQLStore) UpsertWatch(ctx context.Context, in WatchInput) (Outcome, *Watch, error) {
	outcome, w, err := s.upsertWatchTx(ctx, in)
	if err != nil && isUniqueViolation(err) {
		w, err = s.updateWatchByKey(ctx, s.db, in)
		if err != nil {
			return 0, nil, fmt.Errorf("retry watch as update: %w", err)
		}
		return Updated, w, nil
	}
	return outcome, w, err
}

func (s *SQLStore) upsertWatchTx(ctx context.Context, in WatchInput) (Outcome, *Watch, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("begin watch upsert: %w", err)
	}
	defer tx.Rollback()

	// Postgres runs at READ COMMITTED, so the count in checkLimits needs the
	// scope serialized explicitly. sqlite already holds the write lock here.
	if s.driver == "postgres" {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", in.ScopeID); err != nil {
			return 0, nil, fmt.Errorf("lock scope %s: %w", in.ScopeID, err)
		}
	}

	var existingID int64
	err = tx.GetContext(ctx, &existingID, s.db.Rebind(
		"SELECT id FROM watches WHERE scope_id = ? AND user_id = ? AND item_key = ?"),
		in.ScopeID, in.UserID, in.ItemKey)
	switch {
	case err == nil:
		w, err := s.updateWatchByKey(ctx, tx, in)
		if err != nil {
			return 0, nil, err
		}
		if err := tx.Commit(); err != nil {
			return 0, nil, fmt.Errorf("commit watch update: %w", err)
		}
		return Updated, w, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, nil, fmt.Errorf("lookup watch: %w", err)
	}

	if err := s.checkLimits(ctx, tx, in.ScopeID, in.UserID); err != nil {
		return 0, nil, err
	}

	w := &Watch{
		ScopeID:   in.ScopeID,
		ChannelID: in.ChannelID,
		UserID:    in.UserID,
		ItemID:    in.ItemID,
		ItemName:  in.ItemName,
		ItemKey:   in.ItemKey,
		MaxPrice:  in.MaxPrice,
		Once:      in.Once,
		CreatedAt: in.Now.UnixMilli(),
	}
	err = tx.GetContext(ctx, &w.ID, s.db.Rebind(`
		INSERT INTO watches (scope_id, channel_id, user_id, item_id, item_name, item_key, max_price, once, created_at, cooldown_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		RETURNING id
	`), w.ScopeID, w.ChannelID, w.UserID, w.ItemID, w.ItemName, w.ItemKey, w.MaxPrice, w.Once, w.CreatedAt)
	if err != nil {
		return 0, nil, fmt.Errorf("insert watch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("commit watch insert: %w", err)
	}
	return Created, w, nil
}

func (s *SQLStore) checkLimits(ctx context.Context, q sqlx.QueryerContext, scopeID, userID string) error {
	var perUser int
	if err := sqlx.GetContext(ctx, q, &perUser, s.db.Rebind(
		"SELECT COUNT(*) FROM watches WHERE scope_id = ? AND user_id = ?"), scopeID, userID); err != nil {
		return fmt.Errorf("count user watches: %w", err)
	}
	if perUser >= s.limits.MaxPerUser {
		return &LimitError{Scope: "user", Max: s.limits.MaxPerUser}
	}

	var perScope int
	if err := sqlx.GetContext(ctx, q, &perScope, s.db.Rebind(
		"SELECT COUNT(*) FROM watches WHERE scope_id = ?"), scopeID); err != nil {
		return fmt.Errorf("count scope watches: %w", err)
	}
	if perScope >= s.limits.MaxPerScope {
		return &LimitError{Scope: "scope", Max: s.limits.MaxPerScope}
	}
	return nil
}

func (s *SQLStore) updateWatchByKey(ctx context.Context, ext sqlx.ExtContext, in WatchInput) (*Watch, error) {
	_, err := ext.ExecContext(ctx, s.db.Rebind(`
		UPDATE watches SET max_price = ?, once = ?, item_id = ?, channel_id = ?, item_name = ?
		WHERE scope_id = ? AND user_id = ? AND item_key = ?
	`), in.MaxPrice, in.Once, in.ItemID, in.ChannelID, in.ItemName, in.ScopeID, in.UserID, in.ItemKey)
	if err != nil {
		return nil, fmt.Errorf("update watch %s/%s/%s: %w", in.ScopeID, in.UserID, in.ItemKey, err)
	}

	var w Watch
	err = sqlx.GetContext(ctx, ext, &w, s.db.Rebind(
		"SELECT "+watchColumns+" FROM watches WHERE scope_id = ? AND user_id = ? AND item_key = ?"),
		in.ScopeID, in.UserID, in.ItemKey)
	if err != nil {
		return nil, fmt.Errorf("reload watch: %w", err)
	}
	return &w, nil
}

// GetWatch returns one watch by id.
func (s *SQLStore) GetWatch(ctx context.Context, id int64) (*Watch, error) {
	var w Watch
	err := s.db.GetContext(ctx, &w, s.db.Rebind("SELECT "+watchColumns+" FROM watches WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get watch %d: %w", id, err)
	}
	return &w, nil
}

// ListWatches returns a user's watches in a scope, newest first.
func (s *SQLStore) ListWatches(ctx context.Context, scopeID, userID string, limit int) ([]Watch, error) {
	if limit <= 0 {
		limit = 25
	}
	var watches []Watch
	err := s.db.SelectContext(ctx, &watches, s.db.Rebind(`
		SELECT `+watchColumns+` FROM watches
		WHERE scope_id = ? AND user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`), scopeID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list watches %s/%s: %w", scopeID, userID, err)
	}
	return watches, nil
}

// RemoveByItemKeySubstring deletes every watch of the user whose item key
// contains key. A short fragment can match, and delete, several watches.
func (s *SQLStore) RemoveByItemKeySubstring(ctx context.Context, scopeID, userID, key string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM watches WHERE scope_id = ? AND user_id = ? AND item_key LIKE ?"),
		scopeID, userID, "%"+key+"%")
	if err != nil {
		return 0, fmt.Errorf("remove watches %q: %w", key, err)
	}
	return res.RowsAffected()
}

// ClearAll deletes every watch of the user in the scope.
func (s *SQLStore) ClearAll(ctx context.Context, scopeID, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM watches WHERE scope_id = ? AND user_id = ?"), scopeID, userID)
	if err != nil {
		return 0, fmt.Errorf("clear watches %s/%s: %w", scopeID, userID, err)
	}
	return res.RowsAffected()
}

// AllWatches returns every watch. Time-based filtering is left to the caller.
func (s *SQLStore) AllWatches(ctx context.Context) ([]Watch, error) {
	var watches []Watch
	if err := s.db.SelectContext(ctx, &watches, "SELECT "+watchColumns+" FROM watches ORDER BY id"); err != nil {
		return nil, fmt.Errorf("all watches: %w", err)
	}
	return watches, nil
}

// ClaimCooldown moves a repeating watch into cooldown until untilMs, but only
// if it is still eligible at nowMs and was not switched to once mode since it
// was read. It reports whether this caller won the claim.
func (s *SQLStore) ClaimCooldown(ctx context.Context, id, nowMs, untilMs int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE watches SET cooldown_until = ? WHERE id = ? AND cooldown_until <= ? AND once = ?"),
		untilMs, id, nowMs, false)
	if err != nil {
		return false, fmt.Errorf("claim cooldown %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim cooldown %d: %w", id, err)
	}
	return n == 1, nil
}

// ConsumeOnce deletes a once-watch if it is still eligible at nowMs and still
// in once mode.
func (s *SQLStore) ConsumeOnce(ctx context.Context, id, nowMs int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM watches WHERE id = ? AND cooldown_until <= ? AND once = ?"), id, nowMs, true)
	if err != nil {
		return false, fmt.Errorf("consume watch %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume watch %d: %w", id, err)
	}
	return n == 1, nil
}
