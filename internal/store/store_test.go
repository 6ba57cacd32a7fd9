package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, limits Limits) *SQLStore {
	t.Helper()
	s, err := New("sqlite", filepath.Join(t.TempDir(), "test.db"), limits)
	require.NoError(t, err, "New failed")
	t.Cleanup(func() { s.Close() })
	return s
}

// newPostgresStore connects using the PG* environment variables and skips
// the test when no server is reachable.
func newPostgresStore(t *testing.T, limits Limits) *SQLStore {
	t.Helper()

	env := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		env("PGHOST", "localhost"), env("PGPORT", "5432"), env("PGUSER", "user"),
		env("PGPASSWORD", "password"), env("PGDATABASE", "testdb"))

	s, err := New("postgres", dsn, limits)
	if err != nil {
		t.Skipf("skipping postgres tests: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func watchInput(scope, user, key string, maxPrice int64) WatchInput {
	return WatchInput{
		ScopeID:   scope,
		ChannelID: "chan-1",
		UserID:    user,
		ItemID:    "id-" + key,
		ItemName:  key,
		ItemKey:   key,
		MaxPrice:  maxPrice,
		Now:       time.UnixMilli(1_700_000_000_000),
	}
}

func TestNewDefaultsLimits(t *testing.T) {
	s := newTestStore(t, Limits{})
	assert.Equal(t, Limits{MaxPerUser: 25, MaxPerScope: 500}, s.Limits())
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New("mysql", "x", Limits{})
	assert.Error(t, err)
}

func TestItemLookups(t *testing.T) {
	s := newTestStore(t, Limits{})
	ctx := context.Background()

	items := []Item{
		{ID: "1", Name: "Bitcoin", ShortName: "BTC", NameKey: "bitcoin"},
		{ID: "2", Name: "5.45x39mm PS gs", NameKey: "5 45x39mm ps gs"},
		{ID: "3", Name: "Physical Bitcoin case", NameKey: "physical bitcoin case"},
		{ID: "4", Name: "Bitcoin miner", NameKey: "bitcoin miner"},
	}
	require.NoError(t, s.UpsertItems(ctx, items, 2))

	n, err := s.CountItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	t.Run("exact", func(t *testing.T) {
		it, err := s.ItemByKey(ctx, "bitcoin")
		require.NoError(t, err)
		assert.Equal(t, "1", it.ID)
		assert.Equal(t, "BTC", it.ShortName)
	})

	t.Run("exact miss", func(t *testing.T) {
		_, err := s.ItemByKey(ctx, "bitco")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("containing picks shortest", func(t *testing.T) {
		it, err := s.ItemContainingKey(ctx, "coin")
		require.NoError(t, err)
		assert.Equal(t, "1", it.ID)
	})

	t.Run("containing miss", func(t *testing.T) {
		_, err := s.ItemContainingKey(ctx, "btc coin typo")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("search ranks prefix before contains", func(t *testing.T) {
		got, err := s.SearchItems(ctx, "bitcoin", 10)
		require.NoError(t, err)
		var ids []string
		for _, it := range got {
			ids = append(ids, it.ID)
		}
		assert.Equal(t, []string{"1", "4", "3"}, ids)
	})

	t.Run("search empty key matches all", func(t *testing.T) {
		got, err := s.SearchItems(ctx, "", 3)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})
}

func TestUpsertItemsOverwrites(t *testing.T) {
	s := newTestStore(t, Limits{})
	ctx := context.Background()

	require.NoError(t, s.UpsertItems(ctx, []Item{{ID: "1", Name: "Old", NameKey: "old"}}, 0))
	require.NoError(t, s.UpsertItems(ctx, []Item{{ID: "1", Name: "New", ShortName: "N", NameKey: "new"}}, 0))

	it, err := s.ItemByKey(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "New", it.Name)

	n, err := s.CountItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMeta(t *testing.T) {
	s := newTestStore(t, Limits{})
	ctx := context.Background()

	v, err := s.GetMeta(ctx, "items_count")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetMeta(ctx, map[string]string{"items_count": "10", "items_last_sync_ms": "5"}))
	require.NoError(t, s.SetMeta(ctx, map[string]string{"items_count": "11"}))

	v, err = s.GetMeta(ctx, "items_count")
	require.NoError(t, err)
	assert.Equal(t, "11", v)
}

func TestUpsertWatchCreateThenUpdate(t *testing.T) {
	s := newTestStore(t, Limits{})
	ctx := context.Background()

	outcome, w, err := s.UpsertWatch(ctx, watchInput("g", "u", "bitcoin", 5000))
	require.NoError(t, err)
	assert.Equal(t, Created, outcome)
	assert.NotZero(t, w.ID)
	assert.Zero(t, w.CooldownUntil)

	claimed, err := s.ClaimCooldown(ctx, w.ID, 1, 99_000)
	require.NoError(t, err)
	require.True(t, claimed)

	in := watchInput("g", "u", "bitcoin", 4000)
	in.Once = true
	in.ChannelID = "chan-2"
	outcome, updated, err := s.UpsertWatch(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)
	assert.Equal(t, w.ID, updated.ID)
	assert.Equal(t, int64(4000), updated.MaxPrice)
	assert.True(t, updated.Once)
	assert.Equal(t, "chan-2", updated.ChannelID)
	assert.Equal(t, int64(99_000), updated.CooldownUntil, "update keeps cooldown")

	list, err := s.ListWatches(ctx, "g", "u", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUpsertWatchUserLimit(t *testing.T) {
	const limit = 3
	s := newTestStore(t, Limits{MaxPerUser: limit, MaxPerScope: 100})
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		_, _, err := s.UpsertWatch(ctx, watchInput("g", "u", fmt.Sprintf("item %d", i), 100))
		require.NoError(t, err)
	}

	list, err := s.ListWatches(ctx, "g", "u", 0)
	require.NoError(t, err)
	assert.Len(t, list, limit)

	_, _, err = s.UpsertWatch(ctx, watchInput("g", "u", "one too many", 100))
	require.ErrorIs(t, err, ErrLimitExceeded)
	var limErr *LimitError
	require.ErrorAs(t, err, &limErr)
	assert.Equal(t, "user", limErr.Scope)
	assert.Equal(t, limit, limErr.Max)

	// Updates are never rejected by the cap.
	outcome, _, err := s.UpsertWatch(ctx, watchInput("g", "u", "item 0", 50))
	require.NoError(t, err)
	assert.Equal(t, Updated, outcome)

	// Other users and scopes are unaffected.
	_, _, err = s.UpsertWatch(ctx, watchInput("g", "other", "item 0", 50))
	assert.NoError(t, err)
	_, _, err = s.UpsertWatch(ctx, watchInput("g2", "u", "item 9", 50))
	assert.NoError(t, err)
}

func TestUpsertWatchScopeLimit(t *testing.T) {
	s := newTestStore(t, Limits{MaxPerUser: 10, MaxPerScope: 2})
	ctx := context.Background()

	_, _, err := s.UpsertWatch(ctx, watchInput("g", "a", "x", 1))
	require.NoError(t, err)
	_, _, err = s.UpsertWatch(ctx, watchInput("g", "b", "x", 1))
	require.NoError(t, err)

	_, _, err = s.UpsertWatch(ctx, watchInput("g", "c", "x", 1))
	var limErr *LimitError
	require.ErrorAs(t, err, &limErr)
	assert.Equal(t, "scope", limErr.Scope)
	assert.Equal(t, 2, limErr.Max)
}

func TestUpsertWatchConcurrentSameKey(t *testing.T) {
	s := newTestStore(t, Limits{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(price int64) {
			defer wg.Done()
			_, _, err := s.UpsertWatch(ctx, watchInput("g", "u", "bitcoin", price))
			errs <- err
		}(int64(100 + i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := s.ListWatches(ctx, "g", "u", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListWatchesNewestFirst(t *testing.T) {
	s := newTestStore(t, Limits{})
	ctx := context.Background()

	for i, key := range []string{"a", "b", "c"} {
		in := watchInput("g", "u", key, 10)
		in.Now = time.UnixMilli(int64(1000 + i))
		_, _, err := s.UpsertWatch(ctx, in)
		require.NoError(t, err)
	}

	list, err := s.ListWatches(ctx, "g", "u", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ItemKey)
	assert.Equal(t, "b", list[1].ItemKey)
}

func TestRemoveByItemKeySubstringDeletesAllMatches(t *testing.T) {
	s := newTestStore(t, Limits{})
	ctx := context.Background()

	for _, key := range []string{"ammo 545", "ammo 762", "bitcoin"} {
		_, _, err := s.UpsertWatch(ctx, watchInput("g", "u", key, 10))
		require.NoError(t, err)
	}
	_, _, err := s.UpsertWatch(ctx, watchInput("g", "other", "ammo 545", 10))
	require.NoError(t, err)

	n, err := s.RemoveByItemKeySubstring(ctx, "g", "u", "ammo")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := s.ListWatches(ctx, "g", "u", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "bitcoin", list[0].ItemKey)

	other, err := s.ListWatches(ctx, "g", "other", 0)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestClearAll(t *testing.T) {
	s := newTestStore(t, Limits{})
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		_, _, err := s.UpsertWatch(ctx, watchInput("g", "u", key, 10))
		require.NoError(t, err)
	}

	n, err := s.ClearAll(ctx, "g", "u")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err := s.AllWatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestClaimCooldownIsExclusive(t *testing.T) {
	s := newTestStore(t, Limits{})
	ctx := context.Background()

	_, w, err := s.UpsertWatch(ctx, watchInput("g", "u", "a", 10))
	require.NoError(t, err)

	now := int64(10_000)
	first, err := s.ClaimCooldown(ctx, w.ID, now, now+600_000)
	require.NoError(t, err)
	second, err := s.ClaimCooldown(ctx, w.ID, now, now+600_000)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)

	got, err := s.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, now+600_000, got.CooldownUntil)
}

func TestConsumeOnce(t *testing.T) {
	s := newTestStore(t, Limits{})
	ctx := context.Background()

	in := watchInput("g", "u", "a", 10)
	in.Once = true
	_, w, err := s.UpsertWatch(ctx, in)
	require.NoError(t, err)

	ok, err := s.ConsumeOnce(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConsumeOnce(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetWatch(ctx, w.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimRespectsCurrentMode(t *testing.T) {
	s := newTestStore(t, Limits{})
	ctx := context.Background()

	in := watchInput("g", "u", "a", 10)
	in.Once = true
	_, w, err := s.UpsertWatch(ctx, in)
	require.NoError(t, err)

	won, err := s.ClaimCooldown(ctx, w.ID, 1, 600_001)
	require.NoError(t, err)
	assert.False(t, won, "a once watch is never put into cooldown")

	in.Once = false
	_, _, err = s.UpsertWatch(ctx, in)
	require.NoError(t, err)

	won, err = s.ConsumeOnce(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.False(t, won, "a watch switched to repeating must not be deleted")

	got, err := s.GetWatch(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, got.Once)
	assert.Zero(t, got.CooldownUntil)
}

func TestUpsertWatchConcurrentLimit(t *testing.T) {
	drivers := []struct {
		name string
		open func(t *testing.T, limits Limits) *SQLStore
	}{
		{"sqlite", newTestStore},
		{"postgres", newPostgresStore},
	}

	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			const limit = 3
			s := d.open(t, Limits{MaxPerUser: limit, MaxPerScope: 100})
			ctx := context.Background()
			scope := uuid.NewString()

			var wg sync.WaitGroup
			errs := make(chan error, 12)
			for i := 0; i < 12; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, _, err := s.UpsertWatch(ctx, watchInput(scope, "u", fmt.Sprintf("item %d", i), 100))
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)

			var created, rejected int
			for err := range errs {
				switch {
				case err == nil:
					created++
				case errors.Is(err, ErrLimitExceeded):
					rejected++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, limit, created)
			assert.Equal(t, 12-limit, rejected)

			list, err := s.ListWatches(ctx, scope, "u", 0)
			require.NoError(t, err)
			assert.Len(t, list, limit)
		})
	}
}
