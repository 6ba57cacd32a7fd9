package watch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/fleawatch/internal/store"
	"github.com/elonfeng/fleawatch/pkg/directory"
	"github.com/elonfeng/fleawatch/pkg/source"
)

type fakeCatalog struct {
	items []source.CatalogItem
}

func (f *fakeCatalog) Name() string { return "fake" }

func (f *fakeCatalog) ListItems(context.Context) ([]source.CatalogItem, error) {
	return f.items, nil
}

type fakePrices struct {
	quotes map[string]*source.Quote
	err    error
}

func (f *fakePrices) Name() string { return "fake" }

func (f *fakePrices) Quote(_ context.Context, id string) (*source.Quote, error) {
	if f.err != nil {
		return nil, f.err
	}
	if q, ok := f.quotes[id]; ok {
		return q, nil
	}
	return &source.Quote{ItemID: id}, nil
}

type fakeSyncer struct {
	synced  int
	queued  bool
	syncErr error
}

func (f *fakeSyncer) Sync(context.Context) (int, error) {
	f.synced++
	return 42, f.syncErr
}

func (f *fakeSyncer) Trigger() bool {
	if f.queued {
		return false
	}
	f.queued = true
	return true
}

var catalog = []source.CatalogItem{
	{ID: "btc", Name: "Physical Bitcoin", ShortName: "0.2BTC"},
	{ID: "ps", Name: "5.45x39mm PS gs ammo", ShortName: "PS"},
	{ID: "m80", Name: "7.62x51mm M80 ammo", ShortName: "M80"},
	{ID: "gpu", Name: "Graphics card", ShortName: "GPU"},
}

var caller = Caller{ScopeID: "guild", ChannelID: "chan", UserID: "user"}

func newTestService(t *testing.T, limits store.Limits, seed bool) (*Service, *store.SQLStore, *fakeSyncer) {
	t.Helper()
	s, err := store.New("sqlite", filepath.Join(t.TempDir(), "test.db"), limits)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	dir := directory.New(s, 0)
	if seed {
		_, err := dir.SyncAll(context.Background(), &fakeCatalog{items: catalog})
		require.NoError(t, err)
	}

	prices := &fakePrices{quotes: map[string]*source.Quote{
		"btc": {ItemID: "btc", Avg24h: 480000, LastLow: 470000, Found: true},
		"gpu": {ItemID: "gpu", LastLow: 250000, Found: true},
	}}
	syncer := &fakeSyncer{}
	svc := NewService(s, dir, prices, syncer, Options{Admins: []string{" admin "}})
	svc.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return svc, s, syncer
}

func TestCreateOrUpdateWatch(t *testing.T) {
	svc, _, _ := newTestService(t, store.Limits{}, true)
	ctx := context.Background()

	res, err := svc.CreateOrUpdateWatch(ctx, caller, "physical bitcoin", 5000, false)
	require.NoError(t, err)
	assert.Equal(t, store.Created, res.Outcome)
	assert.Equal(t, "btc", res.Watch.ItemID)
	assert.Equal(t, "Physical Bitcoin", res.Watch.ItemName)
	assert.Equal(t, "physical bitcoin", res.Watch.ItemKey)

	// A different spelling of the same item updates the same row.
	res, err = svc.CreateOrUpdateWatch(ctx, caller, "  PHYSICAL-bitcoin ", 4000, true)
	require.NoError(t, err)
	assert.Equal(t, store.Updated, res.Outcome)
	assert.Equal(t, int64(4000), res.Watch.MaxPrice)
	assert.True(t, res.Watch.Once)

	list, err := svc.ListWatches(ctx, caller)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateOrUpdateWatchErrors(t *testing.T) {
	svc, _, _ := newTestService(t, store.Limits{}, true)
	empty, _, _ := newTestService(t, store.Limits{}, false)
	ctx := context.Background()

	tests := []struct {
		name    string
		svc     *Service
		caller  Caller
		item    string
		price   int64
		wantErr error
	}{
		{"blank item", svc, caller, "  ", 100, ErrInvalidInput},
		{"zero price", svc, caller, "bitcoin", 0, ErrInvalidInput},
		{"missing user", svc, Caller{ScopeID: "g", ChannelID: "c"}, "bitcoin", 1, ErrInvalidInput},
		{"missing channel", svc, Caller{ScopeID: "g", UserID: "u"}, "bitcoin", 1, ErrInvalidInput},
		{"empty directory", empty, caller, "bitcoin", 100, directory.ErrEmpty},
		{"unknown item", svc, caller, "btc coin typo", 100, directory.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.svc.CreateOrUpdateWatch(ctx, tt.caller, tt.item, tt.price, false)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateOrUpdateWatchLimit(t *testing.T) {
	svc, _, _ := newTestService(t, store.Limits{MaxPerUser: 2}, true)
	ctx := context.Background()

	for _, item := range []string{"bitcoin", "graphics card"} {
		_, err := svc.CreateOrUpdateWatch(ctx, caller, item, 10, false)
		require.NoError(t, err)
	}

	_, err := svc.CreateOrUpdateWatch(ctx, caller, "m80", 10, false)
	var limit *store.LimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, "user", limit.Scope)
	assert.Equal(t, 2, limit.Max)

	// Updating an existing watch at the cap still works.
	res, err := svc.CreateOrUpdateWatch(ctx, caller, "bitcoin", 20, false)
	require.NoError(t, err)
	assert.Equal(t, store.Updated, res.Outcome)
}

func TestRemoveWatchSubstring(t *testing.T) {
	svc, _, _ := newTestService(t, store.Limits{}, true)
	ctx := context.Background()

	for _, item := range []string{"ps gs ammo", "m80 ammo", "bitcoin"} {
		_, err := svc.CreateOrUpdateWatch(ctx, caller, item, 10, false)
		require.NoError(t, err)
	}

	n, err := svc.RemoveWatch(ctx, caller, "ammo")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "a short fragment removes every matching watch")

	n, err = svc.RemoveWatch(ctx, caller, "ammo")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = svc.RemoveWatch(ctx, caller, " ?! ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	n, err = svc.ClearWatches(ctx, caller)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestResolveOrSuggest(t *testing.T) {
	svc, _, _ := newTestService(t, store.Limits{}, true)
	ctx := context.Background()

	res, err := svc.ResolveOrSuggest(ctx, "ammo")
	require.NoError(t, err)
	require.NotNil(t, res.Item)
	assert.Len(t, res.Choices, 2)

	res, err = svc.ResolveOrSuggest(ctx, "zzz")
	require.NoError(t, err)
	assert.Nil(t, res.Item)
	assert.Empty(t, res.Choices)

	empty, _, _ := newTestService(t, store.Limits{}, false)
	res, err = empty.ResolveOrSuggest(ctx, "bitcoin")
	require.NoError(t, err)
	assert.Nil(t, res.Item)
	assert.Empty(t, res.Choices)
}

func TestCatalogSyncRequiresAdmin(t *testing.T) {
	svc, _, syncer := newTestService(t, store.Limits{}, false)
	ctx := context.Background()

	_, err := svc.TriggerCatalogSync(ctx, "user")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Zero(t, syncer.synced)

	n, err := svc.TriggerCatalogSync(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	assert.ErrorIs(t, svc.QueueCatalogSync("user"), ErrForbidden)
	assert.NoError(t, svc.QueueCatalogSync("admin"))
	assert.ErrorIs(t, svc.QueueCatalogSync("admin"), ErrSyncInProgress)
}

func TestCheckPrice(t *testing.T) {
	svc, _, _ := newTestService(t, store.Limits{}, true)
	ctx := context.Background()

	pc, err := svc.CheckPrice(ctx, "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, int64(480000), pc.Price)
	assert.Equal(t, "💰 **Physical Bitcoin (0.2BTC)** is at **480,000 ₽** (24h avg)", FormatPriceCheck(pc))

	pc, err = svc.CheckPrice(ctx, "graphics card")
	require.NoError(t, err)
	assert.Contains(t, FormatPriceCheck(pc), "(last low)")

	pc, err = svc.CheckPrice(ctx, "m80")
	require.NoError(t, err)
	assert.Zero(t, pc.Price)
	assert.Contains(t, FormatPriceCheck(pc), "No price data")

	svc.prices = &fakePrices{err: source.ErrUnavailable}
	_, err = svc.CheckPrice(ctx, "bitcoin")
	assert.ErrorIs(t, err, source.ErrUnavailable)
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"usage", &UsageError{Usage: usageUnwatch}, "⚠️ Usage: `/unwatch item:<name>`"},
		{"empty", directory.ErrEmpty, "⚠️ Item dictionary is empty.\nRun `/syncitems` (admin) once to import all items."},
		{"not found", &directory.NotFoundError{Input: "btc coin typo"}, "❓ Couldn't match **btc coin typo** in the item dictionary.\nTry a more exact name, or run `/syncitems` if it's outdated."},
		{"user limit", &store.LimitError{Scope: "user", Max: 25}, "🚫 You already have the maximum of 25 watches. Remove one with /unwatch."},
		{"scope limit", &store.LimitError{Scope: "scope", Max: 500}, "🚫 This server already has the maximum of 500 watches."},
		{"forbidden", ErrForbidden, "⛔ This command is admin-only."},
		{"internal", errors.New("sql: database is locked"), "❌ Something went wrong. Check the server logs."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UserMessage(tt.err, "input"))
		})
	}

	assert.True(t, IsUserFacing(ErrForbidden))
	assert.False(t, IsUserFacing(errors.New("disk full")))
	assert.False(t, IsUserFacing(nil))
}

func TestFormatWatchList(t *testing.T) {
	assert.Equal(t, "📌 **Your watches**\nNo watches yet. Add one with `/watch`.", FormatWatchList(nil))

	got := FormatWatchList([]store.Watch{
		{ItemName: "Physical Bitcoin", MaxPrice: 480000, Once: true},
		{ItemName: "Graphics card", MaxPrice: 5000},
	})
	assert.Equal(t, "📌 **Your watches**\n• Physical Bitcoin ≤ 480,000 ₽ (once)\n• Graphics card ≤ 5,000 ₽", got)
}

func TestFormatWatchResult(t *testing.T) {
	w := &store.Watch{ItemName: "Physical Bitcoin", MaxPrice: 5000, Once: true}
	assert.Equal(t, "✅ Watching **Physical Bitcoin** at **≤ 5,000 ₽** (once)",
		FormatWatchResult(&WatchResult{Outcome: store.Created, Watch: w}))
	assert.Equal(t, "♻️ Updated: **Physical Bitcoin** ≤ **5,000 ₽** (once)",
		FormatWatchResult(&WatchResult{Outcome: store.Updated, Watch: w}))
	assert.Equal(t, "🧹 Removed 2 watches matching **ammo**.", FormatRemoved("ammo", 2))
	assert.Equal(t, "✅ Synced **2,500** items.", FormatSynced(2500))
}
