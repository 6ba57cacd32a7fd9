package directory

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/elonfeng/fleawatch/internal/store"
	"github.com/elonfeng/fleawatch/pkg/source"
)

type fakeCatalog struct {
	items []source.CatalogItem
	err   error
}

func (f *fakeCatalog) Name() string { return "fake" }

func (f *fakeCatalog) ListItems(context.Context) ([]source.CatalogItem, error) {
	return f.items, f.err
}

// failingStore fails item upserts after the first batch.
type failingStore struct {
	*store.SQLStore
	batches int
}

func (f *failingStore) UpsertItems(ctx context.Context, items []store.Item, batchSize int) error {
	if err := f.SQLStore.UpsertItems(ctx, items[:batchSize], batchSize); err != nil {
		return err
	}
	return errors.New("connection reset")
}

func newTestDirectory(t *testing.T) (*Directory, *store.SQLStore) {
	t.Helper()
	s, err := store.New("sqlite", filepath.Join(t.TempDir(), "test.db"), store.Limits{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, 2), s
}

func seed(t *testing.T, d *Directory, items ...source.CatalogItem) {
	t.Helper()
	n, err := d.SyncAll(context.Background(), &fakeCatalog{items: items})
	require.NoError(t, err)
	require.Equal(t, len(items), n)
}

func TestNameKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Bitcoin", "bitcoin"},
		{"  Physical   Bitcoin  ", "physical bitcoin"},
		{`"Kiba's" knife`, "kibas knife"},
		{"5.45x39mm PS gs", "5 45x39mm ps gs"},
		{"Roler Submariner gold wrist watch!!!", "roler submariner gold wrist watch"},
		{"---", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NameKey(tt.in))
		})
	}
}

func TestNameKeyIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Draw(t, "s")
		once := NameKey(s)
		if twice := NameKey(once); twice != once {
			t.Fatalf("NameKey not idempotent: %q -> %q -> %q", s, once, twice)
		}
	})
}

func TestResolve(t *testing.T) {
	d, _ := newTestDirectory(t)
	seed(t, d,
		source.CatalogItem{ID: "X", Name: "Bitcoin", ShortName: "BTC"},
		source.CatalogItem{ID: "Y", Name: "Physical Bitcoin case"},
		source.CatalogItem{ID: "Z", Name: "Graphics card"},
	)
	ctx := context.Background()

	t.Run("exact", func(t *testing.T) {
		it, err := d.Resolve(ctx, "bitcoin")
		require.NoError(t, err)
		assert.Equal(t, "X", it.ID)
	})

	t.Run("exact beats longer substring", func(t *testing.T) {
		it, err := d.Resolve(ctx, "BITCOIN!")
		require.NoError(t, err)
		assert.Equal(t, "X", it.ID)
	})

	t.Run("substring", func(t *testing.T) {
		it, err := d.Resolve(ctx, "graphics")
		require.NoError(t, err)
		assert.Equal(t, "Z", it.ID)
	})

	t.Run("no match echoes input", func(t *testing.T) {
		_, err := d.Resolve(ctx, "btc coin typo")
		require.ErrorIs(t, err, ErrNotFound)
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "btc coin typo", nf.Input)
	})

	t.Run("blank input", func(t *testing.T) {
		_, err := d.Resolve(ctx, " ?! ")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestResolveEmptyDirectory(t *testing.T) {
	d, _ := newTestDirectory(t)

	_, err := d.Resolve(context.Background(), "bitcoin")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, d.Ready(context.Background()), ErrEmpty)
}

func TestSuggest(t *testing.T) {
	d, _ := newTestDirectory(t)
	seed(t, d,
		source.CatalogItem{ID: "1", Name: "Physical Bitcoin case"},
		source.CatalogItem{ID: "2", Name: "Bitcoin", ShortName: "BTC"},
		source.CatalogItem{ID: "3", Name: "Bitcoin miner"},
		source.CatalogItem{ID: "4", Name: "Salewa"},
	)
	ctx := context.Background()

	got, err := d.Suggest(ctx, "bitc", 0)
	require.NoError(t, err)
	assert.Equal(t, []Suggestion{
		{Label: "Bitcoin (BTC)", Value: "Bitcoin"},
		{Label: "Bitcoin miner", Value: "Bitcoin miner"},
		{Label: "Physical Bitcoin case", Value: "Physical Bitcoin case"},
	}, got)

	all, err := d.Suggest(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Every suggestion value resolves back to its own item.
	for _, s := range got {
		it, err := d.Resolve(ctx, s.Value)
		require.NoError(t, err)
		assert.Equal(t, s.Value, it.Name)
	}
}

func TestSyncAllWritesMeta(t *testing.T) {
	d, s := newTestDirectory(t)
	now := time.UnixMilli(1_700_000_000_000)
	d.WithClock(func() time.Time { return now })
	ctx := context.Background()

	seed(t, d,
		source.CatalogItem{ID: "1", Name: "A"},
		source.CatalogItem{ID: "2", Name: "B"},
		source.CatalogItem{ID: "3", Name: "C"},
	)

	n, err := d.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	last, err := d.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, now.Equal(last))

	raw, err := s.GetMeta(ctx, MetaLastSync)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(now.UnixMilli(), 10), raw)
	assert.NoError(t, d.Ready(ctx))
}

func TestSyncAllFailureLeavesMetaUntouched(t *testing.T) {
	_, s := newTestDirectory(t)
	d := New(&failingStore{SQLStore: s}, 2)
	ctx := context.Background()

	_, err := d.SyncAll(ctx, &fakeCatalog{items: []source.CatalogItem{
		{ID: "1", Name: "A"}, {ID: "2", Name: "B"}, {ID: "3", Name: "C"},
	}})
	require.Error(t, err)

	n, err := d.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	last, err := d.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}

func TestSyncAllRejectsEmptyCatalog(t *testing.T) {
	d, _ := newTestDirectory(t)

	_, err := d.SyncAll(context.Background(), &fakeCatalog{})
	assert.ErrorIs(t, err, ErrEmptyCatalog)

	_, err = d.SyncAll(context.Background(), &fakeCatalog{err: source.ErrUnavailable})
	assert.ErrorIs(t, err, source.ErrUnavailable)
}
