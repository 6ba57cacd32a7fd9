package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/elonfeng/fleawatch/internal/store"
	"github.com/elonfeng/fleawatch/pkg/source"
)

// Meta keys written by SyncAll.
const (
	MetaLastSync  = "items_last_sync_ms"
	MetaItemCount = "items_count"
)

const defaultSuggestLimit = 25

var (
	ErrEmpty        = errors.New("item directory is empty")
	ErrNotFound     = errors.New("item not found")
	ErrEmptyCatalog = errors.New("catalog source returned no items")
)

// NotFoundError echoes the input that failed to resolve.
type NotFoundError struct {
	Input string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no item matches %q", e.Input)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ItemStore is the persistence the directory needs.
type ItemStore interface {
	UpsertItems(ctx context.Context, items []store.Item, batchSize int) error
	ItemByKey(ctx context.Context, key string) (*store.Item, error)
	ItemContainingKey(ctx context.Context, key string) (*store.Item, error)
	SearchItems(ctx context.Context, key string, limit int) ([]store.Item, error)
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, values map[string]string) error
}

// Suggestion is one autocomplete choice. Value round-trips into Resolve.
type Suggestion struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Directory resolves free text to catalog items.
type Directory struct {
	store     ItemStore
	batchSize int
	now       func() time.Time
	tracer    trace.Tracer
}

// New creates a directory. batchSize <= 0 selects 400.
func New(s ItemStore, batchSize int) *Directory {
	if batchSize <= 0 {
		batchSize = 400
	}
	return &Directory{
		store:     s,
		batchSize: batchSize,
		now:       time.Now,
		tracer:    otel.Tracer("fleawatch/directory"),
	}
}

// WithClock overrides the time source used to stamp syncs.
func (d *Directory) WithClock(now func() time.Time) *Directory {
	d.now = now
	return d
}

// Resolve finds the item for raw input: an exact key match first, otherwise
// the shortest key containing the input.
func (d *Directory) Resolve(ctx context.Context, raw string) (*store.Item, error) {
	key := NameKey(raw)
	if key == "" {
		return nil, &NotFoundError{Input: raw}
	}

	item, err := d.store.ItemByKey(ctx, key)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	item, err = d.store.ItemContainingKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Input: raw}
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Suggest ranks items for partial input. Empty input matches everything.
func (d *Directory) Suggest(ctx context.Context, partial string, limit int) ([]Suggestion, error) {
	if limit <= 0 {
		limit = defaultSuggestLimit
	}
	items, err := d.store.SearchItems(ctx, NameKey(partial), limit)
	if err != nil {
		return nil, err
	}

	out := make([]Suggestion, 0, len(items))
	for _, it := range items {
		out = append(out, Suggestion{Label: Label(it), Value: it.Name})
	}
	return out, nil
}

// Label renders "Name (Short)" when a short name exists.
func Label(it store.Item) string {
	if it.ShortName == "" {
		return it.Name
	}
	return it.Name + " (" + it.ShortName + ")"
}

// SyncAll imports the full catalog. The sync timestamp and item count are
// written only after every batch succeeded.
func (d *Directory) SyncAll(ctx context.Context, catalog source.CatalogSource) (int, error) {
	ctx, span := d.tracer.Start(ctx, "directory.sync",
		trace.WithAttributes(attribute.String("catalog.source", catalog.Name())))
	defer span.End()

	listed, err := catalog.ListItems(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("list catalog: %w", err)
	}
	if len(listed) == 0 {
		return 0, ErrEmptyCatalog
	}

	items := make([]store.Item, 0, len(listed))
	for _, it := range listed {
		if it.ID == "" {
			continue
		}
		items = append(items, store.Item{
			ID:        it.ID,
			Name:      it.Name,
			ShortName: it.ShortName,
			NameKey:   NameKey(it.Name),
		})
	}

	if err := d.store.UpsertItems(ctx, items, d.batchSize); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("import catalog: %w", err)
	}

	err = d.store.SetMeta(ctx, map[string]string{
		MetaLastSync:  strconv.FormatInt(d.now().UnixMilli(), 10),
		MetaItemCount: strconv.Itoa(len(items)),
	})
	if err != nil {
		return 0, fmt.Errorf("record sync: %w", err)
	}

	span.SetAttributes(attribute.Int("catalog.items", len(items)))
	return len(items), nil
}

// Count returns the item count recorded by the last successful sync.
func (d *Directory) Count(ctx context.Context) (int, error) {
	v, err := d.store.GetMeta(ctx, MetaItemCount)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", MetaItemCount, v, err)
	}
	return n, nil
}

// LastSync returns when the catalog was last imported, zero if never.
func (d *Directory) LastSync(ctx context.Context) (time.Time, error) {
	v, err := d.store.GetMeta(ctx, MetaLastSync)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %q: %w", MetaLastSync, v, err)
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

// Ready returns ErrEmpty until the catalog has been imported.
func (d *Directory) Ready(ctx context.Context) error {
	n, err := d.Count(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEmpty
	}
	return nil
}
