// Package watch implements the user-facing request surface: the operations a
// chat command or HTTP call maps onto, each a thin composition of the item
// directory, the watch store and the catalog sync job.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/fleawatch/internal/store"
	"github.com/elonfeng/fleawatch/pkg/directory"
	"github.com/elonfeng/fleawatch/pkg/source"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrForbidden      = errors.New("admin only")
	ErrSyncInProgress = errors.New("catalog sync already queued")
)

// UsageError is an ErrInvalidInput that carries the expected command usage.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string { return "usage: " + e.Usage }

func (e *UsageError) Unwrap() error { return ErrInvalidInput }

const (
	usageWatch   = "/watch item:<name> max_price:<number>"
	usageUnwatch = "/unwatch item:<name>"
	usagePrice   = "/price item:<name>"
)

// Store is the part of the watch store the request surface uses.
type Store interface {
	UpsertWatch(ctx context.Context, in store.WatchInput) (store.Outcome, *store.Watch, error)
	ListWatches(ctx context.Context, scopeID, userID string, limit int) ([]store.Watch, error)
	RemoveByItemKeySubstring(ctx context.Context, scopeID, userID, key string) (int64, error)
	ClearAll(ctx context.Context, scopeID, userID string) (int64, error)
}

// Syncer runs catalog imports. Sync blocks; Trigger queues one.
type Syncer interface {
	Sync(ctx context.Context) (int, error)
	Trigger() bool
}

// Caller identifies who issued a request and where replies go.
type Caller struct {
	ScopeID   string `json:"scope_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

func (c Caller) validate() error {
	if c.ScopeID == "" || c.UserID == "" {
		return fmt.Errorf("%w: missing scope or user", ErrInvalidInput)
	}
	return nil
}

// Options configures a Service.
type Options struct {
	Admins       []string
	ListLimit    int
	SuggestLimit int
}

// Service implements the request operations.
type Service struct {
	store        Store
	dir          *directory.Directory
	prices       source.PriceSource
	sync         Syncer
	admins       map[string]struct{}
	listLimit    int
	suggestLimit int
	now          func() time.Time
}

// NewService creates the request service. prices and sync may be nil, which
// disables CheckPrice and the catalog sync operations respectively.
func NewService(st Store, dir *directory.Directory, prices source.PriceSource, sync Syncer, opts Options) *Service {
	admins := make(map[string]struct{}, len(opts.Admins))
	for _, id := range opts.Admins {
		if id = strings.TrimSpace(id); id != "" {
			admins[id] = struct{}{}
		}
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = 25
	}
	if opts.SuggestLimit <= 0 {
		opts.SuggestLimit = 25
	}
	return &Service{
		store:        st,
		dir:          dir,
		prices:       prices,
		sync:         sync,
		admins:       admins,
		listLimit:    opts.ListLimit,
		suggestLimit: opts.SuggestLimit,
		now:          time.Now,
	}
}

// IsAdmin reports whether userID may run catalog syncs.
func (s *Service) IsAdmin(userID string) bool {
	_, ok := s.admins[userID]
	return ok
}

// Resolution is the answer to free-text item input: the resolved item, if
// any, plus ranked choices for autocomplete.
type Resolution struct {
	Item    *store.Item            `json:"item,omitempty"`
	Choices []directory.Suggestion `json:"choices"`
}

// ResolveOrSuggest resolves text and suggests completions for it. An empty
// directory yields no item and no choices rather than an error.
func (s *Service) ResolveOrSuggest(ctx context.Context, text string) (*Resolution, error) {
	res := &Resolution{Choices: []directory.Suggestion{}}

	if err := s.dir.Ready(ctx); err != nil {
		if errors.Is(err, directory.ErrEmpty) {
			return res, nil
		}
		return nil, err
	}

	choices, err := s.dir.Suggest(ctx, text, s.suggestLimit)
	if err != nil {
		return nil, fmt.Errorf("suggest items: %w", err)
	}
	res.Choices = choices

	item, err := s.dir.Resolve(ctx, text)
	switch {
	case err == nil:
		res.Item = item
	case !errors.Is(err, directory.ErrNotFound):
		return nil, fmt.Errorf("resolve item: %w", err)
	}
	return res, nil
}

// WatchResult reports what CreateOrUpdateWatch did.
type WatchResult struct {
	Outcome store.Outcome `json:"-"`
	Status  string        `json:"status"`
	Watch   *store.Watch  `json:"watch"`
}

// CreateOrUpdateWatch resolves rawItem to a catalog item and upserts the
// caller's watch on it. The watch is keyed on the canonical item name so
// differently typed inputs for the same item land on one row.
func (s *Service) CreateOrUpdateWatch(ctx context.Context, c Caller, rawItem string, maxPrice int64, once bool) (*WatchResult, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.ChannelID == "" {
		return nil, fmt.Errorf("%w: missing channel", ErrInvalidInput)
	}
	rawItem = strings.TrimSpace(rawItem)
	if rawItem == "" || maxPrice < 1 {
		return nil, &UsageError{Usage: usageWatch}
	}

	if err := s.dir.Ready(ctx); err != nil {
		return nil, err
	}

	item, err := s.dir.Resolve(ctx, rawItem)
	if err != nil {
		return nil, err
	}

	outcome, w, err := s.store.UpsertWatch(ctx, store.WatchInput{
		ScopeID:   c.ScopeID,
		ChannelID: c.ChannelID,
		UserID:    c.UserID,
		ItemID:    item.ID,
		ItemName:  item.Name,
		ItemKey:   directory.NameKey(item.Name),
		MaxPrice:  maxPrice,
		Once:      once,
		Now:       s.now(),
	})
	if err != nil {
		return nil, err
	}
	return &WatchResult{Outcome: outcome, Status: outcome.String(), Watch: w}, nil
}

// ListWatches returns the caller's watches, newest first.
func (s *Service) ListWatches(ctx context.Context, c Caller) ([]store.Watch, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	return s.store.ListWatches(ctx, c.ScopeID, c.UserID, s.listLimit)
}

// RemoveWatch deletes every caller watch whose key contains the normalized
// input. Short fragments can match, and delete, several watches.
func (s *Service) RemoveWatch(ctx context.Context, c Caller, rawItem string) (int64, error) {
	if err := c.validate(); err != nil {
		return 0, err
	}
	key := directory.NameKey(rawItem)
	if key == "" {
		return 0, &UsageError{Usage: usageUnwatch}
	}
	return s.store.RemoveByItemKeySubstring(ctx, c.ScopeID, c.UserID, key)
}

// ClearWatches deletes all of the caller's watches in the scope.
func (s *Service) ClearWatches(ctx context.Context, c Caller) (int64, error) {
	if err := c.validate(); err != nil {
		return 0, err
	}
	return s.store.ClearAll(ctx, c.ScopeID, c.UserID)
}

// TriggerCatalogSync imports the catalog synchronously on behalf of an admin.
func (s *Service) TriggerCatalogSync(ctx context.Context, userID string) (int, error) {
	if !s.IsAdmin(userID) {
		return 0, ErrForbidden
	}
	if s.sync == nil {
		return 0, errors.New("catalog sync not configured")
	}
	return s.sync.Sync(ctx)
}

// QueueCatalogSync schedules a background import on behalf of an admin.
func (s *Service) QueueCatalogSync(userID string) error {
	if !s.IsAdmin(userID) {
		return ErrForbidden
	}
	if s.sync == nil {
		return errors.New("catalog sync not configured")
	}
	if !s.sync.Trigger() {
		return ErrSyncInProgress
	}
	return nil
}

// PriceCheck is the current market data for a resolved item.
type PriceCheck struct {
	Item  store.Item    `json:"item"`
	Quote *source.Quote `json:"quote"`
	Price int64         `json:"price"`
}

// CheckPrice resolves rawItem and fetches its current usable price. A zero
// Price means the source has no data for the item.
func (s *Service) CheckPrice(ctx context.Context, rawItem string) (*PriceCheck, error) {
	if strings.TrimSpace(rawItem) == "" {
		return nil, &UsageError{Usage: usagePrice}
	}
	if s.prices == nil {
		return nil, errors.New("price source not configured")
	}
	if err := s.dir.Ready(ctx); err != nil {
		return nil, err
	}

	item, err := s.dir.Resolve(ctx, rawItem)
	if err != nil {
		return nil, err
	}

	q, err := s.prices.Quote(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	return &PriceCheck{Item: *item, Quote: q, Price: q.Price()}, nil
}
