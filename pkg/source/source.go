package source

import (
	"context"
	"errors"
)

// ErrUnavailable marks a transient failure to reach or decode a market
// source. Callers treat it as "no usable price" and retry on a later sweep.
var ErrUnavailable = errors.New("market source unavailable")

// CatalogItem is one entry of the external item listing.
type CatalogItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ShortName string `json:"shortName"`
}

// Quote is the current market data for one item. Zero prices mean the
// source has no data for that field.
type Quote struct {
	ItemID  string `json:"item_id"`
	Name    string `json:"name"`
	Avg24h  int64  `json:"avg_24h"`
	LastLow int64  `json:"last_low"`
	Vendor  int64  `json:"vendor,omitempty"`
	Found   bool   `json:"found"`
}

// Price returns the price a watch is compared against: the trailing 24h
// average when positive, else the last observed low, else 0 (no data).
// Vendor prices are informational and never used.
func (q *Quote) Price() int64 {
	if q == nil || !q.Found {
		return 0
	}
	if q.Avg24h > 0 {
		return q.Avg24h
	}
	if q.LastLow > 0 {
		return q.LastLow
	}
	return 0
}

// PriceSource fetches a quote by item id. An unknown item or an item without
// prices is a valid result, not an error.
type PriceSource interface {
	Name() string
	Quote(ctx context.Context, itemID string) (*Quote, error)
}

// CatalogSource lists every item the market knows about.
type CatalogSource interface {
	Name() string
	ListItems(ctx context.Context) ([]CatalogItem, error)
}
