package source

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/elonfeng/fleawatch/internal/logger"
)

const keyPrefixQuote = "fleawatch:quote:"

// QuoteKey returns the redis key for an item's cached quote.
func QuoteKey(itemID string) string {
	return keyPrefixQuote + itemID
}

// CachedPrices serves quotes from redis for ttl before asking the wrapped
// source again. Several watches on one item share a single upstream call per
// ttl. Redis failures are logged and fall through to the wrapped source.
type CachedPrices struct {
	next   PriceSource
	client redis.UniversalClient
	ttl    time.Duration
	logger logger.Logger
}

// NewCachedPrices wraps next with a redis cache.
func NewCachedPrices(next PriceSource, client redis.UniversalClient, ttl time.Duration, log logger.Logger) *CachedPrices {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedPrices{next: next, client: client, ttl: ttl, logger: log}
}

func (c *CachedPrices) Name() string { return c.next.Name() + "+redis" }

// Quote returns a cached quote when present, otherwise fetches and caches it.
// Only found quotes are cached.
func (c *CachedPrices) Quote(ctx context.Context, itemID string) (*Quote, error) {
	key := QuoteKey(itemID)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var q Quote
		if jsonErr := json.Unmarshal(raw, &q); jsonErr == nil {
			return &q, nil
		}
		c.logger.Warn("discarding undecodable cached quote", logger.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("quote cache read failed", logger.String("key", key), logger.Error(err))
	}

	q, err := c.next.Quote(ctx, itemID)
	if err != nil || q == nil || !q.Found {
		return q, err
	}

	if data, mErr := json.Marshal(q); mErr == nil {
		if setErr := c.client.Set(ctx, key, data, c.ttl).Err(); setErr != nil {
			c.logger.Warn("quote cache write failed", logger.String("key", key), logger.Error(setErr))
		}
	}
	return q, nil
}
