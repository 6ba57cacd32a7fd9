package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/elonfeng/fleawatch/internal/logger"
	"github.com/elonfeng/fleawatch/pkg/directory"
	"github.com/elonfeng/fleawatch/pkg/source"
)

// CatalogSync refreshes the item directory from the catalog source, either
// on demand (Sync, Trigger) or when a sweep finds the catalog stale.
type CatalogSync struct {
	dir         *directory.Directory
	source      source.CatalogSource
	logger      logger.Logger
	staleness   time.Duration
	autoRefresh bool

	mu       sync.Mutex
	trigger  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCatalogSync creates the sync job. staleness <= 0 selects one week.
func NewCatalogSync(dir *directory.Directory, src source.CatalogSource, staleness time.Duration, autoRefresh bool, log logger.Logger) *CatalogSync {
	if staleness <= 0 {
		staleness = 7 * 24 * time.Hour
	}
	return &CatalogSync{
		dir:         dir,
		source:      src,
		logger:      log,
		staleness:   staleness,
		autoRefresh: autoRefresh,
		trigger:     make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Sync imports the full catalog. Concurrent calls run one after another.
func (c *CatalogSync) Sync(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	n, err := c.dir.SyncAll(ctx, c.source)
	if err != nil {
		catalogSyncs.WithLabelValues("error").Inc()
		return 0, err
	}

	catalogSyncs.WithLabelValues("ok").Inc()
	catalogItems.Set(float64(n))
	c.logger.Info("catalog synced",
		logger.String("source", c.source.Name()),
		logger.Int("items", n),
		logger.Duration("took", time.Since(start)))
	return n, nil
}

// IsStale reports whether the last import is older than the staleness
// window. A catalog that was never imported is not stale: it needs an
// explicit sync first.
func (c *CatalogSync) IsStale(ctx context.Context, now time.Time) (bool, error) {
	last, err := c.dir.LastSync(ctx)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return false, nil
	}
	return now.Sub(last) > c.staleness, nil
}

// RefreshIfStale re-imports a stale catalog. Failures are logged and
// swallowed so the calling sweep carries on with the existing catalog.
func (c *CatalogSync) RefreshIfStale(ctx context.Context, now time.Time) bool {
	if !c.autoRefresh {
		return false
	}

	stale, err := c.IsStale(ctx, now)
	if err != nil {
		c.logger.Warn("catalog staleness check failed", logger.Error(err))
		return false
	}
	if !stale {
		return false
	}

	c.logger.Info("catalog stale, refreshing", logger.Duration("staleness", c.staleness))
	if _, err := c.Sync(ctx); err != nil {
		c.logger.Warn("catalog refresh failed", logger.Error(err))
		return false
	}
	return true
}

// Trigger queues an asynchronous sync for the Start loop. It returns false
// when a sync is already queued.
func (c *CatalogSync) Trigger() bool {
	select {
	case c.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Start runs queued syncs in the background until ctx ends or Stop is called.
func (c *CatalogSync) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-c.trigger:
				c.logger.Info("manual catalog sync triggered")
				if _, err := c.Sync(ctx); err != nil {
					c.logger.Error("manual catalog sync failed", logger.Error(err))
				}
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the Start loop.
func (c *CatalogSync) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
