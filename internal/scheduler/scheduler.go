package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/fleawatch/internal/logger"
	"github.com/elonfeng/fleawatch/internal/store"
	"github.com/elonfeng/fleawatch/pkg/alert"
	"github.com/elonfeng/fleawatch/pkg/directory"
	"github.com/elonfeng/fleawatch/pkg/source"
)

// WatchStore is the part of the store a sweep touches.
type WatchStore interface {
	AllWatches(ctx context.Context) ([]store.Watch, error)
	ClaimCooldown(ctx context.Context, id, nowMs, untilMs int64) (bool, error)
	ConsumeOnce(ctx context.Context, id, nowMs int64) (bool, error)
}

// Catalog reports how many items are imported.
type Catalog interface {
	Count(ctx context.Context) (int, error)
}

// Dispatcher delivers an alert to a channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, channelID string, msg *alert.Message) error
}

// Config tunes the sweep.
type Config struct {
	Cooldown     time.Duration
	Concurrency  int
	FetchTimeout time.Duration
	DebugPrices  bool
}

// Scheduler evaluates every watch against current prices on a fixed interval.
type Scheduler struct {
	watches    WatchStore
	catalog    Catalog
	prices     source.PriceSource
	dispatcher Dispatcher
	sync       *CatalogSync
	cfg        Config
	logger     logger.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// New creates a scheduler. sync may be nil to disable stale-catalog refresh.
func New(
	watches WatchStore,
	catalog Catalog,
	prices source.PriceSource,
	dispatcher Dispatcher,
	sync *CatalogSync,
	cfg Config,
	log logger.Logger,
) *Scheduler {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	return &Scheduler{
		watches:    watches,
		catalog:    catalog,
		prices:     prices,
		dispatcher: dispatcher,
		sync:       sync,
		cfg:        cfg,
		logger:     log,
		tracer:     otel.Tracer("fleawatch/scheduler"),
		now:        time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run sweeps immediately and then every interval. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("scheduler running", logger.Duration("interval", interval), logger.Duration("cooldown", s.cfg.Cooldown))
	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	report, err := s.Sweep(ctx)
	switch {
	case errors.Is(err, directory.ErrEmpty):
		s.logger.Warn("item directory is empty, skipping price checks; run a catalog sync")
	case err != nil && ctx.Err() == nil:
		s.logger.Error("sweep failed", logger.String("sweep_id", report.ID), logger.Error(err))
	}
}

type outcome int

const (
	outcomeCooldown outcome = iota
	outcomeMalformed
	outcomeFetchFailed
	outcomeNoPrice
	outcomeNotMet
	outcomeClaimLost
	outcomeTriggered
	outcomeDispatchFailed
	outcomeError
)

func (o outcome) String() string {
	switch o {
	case outcomeCooldown:
		return "cooldown"
	case outcomeMalformed:
		return "malformed"
	case outcomeFetchFailed:
		return "fetch_failed"
	case outcomeNoPrice:
		return "no_price"
	case outcomeNotMet:
		return "not_met"
	case outcomeClaimLost:
		return "claim_lost"
	case outcomeTriggered:
		return "triggered"
	case outcomeDispatchFailed:
		return "dispatch_failed"
	}
	return "error"
}

// Report summarizes one sweep. Triggered counts every watch whose state
// transitioned, including those whose alert could not be delivered.
type Report struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"started_at"`
	Watches        int       `json:"watches"`
	InCooldown     int       `json:"in_cooldown"`
	Skipped        int       `json:"skipped"`
	NotMet         int       `json:"not_met"`
	Triggered      int       `json:"triggered"`
	DispatchFailed int       `json:"dispatch_failed"`
	Failed         int       `json:"failed"`

	mu sync.Mutex
}

func (r *Report) record(o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch o {
	case outcomeCooldown:
		r.InCooldown++
	case outcomeMalformed, outcomeFetchFailed, outcomeNoPrice, outcomeClaimLost:
		r.Skipped++
	case outcomeNotMet:
		r.NotMet++
	case outcomeTriggered:
		r.Triggered++
	case outcomeDispatchFailed:
		r.Triggered++
		r.DispatchFailed++
	default:
		r.Failed++
	}
}

// Sweep runs one evaluation pass over every watch. It returns
// directory.ErrEmpty without touching any watch when no items are imported.
func (s *Scheduler) Sweep(ctx context.Context) (*Report, error) {
	start := s.now()
	report := &Report{ID: uuid.NewString(), StartedAt: start}

	ctx, span := s.tracer.Start(ctx, "scheduler.sweep", trace.WithAttributes(attribute.String("sweep.id", report.ID)))
	defer span.End()
	timer := prometheus.NewTimer(sweepDuration)
	defer timer.ObserveDuration()

	if s.sync != nil {
		s.sync.RefreshIfStale(ctx, start)
	}

	count, err := s.catalog.Count(ctx)
	if err != nil {
		sweepsTotal.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("count items: %w", err)
	}
	if count == 0 {
		sweepsTotal.WithLabelValues("empty_directory").Inc()
		return report, directory.ErrEmpty
	}

	watches, err := s.watches.AllWatches(ctx)
	if err != nil {
		sweepsTotal.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return report, fmt.Errorf("load watches: %w", err)
	}
	report.Watches = len(watches)
	span.SetAttributes(attribute.Int("sweep.watches", len(watches)))
	if len(watches) == 0 {
		sweepsTotal.WithLabelValues("ok").Inc()
		return report, nil
	}

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for i := range watches {
		w := watches[i]
		g.Go(func() error {
			s.evaluate(ctx, &w, start, report)
			return nil
		})
	}
	_ = g.Wait()

	sweepsTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.Int("sweep.triggered", report.Triggered))
	s.logger.Info("sweep complete",
		logger.String("sweep_id", report.ID),
		logger.Int("watches", report.Watches),
		logger.Int("triggered", report.Triggered),
		logger.Int("skipped", report.Skipped),
		logger.Int("failed", report.Failed),
		logger.Duration("took", s.now().Sub(start)))
	return report, nil
}

// evaluate isolates one watch: a panic or error here never stops the sweep.
func (s *Scheduler) evaluate(ctx context.Context, w *store.Watch, now time.Time, report *Report) {
	log := s.logger.With(
		logger.Int64("watch_id", w.ID),
		logger.String("item_id", w.ItemID),
		logger.String("scope_id", w.ScopeID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("watch evaluation panicked", logger.String("panic", fmt.Sprint(r)))
			report.record(outcomeError)
			watchEvaluations.WithLabelValues(outcomeError.String()).Inc()
		}
	}()

	o := s.evaluateWatch(ctx, w, now, log)
	report.record(o)
	watchEvaluations.WithLabelValues(o.String()).Inc()
}

func (s *Scheduler) evaluateWatch(ctx context.Context, w *store.Watch, now time.Time, log logger.Logger) outcome {
	nowMs := now.UnixMilli()
	if w.CooldownUntil > nowMs {
		return outcomeCooldown
	}
	if w.ItemID == "" {
		log.Warn("watch has no item id")
		return outcomeMalformed
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	quote, err := s.prices.Quote(fetchCtx, w.ItemID)
	cancel()
	if err != nil {
		log.Warn("price fetch failed", logger.Error(err))
		return outcomeFetchFailed
	}

	price := quote.Price()
	if s.cfg.DebugPrices {
		log.Info("price check",
			logger.String("item", w.ItemName),
			logger.Int64("avg_24h", quote.Avg24h),
			logger.Int64("last_low", quote.LastLow),
			logger.Int64("vendor", quote.Vendor),
			logger.Int64("price", price),
			logger.Int64("max_price", w.MaxPrice))
	}
	if price <= 0 {
		return outcomeNoPrice
	}
	if price > w.MaxPrice {
		return outcomeNotMet
	}

	won, err := s.claim(ctx, w, nowMs)
	if err != nil {
		log.Error("claim watch failed", logger.Error(err))
		return outcomeError
	}
	if !won {
		log.Debug("watch claimed elsewhere")
		return outcomeClaimLost
	}

	msg := alert.NewPriceAlert(alert.PriceAlert{
		ScopeID:  w.ScopeID,
		UserID:   w.UserID,
		WatchID:  w.ID,
		ItemID:   w.ItemID,
		ItemName: w.ItemName,
		Price:    price,
		MaxPrice: w.MaxPrice,
		Once:     w.Once,
	})
	if err := s.dispatcher.Dispatch(ctx, w.ChannelID, msg); err != nil {
		log.Error("alert dispatch failed", logger.Error(err))
		return outcomeDispatchFailed
	}

	log.Info("watch triggered",
		logger.String("item", w.ItemName),
		logger.Int64("price", price),
		logger.Int64("max_price", w.MaxPrice),
		logger.Bool("once", w.Once))
	return outcomeTriggered
}

// claim performs the state transition before the alert is sent: a once
// watch is deleted, any other watch enters cooldown. Only the caller that
// wins the conditional write may notify.
func (s *Scheduler) claim(ctx context.Context, w *store.Watch, nowMs int64) (bool, error) {
	if w.Once {
		return s.watches.ConsumeOnce(ctx, w.ID, nowMs)
	}
	return s.watches.ClaimCooldown(ctx, w.ID, nowMs, nowMs+s.cfg.Cooldown.Milliseconds())
}
