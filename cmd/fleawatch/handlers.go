package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/elonfeng/fleawatch/internal/config"
	"github.com/elonfeng/fleawatch/internal/logger"
	"github.com/elonfeng/fleawatch/internal/scheduler"
	"github.com/elonfeng/fleawatch/internal/store"
	"github.com/elonfeng/fleawatch/internal/telemetry"
	"github.com/elonfeng/fleawatch/internal/watch"
	"github.com/elonfeng/fleawatch/pkg/alert"
	"github.com/elonfeng/fleawatch/pkg/directory"
	"github.com/elonfeng/fleawatch/pkg/server"
	"github.com/elonfeng/fleawatch/pkg/source"
)

// app holds the components every command is built from.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	db      *store.SQLStore
	dir     *directory.Directory
	market  *source.Tarkov
	prices  source.PriceSource
	catalog *scheduler.CatalogSync
	svc     *watch.Service

	redis    redis.UniversalClient
	shutdown telemetry.ShutdownFunc
}

func loadConfig() (*config.Config, error) {
	// A missing .env is fine; env vars may come from the environment.
	_ = godotenv.Load()

	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	db, err := store.New(cfg.Database.Driver, cfg.Database.DSN, store.Limits{
		MaxPerUser:  cfg.Limits.MaxPerUser,
		MaxPerScope: cfg.Limits.MaxPerScope,
	})
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}

	log.Debug("store opened", logger.String("driver", db.Driver()))

	a := &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		dir:      directory.New(db, cfg.Catalog.BatchSize),
		shutdown: shutdown,
	}

	a.market = source.NewTarkov(source.TarkovOptions{
		Endpoint:        cfg.Market.Endpoint,
		Timeout:         cfg.Market.ParseTimeout(),
		RatePerSecond:   cfg.Market.RatePerSecond,
		Burst:           cfg.Market.Burst,
		BreakerFailures: cfg.Market.BreakerFailures,
		BreakerCooldown: cfg.Market.ParseBreakerCooldown(),
	})
	a.prices = a.buildPrices(ctx)

	a.catalog = scheduler.NewCatalogSync(a.dir, a.market,
		cfg.Schedule.ParseStaleness(), cfg.Schedule.AutoRefresh, log)

	a.svc = watch.NewService(db, a.dir, a.prices, a.catalog, watch.Options{
		Admins:       cfg.Admin.UserIDs,
		ListLimit:    cfg.Limits.ListLimit,
		SuggestLimit: cfg.Limits.SuggestLimit,
	})
	return a, nil
}

// buildPrices wraps the market client with the redis quote cache when one
// is configured and reachable.
func (a *app) buildPrices(ctx context.Context) source.PriceSource {
	rc := a.cfg.Cache.Redis
	if !rc.Enabled {
		return a.market
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.log.Warn("redis unreachable, quote cache disabled",
			logger.String("addr", rc.Addr), logger.Error(err))
		_ = client.Close()
		return a.market
	}

	a.redis = client
	a.log.Info("quote cache enabled", logger.String("addr", rc.Addr), logger.Duration("ttl", rc.ParseTTL()))
	return source.NewCachedPrices(a.market, client, rc.ParseTTL(), a.log)
}

func (a *app) buildAlertManager() *alert.Manager {
	var notifiers []alert.Notifier
	alerts := a.cfg.Alerts

	if alerts.Discord.Active() {
		notifiers = append(notifiers, alert.NewDiscord(alerts.Discord.APIBase, alerts.Discord.BotToken))
	}
	if alerts.Slack.Active() {
		notifiers = append(notifiers, alert.NewSlack(alerts.Slack.APIBase, alerts.Slack.BotToken))
	}
	if alerts.Webhook.Enabled && alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(alerts.Webhook.URL, alerts.Webhook.Secret))
	}

	mgr := alert.NewManager(notifiers)
	if !mgr.HasNotifiers() {
		a.log.Warn("no alert destinations configured; triggered watches will only be logged")
	} else {
		a.log.Info("alert destinations", logger.String("notifiers", fmt.Sprint(mgr.Names())))
	}
	return mgr
}

func (a *app) newScheduler() *scheduler.Scheduler {
	sc := a.cfg.Schedule
	return scheduler.New(a.db, a.dir, a.prices, a.buildAlertManager(), a.catalog, scheduler.Config{
		Cooldown:     sc.ParseCooldown(),
		Concurrency:  sc.Concurrency,
		FetchTimeout: sc.ParseFetchTimeout(),
		DebugPrices:  a.cfg.Market.DebugPrices,
	}, a.log)
}

func (a *app) newServer(port int) *server.Server {
	if port == 0 {
		port = a.cfg.Server.Port
	}
	return server.New(a.svc, a.dir, a.db, a.log, server.Options{
		Port:           port,
		RequestTimeout: a.cfg.Server.ParseRequestTimeout(),
		CORSOrigins:    a.cfg.Server.CORSOrigins,
	})
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.shutdown(ctx); err != nil {
		a.log.Warn("tracer shutdown failed", logger.Error(err))
	}
	_ = a.db.Close()
	_ = a.log.Sync()
}

func runDaemon(port int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.catalog.Start(ctx)
	defer a.catalog.Stop()

	sched := a.newScheduler()
	go func() {
		if err := sched.Run(ctx, a.cfg.Schedule.ParseSweepInterval()); err != nil && ctx.Err() == nil {
			a.log.Error("scheduler error", logger.Error(err))
		}
	}()

	return serveUntilDone(ctx, a, a.newServer(port))
}

func runServe(port int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.catalog.Start(ctx)
	defer a.catalog.Stop()

	return serveUntilDone(ctx, a, a.newServer(port))
}

func serveUntilDone(ctx context.Context, a *app, srv *server.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(stopCtx)
}

func runSweep(jsonOutput bool) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.newScheduler().Sweep(ctx)
	if errors.Is(err, directory.ErrEmpty) {
		return cliError(err, "")
	}
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	if jsonOutput {
		return printJSON(report)
	}
	fmt.Printf("sweep %s: %d watches, %d triggered (%d undelivered), %d in cooldown, %d above target, %d skipped, %d failed\n",
		report.ID, report.Watches, report.Triggered, report.DispatchFailed,
		report.InCooldown, report.NotMet, report.Skipped, report.Failed)
	return nil
}

func runSync() error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(os.Stderr, "importing catalog from %s...\n", a.market.Name())
	n, err := a.catalog.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync catalog: %w", err)
	}
	fmt.Println(watch.FormatSynced(n))
	return nil
}

func (c callerFlags) caller() watch.Caller {
	return watch.Caller{ScopeID: c.scope, ChannelID: c.channel, UserID: c.user}
}

func runWatchAdd(c callerFlags, item string, maxPrice int64, once bool) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.CreateOrUpdateWatch(ctx, c.caller(), item, maxPrice, once)
	if err != nil {
		return cliError(err, item)
	}
	fmt.Println(watch.FormatWatchResult(res))
	return nil
}

func runWatchList(c callerFlags) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	watches, err := a.svc.ListWatches(ctx, c.caller())
	if err != nil {
		return cliError(err, "")
	}
	if len(watches) == 0 {
		fmt.Println(watch.FormatWatchList(nil))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tITEM\tMAX PRICE\tONCE\tCOOLDOWN UNTIL")
	for _, wt := range watches {
		cooldown := "-"
		if wt.CooldownUntil > 0 {
			cooldown = time.UnixMilli(wt.CooldownUntil).Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n",
			wt.ID, wt.ItemName, alert.FormatPrice(wt.MaxPrice), wt.Once, cooldown)
	}
	return w.Flush()
}

func runWatchRemove(c callerFlags, item string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.svc.RemoveWatch(ctx, c.caller(), item)
	if err != nil {
		return cliError(err, item)
	}
	fmt.Println(watch.FormatRemoved(item, n))
	return nil
}

func runWatchClear(c callerFlags) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.svc.ClearWatches(ctx, c.caller())
	if err != nil {
		return cliError(err, "")
	}
	fmt.Println(watch.FormatCleared(n))
	return nil
}

func runItemsSearch(q string, limit int) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.dir.Ready(ctx); err != nil {
		return cliError(err, q)
	}
	choices, err := a.dir.Suggest(ctx, q, limit)
	if err != nil {
		return fmt.Errorf("suggest: %w", err)
	}
	if len(choices) == 0 {
		fmt.Println("no matching items")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tVALUE")
	for _, c := range choices {
		fmt.Fprintf(w, "%s\t%s\n", c.Label, c.Value)
	}
	return w.Flush()
}

func runItemsResolve(q string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.dir.Ready(ctx); err != nil {
		return cliError(err, q)
	}
	item, err := a.dir.Resolve(ctx, q)
	if err != nil {
		return cliError(err, q)
	}
	return printJSON(item)
}

func runPrice(item string, jsonOutput bool) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	pc, err := a.svc.CheckPrice(ctx, item)
	if err != nil {
		return cliError(err, item)
	}
	if jsonOutput {
		return printJSON(pc)
	}
	fmt.Println(watch.FormatPriceCheck(pc))
	return nil
}

// cliError prefers the user-facing message; unexpected errors keep their
// detail since the operator is the one reading it.
func cliError(err error, input string) error {
	if !watch.IsUserFacing(err) {
		return err
	}
	return errors.New(watch.UserMessage(err, input))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
