package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Item is one catalog entry.
type Item struct {
	ID        string `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	ShortName string `db:"short_name" json:"short_name,omitempty"`
	NameKey   string `db:"name_key" json:"name_key"`
}

// Watch is a standing price subscription for one (scope, user, item).
// CreatedAt and CooldownUntil are unix milliseconds; a zero cooldown means
// the watch is immediately eligible.
type Watch struct {
	ID            int64  `db:"id" json:"id"`
	ScopeID       string `db:"scope_id" json:"scope_id"`
	ChannelID     string `db:"channel_id" json:"channel_id"`
	UserID        string `db:"user_id" json:"user_id"`
	ItemID        string `db:"item_id" json:"item_id"`
	ItemName      string `db:"item_name" json:"item_name"`
	ItemKey       string `db:"item_key" json:"item_key"`
	MaxPrice      int64  `db:"max_price" json:"max_price"`
	Once          bool   `db:"once" json:"once"`
	CreatedAt     int64  `db:"created_at" json:"created_at"`
	CooldownUntil int64  `db:"cooldown_until" json:"cooldown_until"`
}

// InCooldown reports whether the watch must not trigger at now.
func (w *Watch) InCooldown(now time.Time) bool {
	return w.CooldownUntil > now.UnixMilli()
}

// WatchInput carries the fields a watch request may set.
type WatchInput struct {
	ScopeID   string
	ChannelID string
	UserID    string
	ItemID    string
	ItemName  string
	ItemKey   string
	MaxPrice  int64
	Once      bool
	Now       time.Time
}

// Limits caps how many watches can be created.
type Limits struct {
	MaxPerUser  int
	MaxPerScope int
}

// Outcome tells whether UpsertWatch inserted or updated a row.
type Outcome int

const (
	Created Outcome = iota + 1
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	}
	return "unknown"
}

// Store is the persistence interface.
type Store interface {
	UpsertItems(ctx context.Context, items []Item, batchSize int) error
	ItemByKey(ctx context.Context, key string) (*Item, error)
	ItemContainingKey(ctx context.Context, key string) (*Item, error)
	SearchItems(ctx context.Context, key string, limit int) ([]Item, error)
	CountItems(ctx context.Context) (int, error)

	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, values map[string]string) error

	UpsertWatch(ctx context.Context, in WatchInput) (Outcome, *Watch, error)
	GetWatch(ctx context.Context, id int64) (*Watch, error)
	ListWatches(ctx context.Context, scopeID, userID string, limit int) ([]Watch, error)
	RemoveByItemKeySubstring(ctx context.Context, scopeID, userID, key string) (int64, error)
	ClearAll(ctx context.Context, scopeID, userID string) (int64, error)
	AllWatches(ctx context.Context) ([]Watch, error)
	ClaimCooldown(ctx context.Context, id, nowMs, untilMs int64) (bool, error)
	ConsumeOnce(ctx context.Context, id, nowMs int64) (bool, error)

	Close() error
}

// SQLStore implements Store on sqlite or postgres.
type SQLStore struct {
	db     *sqlx.DB
	driver string
	limits Limits
}

var _ Store = (*SQLStore)(nil)

// New opens the database, runs migrations and applies default limits.
func New(driver, dsn string, limits Limits) (*SQLStore, error) {
	var schema string
	switch driver {
	case "sqlite":
		dsn = sqliteDSN(dsn)
		schema = sqliteSchema
	case "postgres":
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if limits.MaxPerUser <= 0 {
		limits.MaxPerUser = 25
	}
	if limits.MaxPerScope <= 0 {
		limits.MaxPerScope = 500
	}

	return &SQLStore{db: db, driver: driver, limits: limits}, nil
}

// sqliteDSN appends the pragmas the store relies on: WAL for concurrent
// readers, a busy timeout, and immediate transactions so read-then-write
// upserts take the write lock up front.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

// Limits returns the caps enforced on watch creation.
func (s *SQLStore) Limits() Limits {
	return s.limits
}

// Driver returns the configured SQL driver name.
func (s *SQLStore) Driver() string {
	return s.driver
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
