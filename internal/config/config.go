package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Schedule  ScheduleConfig  `yaml:"schedule" toml:"schedule"`
	Limits    LimitsConfig    `yaml:"limits" toml:"limits"`
	Catalog   CatalogConfig   `yaml:"catalog" toml:"catalog"`
	Market    MarketConfig    `yaml:"market" toml:"market"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Alerts    AlertsConfig    `yaml:"alerts" toml:"alerts"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Admin     AdminConfig     `yaml:"admin" toml:"admin"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// DatabaseConfig selects the SQL driver and data source.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn" toml:"dsn"`       // file path for sqlite, connection string for postgres
}

// ScheduleConfig configures the sweep loop and catalog refresh.
type ScheduleConfig struct {
	SweepInterval string `yaml:"sweep_interval" toml:"sweep_interval"`
	Cooldown      string `yaml:"cooldown" toml:"cooldown"`
	Staleness     string `yaml:"staleness" toml:"staleness"`
	AutoRefresh   bool   `yaml:"auto_refresh" toml:"auto_refresh"`
	Concurrency   int    `yaml:"concurrency" toml:"concurrency"`
	FetchTimeout  string `yaml:"fetch_timeout" toml:"fetch_timeout"`
}

// ParseSweepInterval returns the sweep interval as time.Duration.
func (s ScheduleConfig) ParseSweepInterval() time.Duration {
	return parseDuration(s.SweepInterval, time.Minute)
}

// ParseCooldown returns the re-trigger window for non-once watches.
func (s ScheduleConfig) ParseCooldown() time.Duration {
	return parseDuration(s.Cooldown, 10*time.Minute)
}

// ParseStaleness returns the catalog age after which a sweep refreshes it.
func (s ScheduleConfig) ParseStaleness() time.Duration {
	return parseDuration(s.Staleness, 7*24*time.Hour)
}

// ParseFetchTimeout returns the per-watch price fetch timeout.
func (s ScheduleConfig) ParseFetchTimeout() time.Duration {
	return parseDuration(s.FetchTimeout, 15*time.Second)
}

// LimitsConfig holds watch caps and listing sizes.
type LimitsConfig struct {
	MaxPerUser   int `yaml:"max_per_user" toml:"max_per_user"`
	MaxPerScope  int `yaml:"max_per_scope" toml:"max_per_scope"`
	ListLimit    int `yaml:"list_limit" toml:"list_limit"`
	SuggestLimit int `yaml:"suggest_limit" toml:"suggest_limit"`
}

// CatalogConfig configures the item dictionary import.
type CatalogConfig struct {
	BatchSize int `yaml:"batch_size" toml:"batch_size"`
}

// MarketConfig configures the tarkov.dev GraphQL client.
type MarketConfig struct {
	Endpoint        string  `yaml:"endpoint" toml:"endpoint"`
	Timeout         string  `yaml:"timeout" toml:"timeout"`
	RatePerSecond   float64 `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst           int     `yaml:"burst" toml:"burst"`
	BreakerFailures int     `yaml:"breaker_failures" toml:"breaker_failures"`
	BreakerCooldown string  `yaml:"breaker_cooldown" toml:"breaker_cooldown"`
	DebugPrices     bool    `yaml:"debug_prices" toml:"debug_prices"`
}

// ParseTimeout returns the HTTP client timeout.
func (m MarketConfig) ParseTimeout() time.Duration {
	return parseDuration(m.Timeout, 20*time.Second)
}

// ParseBreakerCooldown returns how long the breaker stays open.
func (m MarketConfig) ParseBreakerCooldown() time.Duration {
	return parseDuration(m.BreakerCooldown, 30*time.Second)
}

// CacheConfig configures the optional quote cache.
type CacheConfig struct {
	Redis RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig for the redis quote cache.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	TTL      string `yaml:"ttl" toml:"ttl"`
}

// ParseTTL returns how long a cached quote stays valid.
func (r RedisConfig) ParseTTL() time.Duration {
	return parseDuration(r.TTL, time.Minute)
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	Discord DiscordConfig `yaml:"discord" toml:"discord"`
	Slack   SlackConfig   `yaml:"slack" toml:"slack"`
	Webhook WebhookConfig `yaml:"webhook" toml:"webhook"`
}

// DiscordConfig for Discord bot channel messages.
type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	BotToken string `yaml:"bot_token" toml:"bot_token"`
	APIBase  string `yaml:"api_base" toml:"api_base"`
}

// Active reports whether Discord delivery is enabled and has a token.
func (d DiscordConfig) Active() bool { return d.Enabled && d.BotToken != "" }

// SlackConfig for Slack chat.postMessage.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	BotToken string `yaml:"bot_token" toml:"bot_token"`
	APIBase  string `yaml:"api_base" toml:"api_base"`
}

func (s SlackConfig) Active() bool { return s.Enabled && s.BotToken != "" }

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	URL     string `yaml:"url" toml:"url"`
	Secret  string `yaml:"secret" toml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" toml:"port"`
	RequestTimeout string   `yaml:"request_timeout" toml:"request_timeout"`
	CORSOrigins    []string `yaml:"cors_origins" toml:"cors_origins"`
}

// ParseRequestTimeout returns the per-request handler timeout.
func (s ServerConfig) ParseRequestTimeout() time.Duration {
	return parseDuration(s.RequestTimeout, 10*time.Second)
}

// AdminConfig lists users allowed to run privileged operations.
type AdminConfig struct {
	UserIDs []string `yaml:"user_ids" toml:"user_ids"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Pretty bool   `yaml:"pretty" toml:"pretty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" toml:"insecure"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "./fleawatch.db"},
		Schedule: ScheduleConfig{
			SweepInterval: "1m",
			Cooldown:      "10m",
			Staleness:     "168h",
			AutoRefresh:   true,
			Concurrency:   4,
			FetchTimeout:  "15s",
		},
		Limits: LimitsConfig{
			MaxPerUser:   25,
			MaxPerScope:  500,
			ListLimit:    25,
			SuggestLimit: 25,
		},
		Catalog: CatalogConfig{BatchSize: 400},
		Market: MarketConfig{
			Endpoint:        "https://api.tarkov.dev/graphql",
			Timeout:         "20s",
			RatePerSecond:   5,
			Burst:           5,
			BreakerFailures: 5,
			BreakerCooldown: "30s",
		},
		Cache: CacheConfig{
			Redis: RedisConfig{Addr: "localhost:6379", TTL: "1m"},
		},
		Alerts: AlertsConfig{
			Discord: DiscordConfig{APIBase: "https://discord.com/api/v10"},
			Slack:   SlackConfig{APIBase: "https://slack.com/api"},
		},
		Server: ServerConfig{Port: 8080, RequestTimeout: "10s"},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads configuration from a YAML or TOML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Limits.MaxPerUser < 1 || c.Limits.MaxPerScope < 1 {
		return fmt.Errorf("watch limits must be positive (user=%d scope=%d)",
			c.Limits.MaxPerUser, c.Limits.MaxPerScope)
	}
	if c.Alerts.Discord.Active() && c.Alerts.Slack.Active() {
		return fmt.Errorf("alerts: enable either discord or slack, not both; watch channel ids belong to one platform")
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEAWATCH_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("FLEAWATCH_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("FLEAWATCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		cfg.Alerts.Discord.BotToken = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		cfg.Alerts.Slack.BotToken = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
		cfg.Alerts.Webhook.Enabled = true
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Alerts.Webhook.Secret = v
	}
	if v := os.Getenv("ADMIN_USER_IDS"); v != "" {
		cfg.Admin.UserIDs = splitAndTrim(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = v
		cfg.Cache.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
	if v := os.Getenv("DEBUG_PRICES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Market.DebugPrices = b
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.Enabled = true
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
