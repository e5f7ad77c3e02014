// Package config loads and validates supervisor configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/reconcile"
)

// EnvPrefix is prepended to every environment override, e.g.
// CRAWL_SUPERVISOR_CRAWLER_API_BASE_URL.
const EnvPrefix = "CRAWL_SUPERVISOR"

// WebhookPath is the route the crawler posts progress to.
const WebhookPath = "/admin/initial_crawling/webhook"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	CrawlerAPI CrawlerAPIConfig `mapstructure:"crawler_api"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles for the control routes.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerAPIConfig points at the external crawler's control API.
type CrawlerAPIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
	// CrawlingType is sent with every start request: initial or daily.
	CrawlingType string `mapstructure:"crawling_type"`
}

// WebhookConfig describes how the crawler reaches us.
type WebhookConfig struct {
	// PublicURL is this service's externally reachable base URL.
	PublicURL string `mapstructure:"public_url"`
	// Token, when set, must match the X-Webhook-Token header.
	Token string `mapstructure:"token"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects the
// in-memory repository.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// StorageConfig selects where completion reports are archived.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem blob store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// ReconcileConfig tunes progress reconciliation.
type ReconcileConfig struct {
	StaleAfter   time.Duration          `mapstructure:"stale_after"`
	Denominators reconcile.Denominators `mapstructure:"denominators"`
}

// SchedulerConfig controls the periodic poll and sweep jobs.
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	PollSchedule  string        `mapstructure:"poll_schedule"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
}

// BroadcastConfig configures the hub and its sinks.
type BroadcastConfig struct {
	BufferSize        int                   `mapstructure:"buffer_size"`
	MaxBatchEvents    int                   `mapstructure:"max_batch_events"`
	MaxBatchWait      time.Duration         `mapstructure:"max_batch_wait"`
	SinkTimeout       time.Duration         `mapstructure:"sink_timeout"`
	LogEnabled        bool                  `mapstructure:"log_enabled"`
	PrometheusEnabled bool                  `mapstructure:"prometheus_enabled"`
	WebSocketEnabled  bool                  `mapstructure:"websocket_enabled"`
	Redis             RedisBroadcastConfig  `mapstructure:"redis"`
	PubSub            PubSubBroadcastConfig `mapstructure:"pubsub"`
}

// RedisBroadcastConfig enables the Redis PUBLISH sink.
type RedisBroadcastConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// PubSubBroadcastConfig enables the Pub/Sub sink.
type PubSubBroadcastConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether both project and topic are configured.
func (c PubSubBroadcastConfig) Enabled() bool {
	return c.ProjectID != "" && c.Topic != ""
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	Version        string `mapstructure:"version"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
}

// LoggingConfig toggles zap development features and level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := reconcile.DefaultDenominators()
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler_api.base_url", "http://localhost:3334")
	v.SetDefault("crawler_api.timeout", 5*time.Second)
	v.SetDefault("crawler_api.status_interval", time.Second)
	v.SetDefault("crawler_api.crawling_type", string(crawl.CrawlingInitial))
	v.SetDefault("webhook.public_url", "http://localhost:8080")
	v.SetDefault("webhook.token", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "crawl-reports")
	v.SetDefault("storage.local.base_dir", "./data/reports")
	v.SetDefault("reconcile.stale_after", reconcile.DefaultStaleAfter)
	v.SetDefault("reconcile.denominators.category", d.Category)
	v.SetDefault("reconcile.denominators.parent", d.Parent)
	v.SetDefault("reconcile.denominators.child", d.Child)
	v.SetDefault("reconcile.denominators.detail", d.Detail)
	v.SetDefault("reconcile.denominators.generic", d.Generic)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.poll_schedule", "@every 5s")
	v.SetDefault("scheduler.sweep_schedule", "@every 1h")
	v.SetDefault("scheduler.job_timeout", 30*time.Second)
	v.SetDefault("broadcast.buffer_size", 256)
	v.SetDefault("broadcast.max_batch_events", 32)
	v.SetDefault("broadcast.max_batch_wait", 100*time.Millisecond)
	v.SetDefault("broadcast.sink_timeout", 5*time.Second)
	v.SetDefault("broadcast.log_enabled", true)
	v.SetDefault("broadcast.prometheus_enabled", true)
	v.SetDefault("broadcast.websocket_enabled", true)
	v.SetDefault("broadcast.redis.enabled", false)
	v.SetDefault("broadcast.redis.addr", "localhost:6379")
	v.SetDefault("broadcast.redis.password", "")
	v.SetDefault("broadcast.redis.db", 0)
	v.SetDefault("broadcast.redis.channel_prefix", "crawl:progress:")
	v.SetDefault("broadcast.pubsub.project_id", "")
	v.SetDefault("broadcast.pubsub.topic", "")
	v.SetDefault("telemetry.service_name", "crawl-supervisor")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if _, err := url.ParseRequestURI(c.CrawlerAPI.BaseURL); err != nil {
		return fmt.Errorf("crawler_api.base_url is invalid: %w", err)
	}
	if c.CrawlerAPI.Timeout <= 0 {
		return fmt.Errorf("crawler_api.timeout must be > 0")
	}
	if !crawl.CrawlingType(c.CrawlerAPI.CrawlingType).Valid() {
		return fmt.Errorf("crawler_api.crawling_type %q is not supported", c.CrawlerAPI.CrawlingType)
	}
	if _, err := url.ParseRequestURI(c.Webhook.PublicURL); err != nil {
		return fmt.Errorf("webhook.public_url is invalid: %w", err)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Reconcile.StaleAfter <= 0 {
		return fmt.Errorf("reconcile.stale_after must be > 0")
	}
	d := c.Reconcile.Denominators
	for name, v := range map[string]float64{
		"category": d.Category, "parent": d.Parent, "child": d.Child, "detail": d.Detail, "generic": d.Generic,
	} {
		if v < 0 {
			return fmt.Errorf("reconcile.denominators.%s must be >= 0", name)
		}
	}
	if c.Broadcast.Redis.Enabled && c.Broadcast.Redis.Addr == "" {
		return fmt.Errorf("broadcast.redis.addr must be set when redis is enabled")
	}
	return nil
}

// WebhookURL is the absolute URL handed to the crawler on start.
func (c Config) WebhookURL() string {
	return strings.TrimRight(c.Webhook.PublicURL, "/") + WebhookPath
}
