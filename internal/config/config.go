// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Parser   ParserConfig   `mapstructure:"parser"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlConfig governs session defaults and the dispatch pipeline.
type CrawlConfig struct {
	Concurrency        int     `mapstructure:"concurrency"`
	FailureThreshold   float64 `mapstructure:"failure_threshold"`
	DownshiftFactor    float64 `mapstructure:"downshift_factor"`
	MinSample          int     `mapstructure:"min_sample"`
	UserAgent          string  `mapstructure:"user_agent"`
	RespectRobots      bool    `mapstructure:"respect_robots"`
	PerHostRPS         float64 `mapstructure:"per_host_rps"`
	PerHostBurst       int     `mapstructure:"per_host_burst"`
	TaskTimeoutSeconds int     `mapstructure:"task_timeout_seconds"`
	ShutdownTimeoutSec int     `mapstructure:"shutdown_timeout_seconds"`
	CheckpointSeconds  int     `mapstructure:"checkpoint_seconds"`
	ListURLTemplate    string  `mapstructure:"list_url_template"`
	DetailURLTemplate  string  `mapstructure:"detail_url_template"`
	TotalPages         int     `mapstructure:"total_pages"`
	BatchSize          int     `mapstructure:"batch_size"`
}

// RetryConfig bounds retry budgets and backoff.
type RetryConfig struct {
	MaxPageRetries   int `mapstructure:"max_page_retries"`
	MaxDetailRetries int `mapstructure:"max_detail_retries"`
	MaxParseRetries  int `mapstructure:"max_parse_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	MinBodyBytes  int  `mapstructure:"min_body_bytes"`
}

// ParserConfig carries the extraction selectors.
type ParserConfig struct {
	ItemSelector   string            `mapstructure:"item_selector"`
	IDAttr         string            `mapstructure:"id_attr"`
	LinkSelector   string            `mapstructure:"link_selector"`
	BaseURL        string            `mapstructure:"base_url"`
	FieldSelectors map[string]string `mapstructure:"field_selectors"`
	RequiredFields []string          `mapstructure:"required_fields"`
}

// StorageConfig selects where tokens and products are persisted.
type StorageConfig struct {
	// TokenBackend is one of memory, local, postgres, gcs.
	TokenBackend string `mapstructure:"token_backend"`
	LocalDir     string `mapstructure:"local_dir"`
	PostgresDSN  string `mapstructure:"postgres_dsn"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	// PersistProducts writes products to Postgres instead of memory.
	PersistProducts bool `mapstructure:"persist_products"`
}

// EventsConfig controls event stream fan-out.
type EventsConfig struct {
	// Generalized flattens every event onto one wire name.
	Generalized     bool   `mapstructure:"generalized"`
	SubscriberDepth int    `mapstructure:"subscriber_depth"`
	PubSubProjectID string `mapstructure:"pubsub_project_id"`
	PubSubTopic     string `mapstructure:"pubsub_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOGCRAWL")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("crawl.concurrency", 4)
	v.SetDefault("crawl.failure_threshold", 0.30)
	v.SetDefault("crawl.downshift_factor", 0.5)
	v.SetDefault("crawl.min_sample", 10)
	v.SetDefault("crawl.user_agent", "catalogcrawl-bot/0.1")
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.per_host_rps", 2.0)
	v.SetDefault("crawl.per_host_burst", 2)
	v.SetDefault("crawl.task_timeout_seconds", 30)
	v.SetDefault("crawl.shutdown_timeout_seconds", 15)
	v.SetDefault("crawl.checkpoint_seconds", 30)
	v.SetDefault("crawl.batch_size", 50)
	v.SetDefault("retry.max_page_retries", 3)
	v.SetDefault("retry.max_detail_retries", 3)
	v.SetDefault("retry.max_parse_retries", 1)
	v.SetDefault("retry.backoff_initial_ms", 250)
	v.SetDefault("retry.backoff_max_ms", 5000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.min_body_bytes", 2048)
	v.SetDefault("parser.item_selector", "[data-id]")
	v.SetDefault("parser.id_attr", "data-id")
	v.SetDefault("parser.link_selector", "a")
	v.SetDefault("storage.token_backend", "memory")
	v.SetDefault("storage.local_dir", "tokens")
	v.SetDefault("events.generalized", false)
	v.SetDefault("events.subscriber_depth", 256)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	if c.Crawl.FailureThreshold <= 0 || c.Crawl.FailureThreshold >= 1 {
		return fmt.Errorf("crawl.failure_threshold must be in (0, 1)")
	}
	if c.Crawl.TaskTimeoutSeconds <= 0 {
		return fmt.Errorf("crawl.task_timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.TokenBackend {
	case "memory", "local", "postgres", "gcs":
	default:
		return fmt.Errorf("storage.token_backend must be one of memory, local, postgres, gcs")
	}
	if c.Storage.TokenBackend == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.postgres_dsn must be set for the postgres backend")
	}
	if c.Storage.TokenBackend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
	}
	if c.Events.PubSubTopic != "" && c.Events.PubSubProjectID == "" {
		return fmt.Errorf("events.pubsub_project_id must be set when a topic is configured")
	}
	return nil
}

// TaskTimeout converts the crawl timeout config into a duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Crawl.TaskTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds the in-flight drain on shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Crawl.ShutdownTimeoutSec) * time.Second
}

// CheckpointEvery is the periodic token persistence interval; zero
// disables checkpointing.
func (c Config) CheckpointEvery() time.Duration {
	return time.Duration(c.Crawl.CheckpointSeconds) * time.Second
}
