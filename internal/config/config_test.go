package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 4, cfg.Crawl.Concurrency)
	require.InDelta(t, 0.30, cfg.Crawl.FailureThreshold, 0.001)
	require.InDelta(t, 0.5, cfg.Crawl.DownshiftFactor, 0.001)
	require.Equal(t, 10, cfg.Crawl.MinSample)
	require.True(t, cfg.Crawl.RespectRobots)
	require.Equal(t, 3, cfg.Retry.MaxPageRetries)
	require.Equal(t, 1, cfg.Retry.MaxParseRetries)
	require.Equal(t, "memory", cfg.Storage.TokenBackend)
	require.False(t, cfg.Headless.Enabled)
	require.Equal(t, 2048, cfg.Headless.MinBodyBytes)
	require.Equal(t, 256, cfg.Events.SubscriberDepth)

	require.Equal(t, 30*time.Second, cfg.TaskTimeout())
	require.Equal(t, 15*time.Second, cfg.ShutdownTimeout())
	require.Equal(t, 30*time.Second, cfg.CheckpointEvery())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
crawl:
  concurrency: 8
  list_url_template: "https://shop.example.com/catalog?page=%d"
  total_pages: 120
storage:
  token_backend: local
  local_dir: /tmp/tokens
parser:
  item_selector: "article.tile"
  field_selectors:
    name: "h1.name"
    price: ".price"
  required_fields: ["name"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 8, cfg.Crawl.Concurrency)
	require.Equal(t, 120, cfg.Crawl.TotalPages)
	require.Equal(t, "local", cfg.Storage.TokenBackend)
	require.Equal(t, "article.tile", cfg.Parser.ItemSelector)
	require.Equal(t, map[string]string{"name": "h1.name", "price": ".price"}, cfg.Parser.FieldSelectors)
	require.Equal(t, []string{"name"}, cfg.Parser.RequiredFields)

	// Untouched sections keep their defaults.
	require.Equal(t, 3, cfg.Retry.MaxPageRetries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"zero concurrency", func(c *Config) { c.Crawl.Concurrency = 0 }, "crawl.concurrency"},
		{"threshold too high", func(c *Config) { c.Crawl.FailureThreshold = 1.5 }, "failure_threshold"},
		{"threshold zero", func(c *Config) { c.Crawl.FailureThreshold = 0 }, "failure_threshold"},
		{"zero task timeout", func(c *Config) { c.Crawl.TaskTimeoutSeconds = 0 }, "task_timeout_seconds"},
		{"headless without parallelism", func(c *Config) {
			c.Headless.Enabled = true
			c.Headless.MaxParallel = 0
		}, "headless.max_parallel"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown backend", func(c *Config) { c.Storage.TokenBackend = "s3" }, "token_backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.TokenBackend = "postgres" }, "postgres_dsn"},
		{"gcs without bucket", func(c *Config) { c.Storage.TokenBackend = "gcs" }, "gcs_bucket"},
		{"topic without project", func(c *Config) { c.Events.PubSubTopic = "crawl-events" }, "pubsub_project_id"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}

	require.NoError(t, base().Validate())
}
