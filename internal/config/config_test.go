package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 5*time.Second, cfg.TickInterval())
	require.Equal(t, 30*time.Second, cfg.ErrorBackoff())
	require.Equal(t, 30*time.Second, cfg.NavTimeout())
	require.Equal(t, 3, cfg.Accounts.FailureThreshold)
	require.Equal(t, 100, cfg.Accounts.DefaultDailyLimit)
	require.Equal(t, 5, cfg.Fetch.DelayMinSeconds)
	require.Equal(t, 15, cfg.Fetch.DelayMaxSeconds)
	require.Equal(t, 1, cfg.Enrichment.MaxDepth)
	require.Equal(t, "memory", cfg.Storage.Provider)
	require.Equal(t, "snapshots", cfg.Storage.Prefix)
	require.True(t, cfg.Session.Headless)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
scheduler:
  tick_seconds: 2
  error_backoff_seconds: 10
accounts:
  failure_threshold: 5
  cooldown_base_minutes: 15
  requests_per_second: 1.5
  probe_url: https://www.linkedin.com/feed/
session:
  user_agent: real-agent
  nav_timeout_seconds: 45
  headless: false
fetch:
  delay_min_seconds: 1
  delay_max_seconds: 3
enrichment:
  max_depth: 2
storage:
  provider: gcs
  gcs_bucket: harvest-snapshots
db:
  dsn: postgres://harvester@localhost:5432/harvester
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, 2*time.Second, cfg.TickInterval())
	require.Equal(t, 5, cfg.Accounts.FailureThreshold)
	require.Equal(t, 1.5, cfg.Accounts.RequestsPerSecond)
	require.Equal(t, 45*time.Second, cfg.NavTimeout())
	require.False(t, cfg.Session.Headless)
	require.Equal(t, 2, cfg.Enrichment.MaxDepth)
	require.Equal(t, "gcs", cfg.Storage.Provider)
	require.Equal(t, "harvest-snapshots", cfg.Storage.GCSBucket)
	require.Equal(t, "postgres://harvester@localhost:5432/harvester", cfg.DB.DSN)
	require.False(t, cfg.Logging.Development)

	// Unset keys keep their defaults.
	require.Equal(t, "snapshots", cfg.Storage.Prefix)
	require.Equal(t, 6, cfg.Accounts.ProbeIntervalHours)
}

func TestLoadMissingFileFails(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func(t *testing.T) Config {
		t.Helper()
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"zero tick", func(c *Config) { c.Scheduler.TickSeconds = 0 }},
		{"inverted delay window", func(c *Config) { c.Fetch.DelayMinSeconds = 10; c.Fetch.DelayMaxSeconds = 2 }},
		{"zero failure threshold", func(c *Config) { c.Accounts.FailureThreshold = 0 }},
		{"negative enrichment depth", func(c *Config) { c.Enrichment.MaxDepth = -1 }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKey = "" }},
		{"unknown storage provider", func(c *Config) { c.Storage.Provider = "s3" }},
		{"gcs without bucket", func(c *Config) { c.Storage.Provider = "gcs"; c.Storage.GCSBucket = "" }},
		{"local without dir", func(c *Config) { c.Storage.Provider = "local"; c.Storage.LocalDir = "" }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base(t)
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
