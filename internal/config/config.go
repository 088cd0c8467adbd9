// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Accounts   AccountsConfig   `mapstructure:"accounts"`
	Session    SessionConfig    `mapstructure:"session"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SchedulerConfig governs the orchestrator polling loop.
type SchedulerConfig struct {
	TickSeconds         int `mapstructure:"tick_seconds"`
	ErrorBackoffSeconds int `mapstructure:"error_backoff_seconds"`
}

// AccountsConfig governs pool selection and cooldown behavior.
type AccountsConfig struct {
	FailureThreshold   int     `mapstructure:"failure_threshold"`
	CooldownBaseMin    int     `mapstructure:"cooldown_base_minutes"`
	CooldownMaxMin     int     `mapstructure:"cooldown_max_minutes"`
	DefaultDailyLimit  int     `mapstructure:"default_daily_limit"`
	RequestsPerSecond  float64 `mapstructure:"requests_per_second"`
	ProbeURL           string  `mapstructure:"probe_url"`
	ProbeTimeoutSec    int     `mapstructure:"probe_timeout_seconds"`
	ProbeIntervalHours int     `mapstructure:"probe_interval_hours"`
}

// SessionConfig configures the browser session registry.
type SessionConfig struct {
	UserAgent     string `mapstructure:"user_agent"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	Headless      bool   `mapstructure:"headless"`
}

// FetchConfig controls per-URL pacing inside the fetch stage.
type FetchConfig struct {
	DelayMinSeconds int `mapstructure:"delay_min_seconds"`
	DelayMaxSeconds int `mapstructure:"delay_max_seconds"`
	// SearchURLTemplate turns a search query into a fetchable URL. It must
	// contain exactly one %s verb; the query is URL-escaped before
	// substitution.
	SearchURLTemplate string `mapstructure:"search_url_template"`
}

// EnrichmentConfig bounds follow-on job creation.
type EnrichmentConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
	// OrgURLTemplate turns an organization reference into a fetchable URL.
	// It must contain exactly one %s verb.
	OrgURLTemplate string `mapstructure:"org_url_template"`
}

// StorageConfig selects the blob backend for raw snapshot content.
type StorageConfig struct {
	Provider    string `mapstructure:"provider"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("scheduler.tick_seconds", 5)
	v.SetDefault("scheduler.error_backoff_seconds", 30)
	v.SetDefault("accounts.failure_threshold", 3)
	v.SetDefault("accounts.cooldown_base_minutes", 30)
	v.SetDefault("accounts.cooldown_max_minutes", 720)
	v.SetDefault("accounts.default_daily_limit", 100)
	v.SetDefault("accounts.requests_per_second", 0.5)
	v.SetDefault("accounts.probe_timeout_seconds", 15)
	v.SetDefault("accounts.probe_interval_hours", 6)
	v.SetDefault("session.user_agent", "")
	v.SetDefault("session.nav_timeout_seconds", 30)
	v.SetDefault("session.headless", true)
	v.SetDefault("fetch.delay_min_seconds", 5)
	v.SetDefault("fetch.delay_max_seconds", 15)
	v.SetDefault("fetch.search_url_template", "https://www.linkedin.com/search/results/people/?keywords=%s")
	v.SetDefault("enrichment.max_depth", 1)
	v.SetDefault("enrichment.org_url_template", "https://www.linkedin.com/company/%s/")
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be > 0")
	}
	if c.Fetch.DelayMinSeconds < 0 || c.Fetch.DelayMaxSeconds < c.Fetch.DelayMinSeconds {
		return fmt.Errorf("fetch delay window must satisfy 0 <= min <= max")
	}
	if c.Accounts.FailureThreshold <= 0 {
		return fmt.Errorf("accounts.failure_threshold must be > 0")
	}
	if c.Enrichment.MaxDepth < 0 {
		return fmt.Errorf("enrichment.max_depth must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Provider {
	case "memory", "local", "gcs":
	default:
		return fmt.Errorf("storage.provider must be one of memory, local, gcs")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when provider is gcs")
	}
	if c.Storage.Provider == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir must be set when provider is local")
	}
	return nil
}

// TickInterval returns the scheduler poll interval as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// ErrorBackoff returns the post-error sleep applied by the scheduler loop.
func (c Config) ErrorBackoff() time.Duration {
	return time.Duration(c.Scheduler.ErrorBackoffSeconds) * time.Second
}

// NavTimeout returns the bounded per-navigation timeout.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Session.NavTimeoutSec) * time.Second
}
