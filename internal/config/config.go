// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/source-validator/internal/logging"
	"github.com/JakeFAU/source-validator/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Validator ValidatorConfig `mapstructure:"validator"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Report    ReportConfig    `mapstructure:"report"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ValidatorConfig governs the validation scheduler.
type ValidatorConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	InvalidSerialBase int           `mapstructure:"invalid_serial_base"`
	CancelGrace       time.Duration `mapstructure:"cancel_grace"`
	PersistTimeout    time.Duration `mapstructure:"persist_timeout"`
}

// HTTPConfig configures the probe HTTP client.
type HTTPConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	MaxBodyBytes   int     `mapstructure:"max_body_bytes"`
}

// SourcesConfig selects where source records live.
type SourcesConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend"`
	// SeedFile is an optional JSON array of records loaded at startup.
	SeedFile string `mapstructure:"seed_file"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	SourcesTable    string        `mapstructure:"sources_table"`
	RunsTable       string        `mapstructure:"runs_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	TrackerRuns   int                 `mapstructure:"tracker_runs"`
}

// ProgressBatchConfig bounds hub batches.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// ReportConfig selects the run report archive.
type ReportConfig struct {
	// Backend is "none", "memory", "local" or "gcs".
	Backend string       `mapstructure:"backend"`
	Bucket  string       `mapstructure:"bucket"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
}

// PubSubConfig holds metadata for run-finished notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SOURCEVALIDATOR")
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
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("validator.concurrency", 6)
	v.SetDefault("validator.probe_timeout", 60*time.Second)
	v.SetDefault("validator.invalid_serial_base", 10000)
	v.SetDefault("validator.cancel_grace", 5*time.Second)
	v.SetDefault("validator.persist_timeout", 10*time.Second)
	v.SetDefault("http.user_agent", "source-validator/0.1")
	v.SetDefault("http.rate_limit_rps", 2.0)
	v.SetDefault("http.rate_limit_burst", 2)
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("sources.backend", "memory")
	v.SetDefault("sources.seed_file", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.sources_table", "sources")
	v.SetDefault("database.runs_table", "validation_runs")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 64)
	v.SetDefault("progress.batch.max_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.tracker_runs", 32)
	v.SetDefault("report.backend", "none")
	v.SetDefault("report.bucket", "")
	v.SetDefault("report.prefix", "reports")
	v.SetDefault("report.local.base_dir", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Validator.Concurrency < 1 {
		errs = append(errs, errors.New("validator.concurrency must be >= 1"))
	}
	if c.Validator.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("validator.probe_timeout must be > 0"))
	}
	if c.Validator.CancelGrace < 0 {
		errs = append(errs, errors.New("validator.cancel_grace must be >= 0"))
	}
	if c.HTTP.RateLimitRPS < 0 {
		errs = append(errs, errors.New("http.rate_limit_rps must be >= 0"))
	}
	switch c.Sources.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres sources backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("sources.backend %q is not one of memory|postgres", c.Sources.Backend))
	}
	switch c.Report.Backend {
	case "", "none", "memory":
	case "local":
		if c.Report.Local.BaseDir == "" {
			errs = append(errs, errors.New("report.local.base_dir is required for the local report backend"))
		}
	case "gcs":
		if c.Report.Bucket == "" {
			errs = append(errs, errors.New("report.bucket is required for the gcs report backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("report.backend %q is not one of none|memory|local|gcs", c.Report.Backend))
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name must be set together"))
	}
	return errors.Join(errs...)
}

// HubSinkTimeout converts the configured sink timeout to a duration.
func (p ProgressConfig) HubSinkTimeout() time.Duration {
	return time.Duration(p.SinkTimeoutMs) * time.Millisecond
}

// HubMaxBatchWait converts the configured batch wait to a duration.
func (p ProgressConfig) HubMaxBatchWait() time.Duration {
	return time.Duration(p.Batch.MaxWaitMs) * time.Millisecond
}
