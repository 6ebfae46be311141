// Package config loads FieldLink configuration from a YAML file with
// environment variable overrides. Configuration is read once at startup;
// hot reload is deliberately out of scope.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/c360/fieldlink/errors"
)

// Config is the root configuration for the integration engine.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Anomaly    AnomalyConfig    `mapstructure:"anomaly"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Export     ExportConfig     `mapstructure:"export"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig configures the durable relational store.
type DatabaseConfig struct {
	// DSN is the sqlite data source name, e.g. file:fieldlink.db?_journal=WAL.
	DSN string `mapstructure:"dsn"`
}

// RedisConfig configures the hot cache for latest readings.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	// Enabled allows running without the cache; reads fall through to the
	// relational store.
	Enabled bool `mapstructure:"enabled"`
}

// NATSConfig configures the internal event bus backing the push channel.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	// Enabled allows running without a broker; events fan out in-process only.
	Enabled bool `mapstructure:"enabled"`
}

// ConnectionConfig tunes the connection manager's supervision loops.
type ConnectionConfig struct {
	// GracePeriod is how long after a successful open to wait for the first
	// sample before treating the connection attempt as failed.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// MissedIntervals is how many expected sample intervals may elapse in
	// CONNECTED before the equipment is marked DEGRADED.
	MissedIntervals int `mapstructure:"missed_intervals"`
	// DefaultSampleInterval applies when no sensor declares a sampling rate.
	DefaultSampleInterval time.Duration `mapstructure:"default_sample_interval"`
	MaxRetries            int           `mapstructure:"max_retries"`
	InitialBackoff        time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff            time.Duration `mapstructure:"max_backoff"`
	// PollInterval is the default REST/OPC UA poll cadence.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	OpenTimeout  time.Duration `mapstructure:"open_timeout"`
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
	// MaxFutureSkew rejects readings stamped further than this ahead of
	// ingest time; readings between SuspectSkew and MaxFutureSkew are
	// tagged SUSPECT.
	MaxFutureSkew time.Duration `mapstructure:"max_future_skew"`
	SuspectSkew   time.Duration `mapstructure:"suspect_skew"`
}

// AnomalyConfig tunes the statistical detector.
type AnomalyConfig struct {
	WindowSize int `mapstructure:"window_size"`
	MinSamples int `mapstructure:"min_samples"`
	// SigmaMultiplier is k in |value - mean| > k * stddev.
	SigmaMultiplier float64 `mapstructure:"sigma_multiplier"`
	// ResolveAfter is M, the consecutive in-range readings before a
	// resolution fact is emitted.
	ResolveAfter int `mapstructure:"resolve_after"`
}

// RateLimitConfig bounds inbound API and outbound command traffic.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	CommandsPerMinute int `mapstructure:"commands_per_minute"`
}

// ExportConfig tunes the asynchronous export runner.
type ExportConfig struct {
	Dir     string `mapstructure:"dir"`
	MaxRows int64  `mapstructure:"max_rows"`
	Workers int    `mapstructure:"workers"`
}

// Load reads configuration from the given directory (file "fieldlink.yaml")
// plus FIELDLINK_* environment overrides, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("fieldlink")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("FIELDLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults plus env cover development use.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.dsn", "file:fieldlink.db?_journal=WAL&_busy_timeout=5000")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", time.Hour)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("connection.grace_period", 30*time.Second)
	v.SetDefault("connection.missed_intervals", 3)
	v.SetDefault("connection.default_sample_interval", time.Second)
	v.SetDefault("connection.max_retries", 10)
	v.SetDefault("connection.initial_backoff", time.Second)
	v.SetDefault("connection.max_backoff", time.Minute)
	v.SetDefault("connection.poll_interval", 5*time.Second)
	v.SetDefault("connection.open_timeout", 30*time.Second)

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.queue_size", 4096)
	v.SetDefault("ingest.max_future_skew", 5*time.Minute)
	v.SetDefault("ingest.suspect_skew", 30*time.Second)

	v.SetDefault("anomaly.window_size", 60)
	v.SetDefault("anomaly.min_samples", 10)
	v.SetDefault("anomaly.sigma_multiplier", 3.0)
	v.SetDefault("anomaly.resolve_after", 5)

	v.SetDefault("ratelimit.requests_per_minute", 100)
	v.SetDefault("ratelimit.commands_per_minute", 30)

	v.SetDefault("export.dir", "./data/exports")
	v.SetDefault("export.max_rows", 1_000_000)
	v.SetDefault("export.workers", 2)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("server port %d out of range", c.Server.Port),
			"Config", "Validate", "server")
	}
	if c.Database.DSN == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "database dsn")
	}
	if c.Ingest.Workers <= 0 || c.Ingest.QueueSize <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("ingest workers and queue_size must be positive"),
			"Config", "Validate", "ingest")
	}
	if c.Ingest.SuspectSkew > c.Ingest.MaxFutureSkew {
		return errors.WrapInvalid(
			fmt.Errorf("suspect_skew must not exceed max_future_skew"),
			"Config", "Validate", "ingest skew")
	}
	if c.Anomaly.WindowSize < 2 || c.Anomaly.MinSamples < 2 {
		return errors.WrapInvalid(
			fmt.Errorf("anomaly window_size and min_samples must be at least 2"),
			"Config", "Validate", "anomaly")
	}
	if c.Anomaly.MinSamples > c.Anomaly.WindowSize {
		return errors.WrapInvalid(
			fmt.Errorf("anomaly min_samples exceeds window_size"),
			"Config", "Validate", "anomaly")
	}
	if c.Anomaly.SigmaMultiplier <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("anomaly sigma_multiplier must be positive"),
			"Config", "Validate", "anomaly")
	}
	if c.Anomaly.ResolveAfter <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("anomaly resolve_after must be positive"),
			"Config", "Validate", "anomaly")
	}
	if c.Connection.MaxRetries <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("connection max_retries must be positive"),
			"Config", "Validate", "connection")
	}
	if c.Connection.InitialBackoff <= 0 || c.Connection.MaxBackoff < c.Connection.InitialBackoff {
		return errors.WrapInvalid(
			fmt.Errorf("connection backoff bounds are inconsistent"),
			"Config", "Validate", "connection")
	}
	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.CommandsPerMinute <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("rate limits must be positive"),
			"Config", "Validate", "ratelimit")
	}
	if c.Export.MaxRows <= 0 || c.Export.Workers <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("export max_rows and workers must be positive"),
			"Config", "Validate", "export")
	}
	return nil
}
