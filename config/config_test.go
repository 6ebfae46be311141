package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir()) // no file present
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Ingest.Workers)
	assert.Equal(t, 3.0, cfg.Anomaly.SigmaMultiplier)
	assert.Equal(t, 100, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 10, cfg.Connection.MaxRetries)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9100
anomaly:
  window_size: 30
  min_samples: 5
  sigma_multiplier: 2.5
  resolve_after: 3
ratelimit:
  requests_per_minute: 50
  commands_per_minute: 10
connection:
  grace_period: 10s
  max_retries: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fieldlink.yaml"), []byte(yaml), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Anomaly.WindowSize)
	assert.Equal(t, 2.5, cfg.Anomaly.SigmaMultiplier)
	assert.Equal(t, 50, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 10*time.Second, cfg.Connection.GracePeriod)
	assert.Equal(t, 4, cfg.Connection.MaxRetries)
	// Unset sections keep defaults.
	assert.Equal(t, 4096, cfg.Ingest.QueueSize)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
anomaly:
  window_size: 4
  min_samples: 16
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fieldlink.yaml"), []byte(yaml), 0o600))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_samples")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 0 }},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }},
		{"zero ingest workers", func(c *Config) { c.Ingest.Workers = 0 }},
		{"skew inversion", func(c *Config) { c.Ingest.SuspectSkew = c.Ingest.MaxFutureSkew + time.Second }},
		{"tiny anomaly window", func(c *Config) { c.Anomaly.WindowSize = 1 }},
		{"negative sigma", func(c *Config) { c.Anomaly.SigmaMultiplier = -1 }},
		{"backoff inversion", func(c *Config) { c.Connection.MaxBackoff = c.Connection.InitialBackoff / 2 }},
		{"zero rate limit", func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }},
		{"zero export rows", func(c *Config) { c.Export.MaxRows = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
