package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Duration(30*time.Second), cfg.Sync.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Sync.MissThreshold)
	assert.Empty(t, cfg.Redis.URL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "invalid port",
			mutate: func(c *Config) { c.Server.Port = 0 },
			field:  "server.port",
		},
		{
			name:   "non-positive heartbeat interval",
			mutate: func(c *Config) { c.Sync.HeartbeatInterval = 0 },
			field:  "sync.heartbeat_interval",
		},
		{
			name:   "zero miss threshold",
			mutate: func(c *Config) { c.Sync.MissThreshold = 0 },
			field:  "sync.miss_threshold",
		},
		{
			name:   "zero queue capacity",
			mutate: func(c *Config) { c.Sync.QueueCapacity = 0 },
			field:  "sync.queue_capacity",
		},
		{
			name:   "backoff max below base",
			mutate: func(c *Config) { c.Sync.BackoffMax = c.Sync.BackoffBase / 2 },
			field:  "sync.backoff_max",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 4000
sync:
  heartbeat_interval: 10s
  miss_threshold: 5
redis:
  url: redis://localhost:6379/0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(LoadOptions{Path: path})
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, Duration(10*time.Second), cfg.Sync.HeartbeatInterval)
	assert.Equal(t, 5, cfg.Sync.MissThreshold)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	// Untouched fields keep their defaults.
	assert.Equal(t, 64, cfg.Sync.QueueCapacity)
}

func TestLoadRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("port = 4000"), 0o600))

	_, err := Load(LoadOptions{Path: path})
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HEARTHSYNC_SERVER_PORT", "9090")
	t.Setenv("HEARTHSYNC_HEARTBEAT_INTERVAL", "15s")
	t.Setenv("HEARTHSYNC_REDIS_URL", "redis://broker:6379/1")
	t.Setenv("HEARTHSYNC_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, Duration(15*time.Second), cfg.Sync.HeartbeatInterval)
	assert.Equal(t, "redis://broker:6379/1", cfg.Redis.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
