package config

import (
	"time"

	"github.com/hearthsync/hearthsync/internal/logging"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig   `json:"server" yaml:"server"`
	Sync    SyncConfig     `json:"sync" yaml:"sync"`
	Redis   RedisConfig    `json:"redis" yaml:"redis"`
	Logging logging.Config `json:"logging" yaml:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string   `json:"host" yaml:"host"`
	Port         int      `json:"port" yaml:"port"`
	ReadTimeout  Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// SyncConfig governs the synchronization protocol. Heartbeat interval
// and miss threshold decide the liveness false-positive/false-negative
// tradeoff, so they are configuration rather than constants.
type SyncConfig struct {
	HandshakeTimeout  Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	MissThreshold     int      `json:"miss_threshold" yaml:"miss_threshold"`
	QueueCapacity     int      `json:"queue_capacity" yaml:"queue_capacity"`
	SendTimeout       Duration `json:"send_timeout" yaml:"send_timeout"`
	BackoffBase       Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffMax        Duration `json:"backoff_max" yaml:"backoff_max"`
	MaxAttempts       int      `json:"max_attempts" yaml:"max_attempts"`
}

// RedisConfig represents the shared broker connection. An empty URL
// selects the in-process broker, which disables cross-process fan-out.
type RedisConfig struct {
	URL          string   `json:"url" yaml:"url"`
	DialTimeout  Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout" yaml:"write_timeout"`
	PoolSize     int      `json:"pool_size" yaml:"pool_size"`
	MinIdleConns int      `json:"min_idle_conns" yaml:"min_idle_conns"`
	PingTimeout  Duration `json:"ping_timeout" yaml:"ping_timeout"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         3000,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
			IdleTimeout:  Duration(120 * time.Second),
		},
		Sync: SyncConfig{
			HandshakeTimeout:  Duration(10 * time.Second),
			HeartbeatInterval: Duration(30 * time.Second),
			MissThreshold:     3,
			QueueCapacity:     64,
			SendTimeout:       Duration(5 * time.Second),
			BackoffBase:       Duration(time.Second),
			BackoffMax:        Duration(30 * time.Second),
			MaxAttempts:       10,
		},
		Redis: RedisConfig{
			URL:          "",
			DialTimeout:  Duration(5 * time.Second),
			ReadTimeout:  Duration(3 * time.Second),
			WriteTimeout: Duration(3 * time.Second),
			PoolSize:     10,
			MinIdleConns: 2,
			PingTimeout:  Duration(2 * time.Second),
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewConfigError("server.port", "invalid port number")
	}

	if c.Sync.HandshakeTimeout <= 0 {
		return NewConfigError("sync.handshake_timeout", "timeout must be positive")
	}

	if c.Sync.HeartbeatInterval <= 0 {
		return NewConfigError("sync.heartbeat_interval", "interval must be positive")
	}

	if c.Sync.MissThreshold < 1 {
		return NewConfigError("sync.miss_threshold", "threshold must be at least 1")
	}

	if c.Sync.QueueCapacity < 1 {
		return NewConfigError("sync.queue_capacity", "capacity must be at least 1")
	}

	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return NewConfigError("sync.backoff_max", "backoff bounds are inconsistent")
	}

	return nil
}
