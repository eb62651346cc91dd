// Package config loads rqbitfuse's YAML configuration, following the
// teacher's choice of github.com/goccy/go-yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Daemon configures the connection to the remote torrent daemon.
type Daemon struct {
	BaseURL          string        `yaml:"base_url"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
}

// Cache holds rcache sizing. The mount command does not pass it on; the
// API client's caches use their own defaults.
type Cache struct {
	MaxEntries int64         `yaml:"max_entries"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// Streams configures the persistent stream manager.
type Streams struct {
	MaxStreams int `yaml:"max_streams"`
}

// Bridge configures the async/sync bridge.
type Bridge struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	OpTimeout     time.Duration `yaml:"op_timeout"`
	Grace         time.Duration `yaml:"grace"`
}

// Handles configures the file-handle table's expiry sweep.
type Handles struct {
	TTL   time.Duration `yaml:"ttl"`
	Sweep time.Duration `yaml:"sweep"`
}

// StatusAPI configures the read-only diagnostics HTTP surface.
type StatusAPI struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Logging configures zerolog/lumberjack output.
type Logging struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the root configuration document.
type Config struct {
	MountPoint string `yaml:"mount_point"`
	AllowOther bool   `yaml:"allow_other"`
	MaxInodes  int    `yaml:"max_inodes"`

	SyncInterval time.Duration `yaml:"sync_interval"`

	Daemon    Daemon    `yaml:"daemon"`
	Cache     Cache     `yaml:"cache"`
	Streams   Streams   `yaml:"streams"`
	Bridge    Bridge    `yaml:"bridge"`
	Handles   Handles   `yaml:"handles"`
	StatusAPI StatusAPI `yaml:"status_api"`
	Logging   Logging   `yaml:"logging"`
}

// Default returns a Config with every tunable set to the same
// constants this module's packages otherwise default to on their own.
func Default() *Config {
	return &Config{
		MountPoint:   "",
		MaxInodes:    0,
		SyncInterval: 10 * time.Second,
		Daemon: Daemon{
			RequestTimeout:   10 * time.Second,
			FailureThreshold: 5,
			BreakerTimeout:   30 * time.Second,
			MaxAttempts:      3,
			RetryDelay:       200 * time.Millisecond,
		},
		Cache: Cache{MaxEntries: 1000, DefaultTTL: 300 * time.Second},
		Streams: Streams{
			MaxStreams: 50,
		},
		Bridge: Bridge{
			QueueCapacity: 256,
			OpTimeout:     30 * time.Second,
			Grace:         5 * time.Second,
		},
		Handles: Handles{
			TTL:   5 * time.Minute,
			Sweep: time.Minute,
		},
		StatusAPI: StatusAPI{Enabled: true, Addr: "127.0.0.1:9191"},
		Logging:   Logging{Level: "info"},
	}
}

// Load reads and parses a YAML configuration file, starting from
// Default so unspecified fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields a mount cannot proceed without.
func (c *Config) Validate() error {
	if c.MountPoint == "" {
		return fmt.Errorf("mount_point is required")
	}
	if c.Daemon.BaseURL == "" {
		return fmt.Errorf("daemon.base_url is required")
	}
	return nil
}
