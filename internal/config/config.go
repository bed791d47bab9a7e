// Package config loads host-side run configuration. The sync core itself
// only ever sees the plain lockstep.Config struct; yaml parsing stays out
// here with the host.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RunName string `yaml:"run_name"`

	Sync SyncSpec `yaml:"sync"`

	Transport  TransportSpec  `yaml:"transport"`
	Checkpoint CheckpointSpec `yaml:"checkpoint"`
}

type SyncSpec struct {
	TickIntervalHintMs int     `yaml:"tick_interval_hint_ms"`
	ZoneCellSize       float64 `yaml:"zone_cell_size"`
	ProximityRadius    float64 `yaml:"proximity_radius"`
	BarrierTimeoutMs   int     `yaml:"barrier_timeout_ms"`
	QueueCapacity      int     `yaml:"queue_capacity"`
}

type TransportSpec struct {
	// "mem" runs all ranks in one process; "ws" joins a router.
	Kind      string `yaml:"kind"`
	Ranks     int    `yaml:"ranks"`
	RouterURL string `yaml:"router_url"`
}

type CheckpointSpec struct {
	Dir        string `yaml:"dir"`
	EveryTicks int    `yaml:"every_ticks"`
}

// Load reads a yaml config; a missing path yields pure defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, cfg.validate()
}

func (c *Config) applyDefaults() {
	if c.RunName == "" {
		c.RunName = "run"
	}
	if c.Sync.TickIntervalHintMs < 0 {
		c.Sync.TickIntervalHintMs = 0
	}
	if c.Sync.ZoneCellSize == 0 {
		c.Sync.ZoneCellSize = 16
	}
	if c.Sync.BarrierTimeoutMs <= 0 {
		c.Sync.BarrierTimeoutMs = 30_000
	}
	if c.Sync.QueueCapacity <= 0 {
		c.Sync.QueueCapacity = 1024
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = "mem"
	}
	if c.Transport.Ranks <= 0 {
		c.Transport.Ranks = 2
	}
	if c.Checkpoint.EveryTicks <= 0 {
		c.Checkpoint.EveryTicks = 3000
	}
}

func (c *Config) validate() error {
	if c.Sync.ZoneCellSize <= 0 {
		return fmt.Errorf("sync.zone_cell_size must be > 0, got %v", c.Sync.ZoneCellSize)
	}
	if c.Sync.ProximityRadius < 0 {
		return fmt.Errorf("sync.proximity_radius must be >= 0, got %v", c.Sync.ProximityRadius)
	}
	switch c.Transport.Kind {
	case "mem":
	case "ws":
		if strings.TrimSpace(c.Transport.RouterURL) == "" {
			return fmt.Errorf("transport.router_url required for kind ws")
		}
	default:
		return fmt.Errorf("unknown transport.kind %q", c.Transport.Kind)
	}
	return nil
}

func (c Config) TickIntervalHint() time.Duration {
	return time.Duration(c.Sync.TickIntervalHintMs) * time.Millisecond
}

func (c Config) BarrierTimeout() time.Duration {
	return time.Duration(c.Sync.BarrierTimeoutMs) * time.Millisecond
}
