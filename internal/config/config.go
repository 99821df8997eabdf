// Package config loads and validates the LabelForge TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General  General  `toml:"general"`
	Database Database `toml:"database"`
	Broker   Broker   `toml:"broker"`
	Watchdog Watchdog `toml:"watchdog"`
	API      API      `toml:"api"`
}

type General struct {
	LogLevel string `toml:"log_level"`
	// MaxConcurrentTasks is the absolute ceiling on concurrent tasks per
	// project; individual projects may set a lower cap. Non-positive means
	// unlimited.
	MaxConcurrentTasks int `toml:"max_concurrent_tasks"`
}

type Database struct {
	DSN            string `toml:"dsn"`
	MaxConnections int32  `toml:"max_connections"`
}

type Broker struct {
	Address      string   `toml:"address"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	HeartbeatTTL Duration `toml:"heartbeat_ttl"`
}

type Watchdog struct {
	// TaskSnapshotInterval is how often the broker's live worker set is
	// refreshed for status answers and launch decisions.
	TaskSnapshotInterval Duration `toml:"task_snapshot_interval"`
}

type API struct {
	Bind            string   `toml:"bind"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// Load reads and validates a LabelForge TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.MaxConcurrentTasks == 0 {
		cfg.General.MaxConcurrentTasks = 2
	}

	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 8
	}

	if cfg.Broker.Address == "" {
		cfg.Broker.Address = "localhost:6379"
	}
	if cfg.Broker.HeartbeatTTL.Duration == 0 {
		cfg.Broker.HeartbeatTTL.Duration = 30 * time.Second
	}

	if cfg.Watchdog.TaskSnapshotInterval.Duration == 0 {
		cfg.Watchdog.TaskSnapshotInterval.Duration = 10 * time.Second
	}

	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8088"
	}
	if cfg.API.ShutdownTimeout.Duration == 0 {
		cfg.API.ShutdownTimeout.Duration = 10 * time.Second
	}
}

func validate(cfg *Config) error {
	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", cfg.General.LogLevel)
	}

	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if cfg.Database.MaxConnections < 0 {
		return fmt.Errorf("database.max_connections must not be negative")
	}

	if cfg.Broker.HeartbeatTTL.Duration < time.Second {
		return fmt.Errorf("broker.heartbeat_ttl must be at least 1s")
	}
	if cfg.Watchdog.TaskSnapshotInterval.Duration < time.Second {
		return fmt.Errorf("watchdog.task_snapshot_interval must be at least 1s")
	}

	return nil
}
