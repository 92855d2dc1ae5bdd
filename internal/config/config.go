// Package config holds the walfeed configuration: connection settings,
// replication slot parameters, polling cadence, and client lifecycle knobs.
// Values come from defaults, an optional TOML file, environment variables,
// and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// DatabaseConfig holds connection parameters for the PostgreSQL instance
// that owns the replication slot and the change_history sink.
type DatabaseConfig struct {
	URL             string   `toml:"url"`
	MaxConns        int32    `toml:"max_conns"`
	MinConns        int32    `toml:"min_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
}

// ReplicationConfig holds settings for slot polling and the change pipeline.
type ReplicationConfig struct {
	SlotName      string   `toml:"slot"`
	Publication   string   `toml:"publication"`
	TrackedTables []string `toml:"tracked_tables"`

	WALBatchSize      int     `toml:"wal_batch_size"`
	WALConsumeSize    int     `toml:"wal_consume_size"`
	WALBatchThreshold float64 `toml:"wal_batch_threshold"`
	StoreBatchSize    int     `toml:"store_batch_size"`

	PollingInterval     Duration `toml:"polling_interval"`
	FastPollingInterval Duration `toml:"fast_polling_interval"`
	MaxConsecutivePolls int      `toml:"max_consecutive_polls"`

	SkipWALConsumption bool `toml:"skip_wal_consumption"`
}

// ClientConfig holds the client registry and lifecycle timings.
type ClientConfig struct {
	Timeout                  Duration `toml:"timeout"`
	FullCleanupInterval      Duration `toml:"full_cleanup_interval"`
	CheckInterval            Duration `toml:"check_interval"`
	HibernationCheckInterval Duration `toml:"hibernation_check_interval"`
}

// ServerConfig holds the admin/sync HTTP listener settings.
type ServerConfig struct {
	Listen string `toml:"listen"`
	Port   int    `toml:"port"`
}

// LoggingConfig holds settings for structured logging.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

// Config is the top-level configuration for walfeed.
type Config struct {
	Database    DatabaseConfig    `toml:"database"`
	Replication ReplicationConfig `toml:"replication"`
	Clients     ClientConfig      `toml:"clients"`
	Server      ServerConfig      `toml:"server"`
	Logging     LoggingConfig     `toml:"logging"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			URL:             "postgres://localhost:5432/vibestack?sslmode=disable",
			MaxConns:        10,
			MinConns:        2,
			ConnMaxLifetime: Duration(30 * time.Minute),
		},
		Replication: ReplicationConfig{
			SlotName:            "vibestack",
			Publication:         "vibestack_pub",
			WALBatchSize:        2000,
			WALConsumeSize:      2000,
			WALBatchThreshold:   0.5,
			StoreBatchSize:      100,
			PollingInterval:     Duration(time.Second),
			FastPollingInterval: Duration(100 * time.Millisecond),
			MaxConsecutivePolls: 10,
			SkipWALConsumption:  true,
		},
		Clients: ClientConfig{
			Timeout:                  Duration(10 * time.Minute),
			FullCleanupInterval:      Duration(24 * time.Hour),
			CheckInterval:            Duration(60 * time.Second),
			HibernationCheckInterval: Duration(5 * time.Minute),
		},
		Server: ServerConfig{
			Listen: "127.0.0.1",
			Port:   8640,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from the given TOML file (or the first file found
// in the default locations when path is empty) on top of the defaults, then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, errors.New("database max_conns must be positive"))
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("database min_conns must be between 0 and max_conns"))
	}
	if c.Replication.SlotName == "" {
		errs = append(errs, errors.New("replication slot name is required"))
	}
	if c.Replication.Publication == "" {
		errs = append(errs, errors.New("publication name is required"))
	}
	if len(c.Replication.TrackedTables) == 0 {
		errs = append(errs, errors.New("at least one tracked table is required"))
	}
	if c.Replication.WALBatchSize < 1 {
		errs = append(errs, errors.New("wal_batch_size must be positive"))
	}
	if c.Replication.StoreBatchSize < 1 {
		errs = append(errs, errors.New("store_batch_size must be positive"))
	}
	if c.Replication.WALBatchThreshold <= 0 || c.Replication.WALBatchThreshold > 1 {
		errs = append(errs, errors.New("wal_batch_threshold must be in (0, 1]"))
	}
	if c.Replication.PollingInterval.Std() <= 0 {
		errs = append(errs, errors.New("polling_interval must be positive"))
	}
	if c.Replication.FastPollingInterval.Std() <= 0 {
		errs = append(errs, errors.New("fast_polling_interval must be positive"))
	}

	return errors.Join(errs...)
}

func findConfigFile() string {
	candidates := []string{}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".walfeed", "config.toml"))
	}
	candidates = append(candidates, "/etc/walfeed/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WALFEED_DB_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("WALFEED_DB_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.MaxConns = int32(n)
		}
	}
	if v := os.Getenv("WALFEED_SLOT"); v != "" {
		cfg.Replication.SlotName = v
	}
	if v := os.Getenv("WALFEED_PUBLICATION"); v != "" {
		cfg.Replication.Publication = v
	}
	if v := os.Getenv("WALFEED_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("WALFEED_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("WALFEED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WALFEED_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Duration wraps time.Duration so TOML files can use "5m" style strings.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
