// Package config loads the YAML configuration shared by the mvcc command and
// its embedders.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Environment overrides, applied after the file.
const (
	EnvStorageDriver = "MVCC_STORAGE_DRIVER"
	EnvStoragePath   = "MVCC_STORAGE_PATH"
	EnvLogLevel      = "MVCC_LOG_LEVEL"
	EnvLogFormat     = "MVCC_LOG_FORMAT"
)

type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Commit  CommitConfig  `yaml:"commit"`
	GC      GCConfig      `yaml:"gc"`
	Logging LogConfig     `yaml:"logging"`
}

type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
}

type CacheConfig struct {
	// SnapshotEntries is the number of resolved commits kept in memory.
	SnapshotEntries int `yaml:"snapshot_entries"`
	// RevisionMaxCost bounds the revision cache, in payload bytes.
	RevisionMaxCost int64 `yaml:"revision_max_cost"`
}

type CommitConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

type GCConfig struct {
	// Interval between background sweeps. Zero disables them.
	Interval     time.Duration `yaml:"interval"`
	MinCommitAge time.Duration `yaml:"min_commit_age"`
	BatchSize    int           `yaml:"batch_size"`
	Checkpoint   string        `yaml:"checkpoint"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file path.
	Output string `yaml:"output"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver:          DriverSQLite,
			Path:            "mvcc.db",
			MaxOpenConns:    16,
			MaxIdleConns:    4,
			ConnMaxLifetime: time.Hour,
			BusyTimeout:     5 * time.Second,
		},
		Cache: CacheConfig{
			SnapshotEntries: 1024,
			RevisionMaxCost: 64 << 20,
		},
		Commit: CommitConfig{
			MaxRetries: 8,
		},
		GC: GCConfig{
			Interval:     0,
			MinCommitAge: time.Minute,
			BatchSize:    0,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error; an empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadYAMLFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	applyEnvironment(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvironment(cfg *Config) {
	if v := os.Getenv(EnvStorageDriver); v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v := os.Getenv(EnvStoragePath); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
}

// Save writes cfg as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			add("storage.path", "required for the sqlite driver")
		}
		if c.Storage.MaxOpenConns < 1 {
			add("storage.max_open_conns", "must be at least 1, got %d", c.Storage.MaxOpenConns)
		}
		if c.Storage.MaxIdleConns < 0 || c.Storage.MaxIdleConns > c.Storage.MaxOpenConns {
			add("storage.max_idle_conns", "must be between 0 and max_open_conns, got %d", c.Storage.MaxIdleConns)
		}
	case DriverMemory:
	default:
		add("storage.driver", "unknown driver %q (want %s or %s)", c.Storage.Driver, DriverSQLite, DriverMemory)
	}
	if c.Storage.BusyTimeout < 0 {
		add("storage.busy_timeout", "must not be negative")
	}
	if c.Cache.SnapshotEntries < 1 {
		add("cache.snapshot_entries", "must be at least 1, got %d", c.Cache.SnapshotEntries)
	}
	if c.Cache.RevisionMaxCost < 1 {
		add("cache.revision_max_cost", "must be positive, got %d", c.Cache.RevisionMaxCost)
	}
	if c.Commit.MaxRetries < 1 {
		add("commit.max_retries", "must be at least 1, got %d", c.Commit.MaxRetries)
	}
	if c.GC.Interval < 0 {
		add("gc.interval", "must not be negative")
	}
	if c.GC.MinCommitAge < 0 {
		add("gc.min_commit_age", "must not be negative")
	}
	if c.GC.BatchSize < 0 {
		add("gc.batch_size", "must not be negative, got %d", c.GC.BatchSize)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format", "unknown format %q", c.Logging.Format)
	}
	return errors.Join(errs...)
}
