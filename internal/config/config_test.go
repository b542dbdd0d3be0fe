package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mvcc.yaml")
	data := `
storage:
  driver: memory
cache:
  snapshot_entries: 64
commit:
  max_retries: 3
gc:
  interval: 30s
  min_commit_age: 2m
  batch_size: 100
  checkpoint: /tmp/gc.json
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "mvcc.db", cfg.Storage.Path, "unset keys keep their defaults")
	assert.Equal(t, 64, cfg.Cache.SnapshotEntries)
	assert.Equal(t, 3, cfg.Commit.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.GC.Interval)
	assert.Equal(t, 2*time.Minute, cfg.GC.MinCommitAge)
	assert.Equal(t, 100, cfg.GC.BatchSize)
	assert.Equal(t, "/tmp/gc.json", cfg.GC.Checkpoint)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mvcc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvStorageDriver, "MEMORY")
	t.Setenv(EnvStoragePath, "/data/other.db")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvLogFormat, "json")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "/data/other.db", cfg.Storage.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mvcc.yaml")
	cfg := DefaultConfig()
	cfg.GC.Interval = time.Minute
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"no connections", func(c *Config) { c.Storage.MaxOpenConns = 0 }, "storage.max_open_conns"},
		{"idle above open", func(c *Config) { c.Storage.MaxIdleConns = 99 }, "storage.max_idle_conns"},
		{"zero snapshot cache", func(c *Config) { c.Cache.SnapshotEntries = 0 }, "cache.snapshot_entries"},
		{"zero revision cost", func(c *Config) { c.Cache.RevisionMaxCost = 0 }, "cache.revision_max_cost"},
		{"zero retries", func(c *Config) { c.Commit.MaxRetries = 0 }, "commit.max_retries"},
		{"negative interval", func(c *Config) { c.GC.Interval = -time.Second }, "gc.interval"},
		{"negative batch", func(c *Config) { c.GC.BatchSize = -1 }, "gc.batch_size"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var verr ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	mem := DefaultConfig()
	mem.Storage.Driver = DriverMemory
	mem.Storage.Path = ""
	assert.NoError(t, mem.Validate(), "the memory driver needs no path")
}
