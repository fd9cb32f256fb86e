package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "logkv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:4000", cfg.ListenAddr)
	assert.Equal(t, int64(10*1024*1024), cfg.Storage.MaxSegmentSize)
	assert.False(t, cfg.Storage.SyncWrites)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/logkv
metrics_addr: ":9100"
storage:
  sync_writes: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/logkv", cfg.DataDir)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.True(t, cfg.Storage.SyncWrites)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, "127.0.0.1:4000", cfg.ListenAddr)
	assert.Equal(t, int64(10*1024*1024), cfg.Storage.MaxSegmentSize)

	opts := cfg.Storage.WalOptions()
	assert.True(t, opts.SyncWrites)
	assert.Equal(t, cfg.Storage.MaxSegmentSize, opts.MaxSegmentSize)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "data_directory: x\n"))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"empty dir":         func(c *Config) { c.DataDir = "" },
		"empty listen addr": func(c *Config) { c.ListenAddr = "" },
		"zero segment size": func(c *Config) { c.Storage.MaxSegmentSize = 0 },
		"unknown log level": func(c *Config) { c.LogLevel = "verbose" },
		"negative seg size": func(c *Config) { c.Storage.MaxSegmentSize = -1 },
	} {
		cfg := Default()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestParseFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: from-file
listen_addr: "127.0.0.1:5000"
log_level: warn
`)

	cfg, err := Parse([]string{"-config", path, "-data.dir", "from-flag", "-segment.max-size", "4096", "-sync"})
	require.NoError(t, err)

	assert.Equal(t, "from-flag", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:5000", cfg.ListenAddr)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, int64(4096), cfg.Storage.MaxSegmentSize)
	assert.True(t, cfg.Storage.SyncWrites)
}

func TestParseWithoutFile(t *testing.T) {
	cfg, err := Parse([]string{"-listen.addr", ":4001", "-log.level", "debug"})
	require.NoError(t, err)

	assert.Equal(t, ":4001", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "data", cfg.DataDir)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse([]string{"-segment.max-size", "0"})
	require.Error(t, err)

	_, err = Parse([]string{"-no-such-flag"})
	require.Error(t, err)
}
