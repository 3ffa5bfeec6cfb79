package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  path: /tmp/stats.db
`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 4096, cfg.Collector.BufferSize)
	assert.Equal(t, 200, cfg.Collector.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Collector.FlushInterval)
	assert.Equal(t, "online", cfg.GeoIP.Provider)
	assert.Equal(t, 24*time.Hour, cfg.GeoIP.Refresh)
	assert.Equal(t, 4096, cfg.GeoIP.CacheSize)
	assert.Empty(t, cfg.Observability.Addr)
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
log_level: debug
listen: "127.0.0.1:9000"
database:
  path: /var/lib/proxystats/stats.db
collector:
  buffer_size: 1000
  batch_size: 50
  flush_interval: 500ms
geoip:
  provider: local
  mmdb_dir: /opt/geoip
  refresh: 12h
  cache_size: 1000
observability:
  metrics: true
  pprof: true
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, 50, cfg.Collector.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Collector.FlushInterval)
	assert.Equal(t, "local", cfg.GeoIP.Provider)
	assert.Equal(t, "/opt/geoip", cfg.GeoIP.MMDBDir)
	assert.Equal(t, 12*time.Hour, cfg.GeoIP.Refresh)
	assert.Equal(t, ":9090", cfg.Observability.Addr)
}

func TestLoadMissingDatabasePath(t *testing.T) {
	_, err := Load(writeConfig(t, `listen: ":8080"`))
	assert.ErrorContains(t, err, "database.path")
}

func TestLoadBadProvider(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  path: /tmp/stats.db
geoip:
  provider: hybrid
`))
	assert.ErrorContains(t, err, "geoip.provider")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	} {
		cfg := Config{LogLevel: in}
		assert.Equal(t, want, cfg.ParseLogLevel(), in)
	}
}
