// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel      string              `yaml:"log_level"`
	Listen        string              `yaml:"listen"`
	Database      DatabaseConfig      `yaml:"database"`
	Collector     CollectorConfig     `yaml:"collector"`
	GeoIP         GeoIPConfig         `yaml:"geoip"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type CollectorConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type GeoIPConfig struct {
	Provider     string        `yaml:"provider"` // "online" or "local"
	MMDBDir      string        `yaml:"mmdb_dir"`
	OnlineAPIURL string        `yaml:"online_api_url"`
	Refresh      time.Duration `yaml:"refresh"` // local database reload interval
	CacheSize    int           `yaml:"cache_size"`
}

type ObservabilityConfig struct {
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
	Pprof   bool   `yaml:"pprof"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Database.Path == "" {
		return nil, fmt.Errorf("database.path is required")
	}
	if cfg.Collector.BufferSize == 0 {
		cfg.Collector.BufferSize = 4096
	}
	if cfg.Collector.BatchSize == 0 {
		cfg.Collector.BatchSize = 200
	}
	if cfg.Collector.FlushInterval == 0 {
		cfg.Collector.FlushInterval = 2 * time.Second
	}
	switch cfg.GeoIP.Provider {
	case "", "online":
		cfg.GeoIP.Provider = "online"
	case "local":
	default:
		return nil, fmt.Errorf("geoip.provider must be \"online\" or \"local\", got %q", cfg.GeoIP.Provider)
	}
	if cfg.GeoIP.Refresh == 0 {
		cfg.GeoIP.Refresh = 24 * time.Hour
	}
	if cfg.GeoIP.CacheSize == 0 {
		cfg.GeoIP.CacheSize = 4096
	}
	if cfg.Observability.Addr == "" && (cfg.Observability.Metrics || cfg.Observability.Pprof) {
		cfg.Observability.Addr = ":9090"
	}

	return &cfg, nil
}

func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
