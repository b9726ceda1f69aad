// Package config provides configuration management for crucible.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultHTTPAddr     = ":8741"
	DefaultDBDriver     = "sqlite"
	DefaultDBPath       = "crucible.db"
	DefaultScenariosDir = "scenarios"
	DefaultFlushSeconds = 5
	DefaultFlushRetries = 5
	DefaultMaxConns     = 4
)

// Database holds store configuration.
type Database struct {
	Driver   string `yaml:"driver"` // sqlite | postgres
	Path     string `yaml:"path"`   // sqlite file
	DSN      string `yaml:"dsn"`    // postgres DSN
	MaxConns int    `yaml:"max_conns"`
}

// Config is the top-level YAML structure.
type Config struct {
	HTTPAddr             string   `yaml:"http_addr"`
	LogLevel             string   `yaml:"log_level"` // zerolog level name
	Database             Database `yaml:"database"`
	RedisAddr            string   `yaml:"redis_addr"` // empty = in-process sync bus
	ScenariosDir         string   `yaml:"scenarios_dir"`
	AutoSave             bool     `yaml:"auto_save"`
	FlushIntervalSeconds int      `yaml:"flush_interval_seconds"`
	FlushMaxRetries      int      `yaml:"flush_max_retries"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr: DefaultHTTPAddr,
		LogLevel: "info",
		Database: Database{
			Driver:   DefaultDBDriver,
			Path:     DefaultDBPath,
			MaxConns: DefaultMaxConns,
		},
		ScenariosDir:         DefaultScenariosDir,
		AutoSave:             true,
		FlushIntervalSeconds: DefaultFlushSeconds,
		FlushMaxRetries:      DefaultFlushRetries,
	}
}

// Load reads the YAML file at path over the defaults. A missing file is
// not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = DefaultMaxConns
	}
	if cfg.FlushIntervalSeconds <= 0 {
		cfg.FlushIntervalSeconds = DefaultFlushSeconds
	}
	if cfg.FlushMaxRetries <= 0 {
		cfg.FlushMaxRetries = DefaultFlushRetries
	}
	return cfg, nil
}

// FlushInterval returns the flush interval as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}
