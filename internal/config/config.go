// Package config loads shipyard settings: defaults, then shipyard.toml,
// then SHIPYARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/rendis/shipyard/internal/logging"
	"github.com/rendis/shipyard/pkg/schema"
)

// FileName is the settings file looked up in the project directory.
const FileName = "shipyard.toml"

// RecoveryRule maps an Expr condition over {message, step, code} to a strategy.
type RecoveryRule struct {
	When     string `toml:"when"`
	Strategy string `toml:"strategy"`
}

// Config holds all shipyard settings.
// Priority: env vars > shipyard.toml > defaults.
type Config struct {
	StateDir            string                         `toml:"state_dir"`
	Backend             string                         `toml:"backend"`
	DBPath              string                         `toml:"db_path"`
	CacheDir            string                         `toml:"cache_dir"`
	CacheTTL            time.Duration                  `toml:"cache_ttl"`
	LogLevel            string                         `toml:"log_level"`
	LogFormat           string                         `toml:"log_format"`
	MaxRecoveryAttempts int                            `toml:"max_recovery_attempts"`
	PipelineFile        string                         `toml:"pipeline_file"`
	RecoveryRules       []RecoveryRule                 `toml:"recovery_rules"`
	RecoveryOverrides   map[string]schema.RecoverySpec `toml:"recovery_overrides"`
}

// Default returns a Config with the built-in defaults. DBPath and CacheDir
// are derived from StateDir during Load when left empty.
func Default() *Config {
	return &Config{
		StateDir:            ".shipyard",
		Backend:             "file",
		CacheTTL:            24 * time.Hour,
		LogLevel:            "info",
		LogFormat:           "text",
		MaxRecoveryAttempts: 5,
		PipelineFile:        "shipyard.yaml",
	}
}

// Load reads <dir>/shipyard.toml (if present), applies env overrides,
// resolves relative paths against dir and validates the result.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName), dir)
}

// LoadFile is Load with an explicit settings path.
func LoadFile(path, baseDir string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parsing %s: %v", path, err).WithCause(err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolve(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("SHIPYARD_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("SHIPYARD_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("SHIPYARD_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("SHIPYARD_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("SHIPYARD_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return schema.ValidationError("SHIPYARD_CACHE_TTL: %v", err)
		}
		c.CacheTTL = d
	}
	if v := os.Getenv("SHIPYARD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SHIPYARD_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("SHIPYARD_MAX_RECOVERY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return schema.ValidationError("SHIPYARD_MAX_RECOVERY_ATTEMPTS: %v", err)
		}
		c.MaxRecoveryAttempts = n
	}
	if v := os.Getenv("SHIPYARD_PIPELINE"); v != "" {
		c.PipelineFile = v
	}
	return nil
}

func (c *Config) resolve(baseDir string) {
	c.StateDir = abs(baseDir, c.StateDir)
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.StateDir, "state.db")
	} else {
		c.DBPath = abs(baseDir, c.DBPath)
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.StateDir, "cache")
	} else {
		c.CacheDir = abs(baseDir, c.CacheDir)
	}
	c.PipelineFile = abs(baseDir, c.PipelineFile)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Backend {
	case "file", "libsql":
	default:
		return schema.ValidationError("backend must be file or libsql, got %q", c.Backend)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return schema.ValidationError("log_format must be text or json, got %q", c.LogFormat)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return schema.ValidationError("log_level: %v", err)
	}
	if c.CacheTTL <= 0 {
		return schema.ValidationError("cache_ttl must be positive")
	}
	if c.MaxRecoveryAttempts < 0 {
		return schema.ValidationError("max_recovery_attempts must not be negative")
	}
	for i, r := range c.RecoveryRules {
		if r.When == "" || r.Strategy == "" {
			return schema.ValidationError("recovery_rules[%d]: when and strategy are required", i)
		}
	}
	return nil
}

func abs(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
