// Package config loads the toji configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/weaver/Toji/internal/model"
	"github.com/weaver/Toji/internal/storage"
)

// Config is the content of toji.yaml.
type Config struct {
	// DataDir holds the store files. Relative paths are resolved against the
	// directory of the configuration file.
	DataDir string `yaml:"data_dir"`

	// Backend is one of memory, jsonl, badger or bolt.
	Backend string `yaml:"backend"`

	// Schemas lists schema files compiled at startup, in order.
	Schemas []string `yaml:"schemas"`

	// KeyStrategy selects how record ids are generated: ksid or uuid.
	KeyStrategy string `yaml:"key_strategy"`

	// CreateAttempts bounds key generation retries.
	CreateAttempts int `yaml:"create_attempts"`

	LogLevel string `yaml:"log_level"`

	// Metrics enables the prometheus counters of the index manager.
	Metrics bool `yaml:"metrics"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		DataDir:        "data",
		Backend:        storage.BackendJSONL,
		KeyStrategy:    "ksid",
		CreateAttempts: 5,
		LogLevel:       "info",
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if !slices.Contains(storage.Backends, c.Backend) {
		return fmt.Errorf("backend must be one of %s, got %q", strings.Join(storage.Backends, ", "), c.Backend)
	}
	if c.Backend != storage.BackendMemory && c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if _, err := model.NewKeyGen(c.KeyStrategy); err != nil {
		return err
	}
	if c.CreateAttempts <= 0 {
		return errors.New("create_attempts must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Load reads the configuration at path, writing the defaults there when the
// file is missing. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if cfg.DataDir != "" && !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(filepath.Dir(path), cfg.DataDir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from TOJI_* variables. TOJI_SCHEMAS is a comma
// separated list.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("TOJI_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := lookup("TOJI_BACKEND"); ok {
		c.Backend = v
	}
	if v, ok := lookup("TOJI_SCHEMAS"); ok {
		c.Schemas = nil
		for s := range strings.SplitSeq(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.Schemas = append(c.Schemas, s)
			}
		}
	}
	if v, ok := lookup("TOJI_KEY_STRATEGY"); ok {
		c.KeyStrategy = v
	}
	if v, ok := lookup("TOJI_CREATE_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TOJI_CREATE_ATTEMPTS: %w", err)
		}
		c.CreateAttempts = n
	}
	if v, ok := lookup("TOJI_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("TOJI_METRICS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TOJI_METRICS: %w", err)
		}
		c.Metrics = b
	}
	return nil
}

// ParseLevel converts a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level %q", s)
}
