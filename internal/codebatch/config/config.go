// Package config loads the small set of caller-adjustable ambient behavior
// the core exposes, adapted from the teacher's internal/config loader
// (default-then-override-from-YAML), cut down to the four fields this
// domain's components actually read.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds codebatch's caller-adjustable settings. All fields are
// optional in the YAML file; zero values fall back to DefaultConfig.
type Config struct {
	ChunkThresholdBytes int64  `yaml:"chunk_threshold_bytes"`
	CacheDirName        string `yaml:"cache_dir_name"`
	DebugMode           bool   `yaml:"debug_mode"`
	DefaultParallelism  int    `yaml:"default_parallelism"`
}

// DefaultConfig returns the settings the core uses when no config file is
// present, matching the constants its components already hard-code.
func DefaultConfig() *Config {
	return &Config{
		ChunkThresholdBytes: 16 * 1024 * 1024,
		CacheDirName:        "indexes",
		DebugMode:           false,
		DefaultParallelism:  1,
	}
}

// Load reads a YAML config file, returning DefaultConfig() unmodified if
// path does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating its parent directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Path returns the default config file location for a store rooted at
// storeRoot: <store_root>/../.codebatch/config.yaml.
func Path(storeRoot string) string {
	return filepath.Join(filepath.Dir(storeRoot), ".codebatch", "config.yaml")
}

// LogsRoot returns the directory logging.Initialize should be pointed at
// for a store rooted at storeRoot: <store_root>/.. (Initialize itself
// appends .codebatch/logs).
func LogsRoot(storeRoot string) string {
	return filepath.Dir(storeRoot)
}
