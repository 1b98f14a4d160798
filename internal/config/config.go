// Package config loads the on-disk YAML configuration for an embeddb
// instance: where the database file lives, its page size, and the
// schedule on which background checkpoints run.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML document accepted by cmd/embeddb and by
// any embedder that wants declarative setup instead of wiring options by
// hand.
type Config struct {
	// Path is the database file's location.
	Path string `yaml:"path"`
	// PageSize is only honored the first time Path is created.
	PageSize int `yaml:"page_size"`
	// CheckpointCron is a standard five-field cron expression; empty
	// disables background checkpointing.
	CheckpointCron string `yaml:"checkpoint_cron"`
	// SortTempDir overrides where external-sort temp files are created.
	SortTempDir string `yaml:"sort_temp_dir"`
	// SortMinFlushBytes/SortMaxFlushBytes bound the external sorter's
	// in-memory accumulator.
	SortMinFlushBytes int `yaml:"sort_min_flush_bytes"`
	SortMaxFlushBytes int `yaml:"sort_max_flush_bytes"`
	// SortWorkers selects how many goroutines produce PMAs in parallel.
	SortWorkers int `yaml:"sort_workers"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		PageSize:          1024,
		SortMinFlushBytes: 4 << 20,
		SortMaxFlushBytes: 16 << 20,
		SortWorkers:       1,
	}
}

// Load reads and parses a YAML config file, filling in any field the
// file omits from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Path == "" {
		return cfg, fmt.Errorf("config: %s: path is required", path)
	}
	return cfg, nil
}
