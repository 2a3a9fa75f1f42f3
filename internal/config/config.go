// Package config provides configuration management for the storage
// engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ferrisdb/ferrisdb/internal/wal"
)

// SyncMode names a WAL durability mode in configuration files.
type SyncMode string

const (
	SyncModeNone   SyncMode = "none"
	SyncModeNormal SyncMode = "normal"
	SyncModeFull   SyncMode = "full"
)

// WALMode translates the configured name into the WAL writer's mode.
func (m SyncMode) WALMode() (wal.SyncMode, error) {
	switch m {
	case SyncModeNone:
		return wal.SyncNone, nil
	case SyncModeNormal, "":
		return wal.SyncNormal, nil
	case SyncModeFull:
		return wal.SyncFull, nil
	default:
		return 0, fmt.Errorf("config: unknown wal_sync_mode %q", string(m))
	}
}

// Config holds the storage engine configuration.
type Config struct {
	// Directories
	DataDir string `json:"data_dir"`
	WALDir  string `json:"wal_dir"`

	// WAL settings
	WALSyncMode  SyncMode `json:"wal_sync_mode"`
	WALSizeLimit uint64   `json:"wal_size_limit"`

	// MemTable settings
	MemTableSize int64 `json:"memtable_size"`

	// SSTable settings
	SSTableBlockSize      int `json:"sstable_block_size"`
	BloomFilterBitsPerKey int `json:"bloom_filter_bits_per_key"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:               "data",
		WALDir:                "data/wal",
		WALSyncMode:           SyncModeNormal,
		WALSizeLimit:          64 << 20, // 64 MiB
		MemTableSize:          4 << 20,  // 4 MiB
		SSTableBlockSize:      4096,
		BloomFilterBitsPerKey: 10,
	}
}

// Load loads configuration from a JSON file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if _, err := cfg.WALSyncMode.WALMode(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
