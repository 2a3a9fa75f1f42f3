package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrisdb/ferrisdb/internal/wal"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, SyncModeNormal, cfg.WALSyncMode)
	assert.Equal(t, uint64(64<<20), cfg.WALSizeLimit)
	assert.Equal(t, int64(4<<20), cfg.MemTableSize)
	assert.Equal(t, 4096, cfg.SSTableBlockSize)
	assert.Equal(t, 10, cfg.BloomFilterBitsPerKey)
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfig_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/ferrisdb"
	cfg.WALSyncMode = SyncModeFull
	cfg.MemTableSize = 8 << 20
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoad_RejectsUnknownSyncMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.WALSyncMode = "paranoid"
	require.NoError(t, cfg.Save(path))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSyncMode_WALMode(t *testing.T) {
	mode, err := SyncModeNone.WALMode()
	require.NoError(t, err)
	assert.Equal(t, wal.SyncNone, mode)

	mode, err = SyncModeFull.WALMode()
	require.NoError(t, err)
	assert.Equal(t, wal.SyncFull, mode)

	// Unset mode defaults to normal.
	mode, err = SyncMode("").WALMode()
	require.NoError(t, err)
	assert.Equal(t, wal.SyncNormal, mode)
}
