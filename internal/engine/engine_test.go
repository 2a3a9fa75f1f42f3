package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrisdb/ferrisdb/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(root, "data")
	cfg.WALDir = filepath.Join(root, "data", "wal")
	return cfg
}

func TestEngine_PutGetDelete(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("key1"), []byte("value1")))
	require.NoError(t, e.Put([]byte("key2"), []byte("value2")))

	value, ok, err := e.Get([]byte("key1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("value1"), value)

	require.NoError(t, e.Delete([]byte("key1")))
	_, ok, err = e.Get([]byte("key1"))
	require.NoError(t, err)
	assert.False(t, ok)

	value, ok, err = e.Get([]byte("key2"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("value2"), value)
}

func TestEngine_GetAtSnapshots(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	// Timestamps are engine-allocated starting at 1.
	require.NoError(t, e.Put([]byte("x"), []byte("v1")))
	require.NoError(t, e.Put([]byte("x"), []byte("v2")))
	require.NoError(t, e.Delete([]byte("x")))

	value, ok, err := e.GetAt([]byte("x"), 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), value)

	value, ok, err = e.GetAt([]byte("x"), 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), value)

	_, ok, err = e.GetAt([]byte("x"), 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_RecoveryFromWAL(t *testing.T) {
	cfg := testConfig(t)

	e, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("key1"), []byte("value1")))
	require.NoError(t, e.Put([]byte("key2"), []byte("value2")))
	require.NoError(t, e.Delete([]byte("key1")))
	require.NoError(t, e.Close())

	e2, err := Open(cfg)
	require.NoError(t, err)
	defer e2.Close()

	_, ok, err := e2.Get([]byte("key1"))
	require.NoError(t, err)
	assert.False(t, ok)

	value, ok, err := e2.Get([]byte("key2"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("value2"), value)

	// New writes continue above the recovered timestamp horizon.
	require.NoError(t, e2.Put([]byte("key3"), []byte("value3")))
	value, ok, err = e2.GetAt([]byte("key3"), 4)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("value3"), value)
}

func TestEngine_FlushMovesDataToTables(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key_%04d", i))
		require.NoError(t, e.Put(key, []byte(fmt.Sprintf("value_%d", i))))
	}
	require.NoError(t, e.Flush())

	stats := e.Stats()
	assert.Equal(t, 1, stats.TableCount)
	assert.Equal(t, int64(1), stats.TotalFlushes)
	assert.Zero(t, stats.MemTableBytes)

	// Reads now come from the flushed table.
	value, ok, err := e.Get([]byte("key_0007"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("value_7"), value)

	// The WAL directory contains only the fresh post-flush file.
	entries, err := os.ReadDir(cfg.WALDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestEngine_TombstoneShadowsFlushedValue(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("key"), []byte("old")))
	require.NoError(t, e.Flush())

	require.NoError(t, e.Delete([]byte("key")))
	_, ok, err := e.Get([]byte("key"))
	require.NoError(t, err)
	assert.False(t, ok)

	// And across another flush, the tombstone still wins by recency.
	require.NoError(t, e.Flush())
	_, ok, err = e.Get([]byte("key"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_RecoveryAfterFlush(t *testing.T) {
	cfg := testConfig(t)

	e, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("flushed"), []byte("on_disk")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Put([]byte("pending"), []byte("in_wal")))
	require.NoError(t, e.Close())

	e2, err := Open(cfg)
	require.NoError(t, err)
	defer e2.Close()

	value, ok, err := e2.Get([]byte("flushed"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("on_disk"), value)

	value, ok, err = e2.Get([]byte("pending"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("in_wal"), value)

	// Timestamp allocation resumes above both sources.
	require.NoError(t, e2.Put([]byte("next"), []byte("v")))
	value, ok, err = e2.GetAt([]byte("next"), 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
}

func TestEngine_MemTableFullTriggersFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemTableSize = 256
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key_%04d", i))
		require.NoError(t, e.Put(key, []byte("0123456789abcdef")))
	}

	stats := e.Stats()
	assert.Positive(t, stats.TotalFlushes)

	// Every write remains readable across the memtable/table boundary.
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key_%04d", i))
		_, ok, err := e.Get(key)
		require.NoError(t, err)
		assert.True(t, ok, "%s", key)
	}
}

func TestEngine_WALFullTriggersRotation(t *testing.T) {
	cfg := testConfig(t)
	cfg.WALSizeLimit = 200
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key_%04d", i))
		require.NoError(t, e.Put(key, []byte("0123456789abcdef0123456789abcdef")))
	}

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key_%04d", i))
		_, ok, err := e.Get(key)
		require.NoError(t, err)
		assert.True(t, ok, "%s", key)
	}
}

func TestEngine_Scan(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("A")))
	require.NoError(t, e.Put([]byte("b"), []byte("B")))
	require.NoError(t, e.Put([]byte("c"), []byte("C")))
	require.NoError(t, e.Delete([]byte("b")))

	results := e.Scan([]byte("a"), []byte("z"))
	require.Len(t, results, 2)
	assert.Equal(t, []byte("a"), results[0].Key)
	assert.Equal(t, []byte("c"), results[1].Key)

	// Before the delete, b is still visible.
	results = e.ScanAt([]byte("a"), []byte("z"), 3)
	require.Len(t, results, 3)
}

func TestEngine_Stats(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("key"), []byte("value")))
	e.Get([]byte("key"))
	e.Get([]byte("missing"))

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.TotalWrites)
	assert.Equal(t, int64(2), stats.TotalReads)
	assert.Positive(t, stats.MemTableBytes)
	assert.False(t, stats.StartTime.IsZero())
}
