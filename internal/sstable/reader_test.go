package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrisdb/ferrisdb/internal/core"
)

// writeTestTable builds the MVCC fixture shared by the reader tests.
func writeTestTable(t *testing.T) (string, []Entry) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sst")

	entries := []Entry{
		{Key: putKey("banana", 200), Value: []byte("yellow")},
		{Key: putKey("banana", 150), Value: []byte("old")},
		{Key: deleteKey("cherry", 300), Value: []byte{}},
		{Key: putKey("date", 250), Value: []byte("sweet")},
	}

	w, err := NewWriter(path)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Add(e.Key, e.Value))
	}
	_, err = w.Finish()
	require.NoError(t, err)

	return path, entries
}

func TestReader_Get(t *testing.T) {
	path, _ := writeTestTable(t)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	value, ok, err := r.Get([]byte("banana"), 200)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("yellow"), value)

	value, ok, err = r.Get([]byte("banana"), 150)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("old"), value)

	// Exact-version lookup misses on a version that was never written.
	_, ok, err = r.Get([]byte("banana"), 175)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = r.Get([]byte("missing"), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReader_GetLatest(t *testing.T) {
	path, _ := writeTestTable(t)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	entry, ok, err := r.GetLatest([]byte("banana"), 1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("yellow"), entry.Value)
	assert.Equal(t, uint64(200), entry.Key.Timestamp)
	assert.Equal(t, core.OpPut, entry.Key.Operation)

	entry, ok, err = r.GetLatest([]byte("banana"), 175)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("old"), entry.Value)
	assert.Equal(t, uint64(150), entry.Key.Timestamp)

	// Tombstones surface as such; the caller decides visibility.
	entry, ok, err = r.GetLatest([]byte("cherry"), 1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.OpDelete, entry.Key.Operation)

	_, ok, err = r.GetLatest([]byte("banana"), 100)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = r.GetLatest([]byte("missing"), 1000)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReader_IterIdentity(t *testing.T) {
	path, written := writeTestTable(t)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	var read []Entry
	it := r.Iter()
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		read = append(read, entry)
	}
	require.NoError(t, it.Err())

	assert.Empty(t, cmp.Diff(written, read, cmpopts.EquateEmpty()))
}

func TestReader_RangeIter(t *testing.T) {
	path, _ := writeTestTable(t)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	it := r.RangeIter([]byte("banana"), []byte("date"))
	var keys []string
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		keys = append(keys, entry.Key.String())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"banana@200", "banana@150", "cherry@300"}, keys)

	// Open-ended range.
	it = r.RangeIter([]byte("cherry"), nil)
	keys = keys[:0]
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		keys = append(keys, entry.Key.String())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"cherry@300", "date@250"}, keys)
}

func TestReader_FileTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.sst")
	require.NoError(t, os.WriteFile(path, []byte("too small"), 0644))

	_, err := Open(path)
	assert.ErrorIs(t, err, core.ErrInvalidFormat)
}

func TestReader_CorruptedMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupted.sst")

	buf := make([]byte, FooterSize)
	buf[32] = 0x78
	buf[33] = 0x56
	buf[34] = 0x34
	buf[35] = 0x12
	require.NoError(t, os.WriteFile(path, buf, 0644))

	_, err := Open(path)
	assert.ErrorIs(t, err, core.ErrInvalidFormat)
}

func TestReader_MultiBlockLookups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "large.sst")

	w, err := NewWriterWithOptions(path, WriterOptions{BlockSize: 256})
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		key := putKey(fmt.Sprintf("key_%06d", i), uint64(i+1))
		require.NoError(t, w.Add(key, []byte(fmt.Sprintf("value_%d", i))))
	}
	_, err = w.Finish()
	require.NoError(t, err)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	require.Greater(t, r.BlockCount(), 1)

	for _, i := range []int{0, 50, 100, 150, 199} {
		value, ok, err := r.Get([]byte(fmt.Sprintf("key_%06d", i)), uint64(i+1))
		require.NoError(t, err)
		require.True(t, ok, "key_%06d", i)
		assert.Equal(t, []byte(fmt.Sprintf("value_%d", i)), value)
	}

	entry, ok, err := r.GetLatest([]byte("key_000100"), 1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("value_100"), entry.Value)
	assert.Equal(t, uint64(101), entry.Key.Timestamp)

	_, ok, err = r.Get([]byte("key_999999"), 100)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReader_BloomFilterLoaded(t *testing.T) {
	path, _ := writeTestTable(t)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	require.NotNil(t, r.filter)
	assert.True(t, r.filter.Test([]byte("banana")))
	assert.True(t, r.filter.Test([]byte("date")))
}

func TestReader_BlockCacheReuse(t *testing.T) {
	path, _ := writeTestTable(t)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	_, ok, err := r.Get([]byte("banana"), 200)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, r.cache, 1)

	// Second lookup in the same block must not grow the cache.
	_, ok, err = r.Get([]byte("date"), 250)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, r.cache, 1)
}
