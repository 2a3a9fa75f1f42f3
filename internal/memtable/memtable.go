package memtable

import (
	"fmt"
	"sync/atomic"

	"github.com/ferrisdb/ferrisdb/internal/core"
)

// entryOverhead approximates per-entry bookkeeping beyond the key and
// value bytes.
const entryOverhead = 16

// MemTable is the mutable in-memory layer of the engine: a skip list
// with approximate byte accounting. The counter is advisory — inserts
// are never blocked, and the full signal tells the caller to seal this
// table and flush it.
type MemTable struct {
	list  *SkipList
	size  atomic.Int64
	limit int64
}

// New creates a MemTable with the given approximate byte limit.
func New(limit int64) *MemTable {
	return &MemTable{list: NewSkipList(), limit: limit}
}

// Put inserts a value version. The entry is always inserted; the
// returned ErrMemTableFull only signals that the running total after
// this insert exceeds the limit and the table should be sealed.
func (m *MemTable) Put(key, value []byte, timestamp uint64) error {
	m.list.Insert(key, value, timestamp, core.OpPut)
	if m.size.Add(int64(len(key)+len(value)+entryOverhead)) > m.limit {
		return fmt.Errorf("memtable: %w", core.ErrMemTableFull)
	}
	return nil
}

// Delete inserts a tombstone version. Same full signal as Put.
func (m *MemTable) Delete(key []byte, timestamp uint64) error {
	m.list.Insert(key, nil, timestamp, core.OpDelete)
	if m.size.Add(int64(len(key)+entryOverhead)) > m.limit {
		return fmt.Errorf("memtable: %w", core.ErrMemTableFull)
	}
	return nil
}

// Get returns the newest version of key at or below timestamp.
func (m *MemTable) Get(key []byte, timestamp uint64) ([]byte, core.Operation, bool) {
	return m.list.Get(key, timestamp)
}

// Scan returns live entries in [start, end) visible at timestamp, one
// per user key.
func (m *MemTable) Scan(start, end []byte, timestamp uint64) []core.KeyValue {
	return m.list.Scan(start, end, timestamp)
}

// Entries returns every stored version in internal-key order.
func (m *MemTable) Entries() []Entry {
	return m.list.All()
}

// ApproximateSize returns the advisory byte count.
func (m *MemTable) ApproximateSize() int64 {
	return m.size.Load()
}

// IsFull reports whether the approximate size has reached the limit.
func (m *MemTable) IsFull() bool {
	return m.size.Load() >= m.limit
}

// Len returns the number of stored versions.
func (m *MemTable) Len() int {
	return m.list.Size()
}
