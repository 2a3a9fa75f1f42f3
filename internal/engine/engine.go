// Package engine provides the storage engine that coordinates the WAL,
// the MemTable, and the on-disk tables. All write operations follow the
// pattern: WAL append -> MemTable insert -> respond; a full MemTable or
// WAL is sealed and flushed into a new SSTable.
package engine

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferrisdb/ferrisdb/internal/config"
	"github.com/ferrisdb/ferrisdb/internal/core"
	"github.com/ferrisdb/ferrisdb/internal/memtable"
	"github.com/ferrisdb/ferrisdb/internal/sstable"
	"github.com/ferrisdb/ferrisdb/internal/wal"
)

// Stats holds engine statistics.
type Stats struct {
	TotalReads    int64
	TotalWrites   int64
	TotalFlushes  int64
	StartTime     time.Time
	MemTableBytes int64
	TableCount    int
}

// table pairs an open SSTable reader with a mutex, because a reader
// instance is single-caller by contract.
type table struct {
	mu  sync.Mutex
	r   *sstable.Reader
	seq uint64
}

// Engine is the durable multi-version key-value store. It is safe for
// concurrent use by multiple goroutines.
type Engine struct {
	mu      sync.RWMutex
	cfg     *config.Config
	walMode wal.SyncMode

	wal    *wal.Writer
	mem    *memtable.MemTable
	tables []*table // newest first

	walSeq   uint64
	tableSeq uint64
	lastTS   uint64

	startTime    time.Time
	totalReads   atomic.Int64
	totalWrites  atomic.Int64
	totalFlushes atomic.Int64
}

// Open creates the engine's directories, replays any WAL files into a
// fresh MemTable, loads existing tables newest-first, and starts a new
// WAL file for this run.
func Open(cfg *config.Config) (*Engine, error) {
	walMode, err := cfg.WALSyncMode.WALMode()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("engine: failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WALDir, 0755); err != nil {
		return nil, fmt.Errorf("engine: failed to create wal dir: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		walMode:   walMode,
		mem:       memtable.New(cfg.MemTableSize),
		startTime: time.Now(),
	}

	if err := e.loadTables(); err != nil {
		return nil, err
	}
	if err := e.replayWAL(); err != nil {
		e.closeTables()
		return nil, err
	}

	e.walSeq++
	w, err := wal.OpenWriter(e.walPath(e.walSeq), walMode, cfg.WALSizeLimit)
	if err != nil {
		e.closeTables()
		return nil, err
	}
	e.wal = w
	return e, nil
}

func (e *Engine) walPath(seq uint64) string {
	return filepath.Join(e.cfg.WALDir, fmt.Sprintf("%06d.wal", seq))
}

func (e *Engine) tablePath(seq uint64) string {
	return filepath.Join(e.cfg.DataDir, fmt.Sprintf("%06d.sst", seq))
}

// loadTables opens every *.sst in the data directory, newest first, and
// recovers the flushed timestamp horizon from the newest one.
func (e *Engine) loadTables() error {
	seqs, err := sequencedFiles(e.cfg.DataDir, ".sst")
	if err != nil {
		return fmt.Errorf("engine: failed to list tables: %w", err)
	}

	// Newest first.
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	for _, seq := range seqs {
		r, err := sstable.Open(e.tablePath(seq))
		if err != nil {
			e.closeTables()
			return fmt.Errorf("engine: failed to open table %06d: %w", seq, err)
		}
		e.tables = append(e.tables, &table{r: r, seq: seq})
		if seq > e.tableSeq {
			e.tableSeq = seq
		}
	}

	// The newest table holds the highest flushed timestamp; writes after
	// its flush are still in the WAL and raise the horizon during replay.
	if len(e.tables) > 0 {
		newest := e.tables[0]
		it := newest.r.Iter()
		for {
			entry, ok := it.Next()
			if !ok {
				break
			}
			if entry.Key.Timestamp > e.lastTS {
				e.lastTS = entry.Key.Timestamp
			}
		}
		if err := it.Err(); err != nil {
			e.closeTables()
			return fmt.Errorf("engine: failed to scan newest table: %w", err)
		}
	}
	return nil
}

// replayWAL applies every WAL file in sequence order to the MemTable.
// A corrupt record ends that file's replay; the records before it are
// the durable prefix and are kept.
func (e *Engine) replayWAL() error {
	seqs, err := sequencedFiles(e.cfg.WALDir, ".wal")
	if err != nil {
		return fmt.Errorf("engine: failed to list wal files: %w", err)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		r, err := wal.OpenReader(e.walPath(seq))
		if err != nil {
			return err
		}
		records, readErr := r.ReadAll()
		r.Close()
		if readErr != nil && !errors.Is(readErr, core.ErrCorruption) {
			return readErr
		}

		for _, rec := range records {
			switch rec.Operation {
			case core.OpPut:
				e.mem.Put(rec.Key, rec.Value, rec.Timestamp)
			case core.OpDelete:
				e.mem.Delete(rec.Key, rec.Timestamp)
			}
			if rec.Timestamp > e.lastTS {
				e.lastTS = rec.Timestamp
			}
		}
		if seq > e.walSeq {
			e.walSeq = seq
		}
	}
	return nil
}

// sequencedFiles returns the numeric sequence of every "<number><ext>"
// file in dir, ignoring anything else.
func sequencedFiles(dir, ext string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var seqs []uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, ext), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

// Put stores a new version of key. The write is durable per the
// configured WAL sync mode before it becomes visible.
func (e *Engine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyLocked(key, value, core.OpPut)
}

// Delete writes a tombstone version of key.
func (e *Engine) Delete(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyLocked(key, nil, core.OpDelete)
}

func (e *Engine) applyLocked(key, value []byte, op core.Operation) error {
	ts := e.lastTS + 1

	var rec wal.Record
	if op == core.OpDelete {
		rec = wal.NewDelete(key, ts)
	} else {
		rec = wal.NewPut(key, value, ts)
	}

	err := e.wal.Append(rec)
	if errors.Is(err, core.ErrWALFull) {
		if err = e.flushLocked(); err != nil {
			return err
		}
		err = e.wal.Append(rec)
	}
	if err != nil {
		return fmt.Errorf("engine: failed to write WAL: %w", err)
	}
	e.lastTS = ts

	var memErr error
	if op == core.OpDelete {
		memErr = e.mem.Delete(key, ts)
	} else {
		memErr = e.mem.Put(key, value, ts)
	}
	if errors.Is(memErr, core.ErrMemTableFull) {
		if err := e.flushLocked(); err != nil {
			return err
		}
	} else if memErr != nil {
		return memErr
	}

	e.totalWrites.Add(1)
	return nil
}

// Get returns the newest visible value of key.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	return e.GetAt(key, math.MaxUint64)
}

// GetAt returns the newest value of key visible at the given snapshot
// timestamp. The MemTable answers first; on a miss the on-disk tables
// are consulted in recency order. A tombstone hides older versions.
func (e *Engine) GetAt(key []byte, timestamp uint64) ([]byte, bool, error) {
	e.mu.RLock()
	mem := e.mem
	tables := append([]*table(nil), e.tables...)
	e.mu.RUnlock()

	e.totalReads.Add(1)

	if value, op, ok := mem.Get(key, timestamp); ok {
		if op == core.OpDelete {
			return nil, false, nil
		}
		return value, true, nil
	}

	for _, tbl := range tables {
		tbl.mu.Lock()
		entry, ok, err := tbl.r.GetLatest(key, timestamp)
		tbl.mu.Unlock()
		if err != nil {
			return nil, false, err
		}
		if ok {
			if entry.Key.Operation == core.OpDelete {
				return nil, false, nil
			}
			return entry.Value, true, nil
		}
	}
	return nil, false, nil
}

// Scan returns the newest visible MemTable entries with keys in
// [start, end); entries already flushed to tables are not included.
func (e *Engine) Scan(start, end []byte) []core.KeyValue {
	return e.ScanAt(start, end, math.MaxUint64)
}

// ScanAt returns entries in [start, end) visible at the snapshot
// timestamp. The scan serves the MemTable view; merging flushed tables
// into range reads belongs to the compaction layer above the core.
func (e *Engine) ScanAt(start, end []byte, timestamp uint64) []core.KeyValue {
	e.mu.RLock()
	mem := e.mem
	e.mu.RUnlock()

	e.totalReads.Add(1)
	return mem.Scan(start, end, timestamp)
}

// Flush seals the MemTable, writes it out as a new SSTable, discards
// WAL files the flush made redundant, and starts a fresh WAL.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

func (e *Engine) flushLocked() error {
	entries := e.mem.Entries()
	if len(entries) > 0 {
		e.tableSeq++
		path := e.tablePath(e.tableSeq)

		w, err := sstable.NewWriterWithOptions(path, sstable.WriterOptions{
			BlockSize:       e.cfg.SSTableBlockSize,
			BloomBitsPerKey: e.cfg.BloomFilterBitsPerKey,
		})
		if err != nil {
			return fmt.Errorf("engine: failed to create table: %w", err)
		}
		for _, entry := range entries {
			if err := w.Add(entry.Key, entry.Value); err != nil {
				os.Remove(path)
				return fmt.Errorf("engine: failed to flush memtable: %w", err)
			}
		}
		if _, err := w.Finish(); err != nil {
			// The half-written file is unusable.
			os.Remove(path)
			return fmt.Errorf("engine: failed to finish table: %w", err)
		}

		r, err := sstable.Open(path)
		if err != nil {
			return fmt.Errorf("engine: failed to open flushed table: %w", err)
		}
		e.tables = append([]*table{{r: r, seq: e.tableSeq}}, e.tables...)
		e.mem = memtable.New(e.cfg.MemTableSize)
	}

	// Everything in the closed WAL files is now in a table (or was
	// already empty), so they can go.
	if err := e.wal.Close(); err != nil {
		return fmt.Errorf("engine: failed to close WAL: %w", err)
	}
	seqs, err := sequencedFiles(e.cfg.WALDir, ".wal")
	if err != nil {
		return fmt.Errorf("engine: failed to list wal files: %w", err)
	}
	for _, seq := range seqs {
		if seq <= e.walSeq {
			if err := os.Remove(e.walPath(seq)); err != nil {
				return fmt.Errorf("engine: failed to remove wal file: %w", err)
			}
		}
	}

	e.walSeq++
	w, err := wal.OpenWriter(e.walPath(e.walSeq), e.walMode, e.cfg.WALSizeLimit)
	if err != nil {
		return fmt.Errorf("engine: failed to open new WAL: %w", err)
	}
	e.wal = w

	e.totalFlushes.Add(1)
	return nil
}

// Sync forces buffered WAL records to durable storage regardless of the
// configured sync mode.
func (e *Engine) Sync() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.wal.Sync()
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		TotalReads:    e.totalReads.Load(),
		TotalWrites:   e.totalWrites.Load(),
		TotalFlushes:  e.totalFlushes.Load(),
		StartTime:     e.startTime,
		MemTableBytes: e.mem.ApproximateSize(),
		TableCount:    len(e.tables),
	}
}

// Close syncs and closes the WAL and every open table reader. Unflushed
// MemTable contents are recovered from the WAL on the next open.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.wal.Close()
	e.closeTables()
	return err
}

func (e *Engine) closeTables() {
	for _, tbl := range e.tables {
		tbl.r.Close()
	}
	e.tables = nil
}
