package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ferrisdb/ferrisdb/internal/core"
)

// SyncMode selects when an appended record becomes crash-safe.
type SyncMode int

const (
	// SyncNone performs no flushing; durability is not claimed.
	SyncNone SyncMode = iota
	// SyncNormal flushes the process buffer to the OS on every append.
	// Survives process crashes but not host crashes.
	SyncNormal
	// SyncFull flushes and fsyncs on every append.
	SyncFull
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncNormal:
		return "normal"
	case SyncFull:
		return "full"
	default:
		return fmt.Sprintf("syncmode(%d)", int(m))
	}
}

// Writer appends records to a single WAL file. It is safe for use by
// multiple producers: a mutex around the buffered file handle keeps
// record bytes from interleaving.
type Writer struct {
	mu        sync.Mutex
	file      *os.File
	buf       *bufio.Writer
	path      string
	size      atomic.Uint64
	syncMode  SyncMode
	sizeLimit uint64
}

// OpenWriter opens or creates a WAL file for appending. The file's
// existing size counts against the size limit.
func OpenWriter(path string, mode SyncMode, sizeLimit uint64) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("wal: failed to create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: failed to stat file: %w", err)
	}

	w := &Writer{
		file:      file,
		buf:       bufio.NewWriter(file),
		path:      path,
		syncMode:  mode,
		sizeLimit: sizeLimit,
	}
	w.size.Store(uint64(info.Size()))
	return w, nil
}

// Append encodes and writes one record, honoring the sync mode.
// Returns ErrWALFull, without writing, when the record would push the
// file past the size limit; the caller rotates to a new file.
func (w *Writer) Append(rec Record) error {
	encoded := rec.Encode()
	n := uint64(len(encoded))

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size.Load()+n > w.sizeLimit {
		return fmt.Errorf("wal: %w", core.ErrWALFull)
	}

	if _, err := w.buf.Write(encoded); err != nil {
		return fmt.Errorf("wal: failed to write record: %w", err)
	}

	switch w.syncMode {
	case SyncNone:
	case SyncNormal:
		if err := w.buf.Flush(); err != nil {
			return fmt.Errorf("wal: failed to flush: %w", err)
		}
	case SyncFull:
		if err := w.buf.Flush(); err != nil {
			return fmt.Errorf("wal: failed to flush: %w", err)
		}
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: failed to sync: %w", err)
		}
	}

	w.size.Add(n)
	return nil
}

// Sync flushes buffered records and fsyncs the file, regardless of the
// writer's sync mode.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("wal: failed to flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: failed to sync: %w", err)
	}
	return nil
}

// Size returns the tracked file size in bytes, including records still
// in the process buffer.
func (w *Writer) Size() uint64 {
	return w.size.Load()
}

// Path returns the file path the writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// Close flushes, fsyncs, and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("wal: failed to flush on close: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: failed to sync on close: %w", err)
	}
	return w.file.Close()
}
