package core

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruption indicates a WAL record whose framing, length,
	// checksum, or operation byte is invalid, or a table block or bloom
	// region whose length or checksum does not match its contents.
	ErrCorruption = errors.New("corruption detected")

	// ErrInvalidFormat indicates a file that is not an SSTable: too
	// short for a footer, wrong magic, or an index that cannot be parsed.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrKeyNotFound is reserved for layers above the engine; the core
	// reports normal misses with an ok=false return instead.
	ErrKeyNotFound = errors.New("key not found")

	// ErrMemTableFull signals that the MemTable's approximate size
	// accounting has crossed its limit. Recoverable: seal and flush.
	ErrMemTableFull = errors.New("memtable size limit reached")

	// ErrWALFull signals that appending would exceed the WAL size
	// limit. Recoverable: rotate to a new file.
	ErrWALFull = errors.New("wal size limit reached")

	// ErrWriterFinished reports reuse of an SSTable writer after finish.
	ErrWriterFinished = errors.New("writer already finished")

	// ErrEmptyTable reports finishing an SSTable with no entries.
	ErrEmptyTable = errors.New("no entries written")
)

// EntrySizeExceededError reports a key or value larger than the on-disk
// format allows.
type EntrySizeExceededError struct {
	Size int
	Max  int
}

func (e *EntrySizeExceededError) Error() string {
	return fmt.Sprintf("entry size %d exceeds maximum %d", e.Size, e.Max)
}

// KeyOrderingViolationError reports an SSTable add whose internal key is
// not strictly greater than the previously added one.
type KeyOrderingViolationError struct {
	Last string
	Next string
}

func (e *KeyOrderingViolationError) Error() string {
	return fmt.Sprintf("key ordering violation: %s added after %s", e.Next, e.Last)
}
