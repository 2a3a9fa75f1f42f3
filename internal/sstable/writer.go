package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/ferrisdb/ferrisdb/internal/core"
)

// TableInfo describes a finished table file.
type TableInfo struct {
	Path        string
	FileSize    uint64
	EntryCount  int
	SmallestKey core.InternalKey
	LargestKey  core.InternalKey
}

// WriterOptions tune table construction.
type WriterOptions struct {
	// BlockSize is the target serialized size of a data block.
	BlockSize int
	// BloomBitsPerKey sizes the bloom filter; ten bits gives roughly a
	// 1% false positive rate.
	BloomBitsPerKey int
}

// Writer builds one immutable table file. Entries must be added in
// strictly increasing internal-key order: user key ascending, timestamp
// descending within a key. The writer is not safe for concurrent use.
type Writer struct {
	file   *os.File
	buf    *bufio.Writer
	path   string
	offset uint64

	block     []Entry
	blockSize int
	opts      WriterOptions

	index      []IndexEntry
	bloomKeys  [][]byte
	entryCount int

	smallest *core.InternalKey
	largest  *core.InternalKey
	last     *core.InternalKey
	finished bool
}

// NewWriter creates a table writer with default options.
func NewWriter(path string) (*Writer, error) {
	return NewWriterWithOptions(path, WriterOptions{})
}

// NewWriterWithOptions creates a table writer. Zero option fields fall
// back to defaults.
func NewWriterWithOptions(path string, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BloomBitsPerKey <= 0 {
		opts.BloomBitsPerKey = defaultBloomBitsPerKey
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: failed to create file: %w", err)
	}

	return &Writer{
		file: file,
		buf:  bufio.NewWriter(file),
		path: path,
		opts: opts,
	}, nil
}

// Add appends one entry. The key must be strictly greater than the
// previously added key under the internal-key order; equal user keys
// must arrive with descending timestamps.
func (w *Writer) Add(key core.InternalKey, value []byte) error {
	if w.finished {
		return fmt.Errorf("sstable: %w", core.ErrWriterFinished)
	}
	if len(key.UserKey) > MaxEntrySize {
		return &core.EntrySizeExceededError{Size: len(key.UserKey), Max: MaxEntrySize}
	}
	if len(value) > MaxEntrySize {
		return &core.EntrySizeExceededError{Size: len(value), Max: MaxEntrySize}
	}
	if w.last != nil && key.Compare(*w.last) <= 0 {
		return &core.KeyOrderingViolationError{Last: w.last.String(), Next: key.String()}
	}

	entry := Entry{Key: key, Value: value}
	entrySize := entry.serializedSize()

	if len(w.block) > 0 && w.blockSize+entrySize > w.opts.BlockSize {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}

	w.block = append(w.block, entry)
	w.blockSize += entrySize
	w.entryCount++

	if w.smallest == nil {
		k := key
		w.smallest = &k
	}
	k := key
	w.largest = &k
	w.last = &k

	if len(w.bloomKeys) == 0 || !bytes.Equal(w.bloomKeys[len(w.bloomKeys)-1], key.UserKey) {
		w.bloomKeys = append(w.bloomKeys, append([]byte(nil), key.UserKey...))
	}

	return nil
}

// flushBlock emits the buffered block: entry count, entries in order,
// and the reserved checksum slot. The block's offset and first user key
// become an index entry.
func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}

	firstKey := append([]byte(nil), w.block[0].Key.UserKey...)
	blockOffset := w.offset

	if err := w.writeUint32(uint32(len(w.block))); err != nil {
		return err
	}
	for _, entry := range w.block {
		if err := w.writeEntry(entry); err != nil {
			return err
		}
	}
	// Checksum slot is reserved; filling it with a real CRC later needs
	// no format change.
	if err := w.writeUint32(0); err != nil {
		return err
	}

	w.index = append(w.index, IndexEntry{BlockOffset: blockOffset, FirstKey: firstKey})
	w.block = w.block[:0]
	w.blockSize = 0
	return nil
}

func (w *Writer) writeEntry(entry Entry) error {
	var header [entryHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(entry.Key.UserKey)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(entry.Value)))
	binary.LittleEndian.PutUint64(header[8:16], entry.Key.Timestamp)
	header[16] = opToByte(entry.Key.Operation)

	if err := w.write(header[:]); err != nil {
		return err
	}
	if err := w.write(entry.Key.UserKey); err != nil {
		return err
	}
	return w.write(entry.Value)
}

func (w *Writer) writeIndexBlock() error {
	if err := w.writeUint32(uint32(len(w.index))); err != nil {
		return err
	}
	for _, entry := range w.index {
		var header [12]byte
		binary.LittleEndian.PutUint64(header[0:8], entry.BlockOffset)
		binary.LittleEndian.PutUint32(header[8:12], uint32(len(entry.FirstKey)))
		if err := w.write(header[:]); err != nil {
			return err
		}
		if err := w.write(entry.FirstKey); err != nil {
			return err
		}
	}
	return w.writeUint32(0) // reserved checksum
}

func (w *Writer) writeBloomRegion() error {
	filter := newBloomFilter(len(w.bloomKeys), w.opts.BloomBitsPerKey)
	for _, key := range w.bloomKeys {
		filter.Add(key)
	}
	region, err := encodeBloomRegion(filter)
	if err != nil {
		return err
	}
	return w.write(region)
}

// Finish emits any buffered block, the index, the bloom region, and the
// footer, then fsyncs and closes the file. The writer cannot be used
// again.
func (w *Writer) Finish() (TableInfo, error) {
	if w.finished {
		return TableInfo{}, fmt.Errorf("sstable: %w", core.ErrWriterFinished)
	}
	if w.entryCount == 0 {
		return TableInfo{}, fmt.Errorf("sstable: %w", core.ErrEmptyTable)
	}

	if err := w.flushBlock(); err != nil {
		return TableInfo{}, err
	}

	indexOffset := w.offset
	if err := w.writeIndexBlock(); err != nil {
		return TableInfo{}, err
	}
	indexLength := w.offset - indexOffset

	bloomOffset := w.offset
	if err := w.writeBloomRegion(); err != nil {
		return TableInfo{}, err
	}
	bloomLength := w.offset - bloomOffset

	footer := NewFooter(indexOffset, indexLength, bloomOffset, bloomLength)
	if err := w.write(footer.ToBytes()); err != nil {
		return TableInfo{}, err
	}

	if err := w.buf.Flush(); err != nil {
		return TableInfo{}, fmt.Errorf("sstable: failed to flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return TableInfo{}, fmt.Errorf("sstable: failed to sync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return TableInfo{}, fmt.Errorf("sstable: failed to close: %w", err)
	}

	w.finished = true
	return TableInfo{
		Path:        w.path,
		FileSize:    w.offset,
		EntryCount:  w.entryCount,
		SmallestKey: *w.smallest,
		LargestKey:  *w.largest,
	}, nil
}

func (w *Writer) write(data []byte) error {
	n, err := w.buf.Write(data)
	w.offset += uint64(n)
	if err != nil {
		return fmt.Errorf("sstable: failed to write: %w", err)
	}
	return nil
}

func (w *Writer) writeUint32(v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return w.write(buf[:])
}
