package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/ferrisdb/ferrisdb/internal/core"
)

// Reader serves point lookups and scans over one table file. Opening
// costs three logical reads: the footer, the index block, then the
// bloom region. Data
// blocks are fetched on demand and kept in an unbounded reader-local
// cache; a surrounding system that wants eviction wraps the reader.
//
// A Reader is not safe for concurrent use. Concurrent callers open
// independent readers over the same immutable file.
type Reader struct {
	file   *os.File
	path   string
	footer Footer
	index  []IndexEntry
	filter *bloom.BloomFilter
	cache  map[uint64][]Entry
}

// Open reads the footer, index and bloom region of a table file and
// prepares it for queries.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: failed to open file: %w", err)
	}

	r := &Reader{file: file, path: path, cache: make(map[uint64][]Entry)}
	if err := r.readFooter(); err != nil {
		file.Close()
		return nil, err
	}
	if err := r.readIndex(); err != nil {
		file.Close()
		return nil, err
	}
	if err := r.readBloom(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readFooter() error {
	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("sstable: failed to stat file: %w", err)
	}
	if info.Size() < FooterSize {
		return fmt.Errorf("sstable: file too small to contain footer: %w", core.ErrInvalidFormat)
	}

	buf := make([]byte, FooterSize)
	if _, err := r.file.ReadAt(buf, info.Size()-FooterSize); err != nil {
		return fmt.Errorf("sstable: failed to read footer: %w", err)
	}

	footer, err := FooterFromBytes(buf)
	if err != nil {
		return err
	}
	r.footer = footer
	return nil
}

func (r *Reader) readIndex() error {
	buf := make([]byte, r.footer.IndexLength)
	if _, err := r.file.ReadAt(buf, int64(r.footer.IndexOffset)); err != nil {
		return fmt.Errorf("sstable: failed to read index: %w", err)
	}

	if len(buf) < 4 {
		return fmt.Errorf("sstable: index block truncated: %w", core.ErrInvalidFormat)
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	rest := buf[4:]

	entries := make([]IndexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < 12 {
			return fmt.Errorf("sstable: index entry truncated: %w", core.ErrInvalidFormat)
		}
		offset := binary.LittleEndian.Uint64(rest[0:8])
		keyLen := binary.LittleEndian.Uint32(rest[8:12])
		rest = rest[12:]
		if uint64(keyLen) > uint64(len(rest)) {
			return fmt.Errorf("sstable: index key overruns block: %w", core.ErrInvalidFormat)
		}
		entries = append(entries, IndexEntry{
			BlockOffset: offset,
			FirstKey:    append([]byte(nil), rest[:keyLen]...),
		})
		rest = rest[keyLen:]
	}
	// Trailing 4-byte checksum slot is reserved: read, not validated.
	if len(rest) != 4 {
		return fmt.Errorf("sstable: index block has %d trailing bytes, want 4: %w",
			len(rest), core.ErrInvalidFormat)
	}

	r.index = entries
	return nil
}

func (r *Reader) readBloom() error {
	if r.footer.BloomLength == 0 {
		return nil
	}
	buf := make([]byte, r.footer.BloomLength)
	if _, err := r.file.ReadAt(buf, int64(r.footer.BloomOffset)); err != nil {
		return fmt.Errorf("sstable: failed to read bloom region: %w", err)
	}
	filter, err := decodeBloomRegion(buf)
	if err != nil {
		return err
	}
	r.filter = filter
	return nil
}

// Get returns the value stored under the exact (userKey, timestamp)
// internal key, or ok=false when that exact version is absent.
func (r *Reader) Get(userKey []byte, timestamp uint64) ([]byte, bool, error) {
	if len(r.index) == 0 {
		return nil, false, nil
	}
	if r.filter != nil && !r.filter.Test(userKey) {
		return nil, false, nil
	}

	entries, err := r.loadBlock(r.findBlock(userKey))
	if err != nil {
		return nil, false, err
	}

	target := core.InternalKey{UserKey: userKey, Timestamp: timestamp}
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].Key.Compare(target) >= 0
	})
	if i < len(entries) && entries[i].Key.Compare(target) == 0 {
		return append([]byte(nil), entries[i].Value...), true, nil
	}
	return nil, false, nil
}

// GetLatest returns the newest version of userKey whose timestamp is at
// or below maxTimestamp, searching only the block the index selects for
// the key: the last block whose first user key is at or below userKey.
// When a key's versions span a block boundary, that block holds only
// the oldest of them; newer versions in the preceding block are not
// searched, so the result is the newest qualifying version within the
// selected block (possibly older than the key's newest qualifying
// version) or a miss.
func (r *Reader) GetLatest(userKey []byte, maxTimestamp uint64) (Entry, bool, error) {
	if len(r.index) == 0 {
		return Entry{}, false, nil
	}
	if r.filter != nil && !r.filter.Test(userKey) {
		return Entry{}, false, nil
	}

	entries, err := r.loadBlock(r.findBlock(userKey))
	if err != nil {
		return Entry{}, false, err
	}

	// First entry belonging to the user key; versions then descend.
	start := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key.UserKey, userKey) >= 0
	})
	for i := start; i < len(entries); i++ {
		if !bytes.Equal(entries[i].Key.UserKey, userKey) {
			break
		}
		if entries[i].Key.Timestamp <= maxTimestamp {
			return cloneEntry(entries[i]), true, nil
		}
	}
	return Entry{}, false, nil
}

// findBlock returns the position of the last block whose first key is
// at or below userKey, falling back to the first block for keys that
// sort before everything. The index must be non-empty.
func (r *Reader) findBlock(userKey []byte) int {
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].FirstKey, userKey) > 0
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// loadBlock returns the parsed entries of the block at index position
// i, reading it from disk on the first touch.
func (r *Reader) loadBlock(i int) ([]Entry, error) {
	offset := r.index[i].BlockOffset
	if entries, ok := r.cache[offset]; ok {
		return entries, nil
	}

	end := r.footer.IndexOffset
	if i+1 < len(r.index) {
		end = r.index[i+1].BlockOffset
	}

	buf := make([]byte, end-offset)
	if _, err := r.file.ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("sstable: failed to read block at %d: %w", offset, err)
	}

	entries, err := parseBlock(buf)
	if err != nil {
		return nil, err
	}
	r.cache[offset] = entries
	return entries, nil
}

func parseBlock(buf []byte) ([]Entry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("sstable: data block truncated: %w", core.ErrCorruption)
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	rest := buf[4:]

	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < entryHeaderSize {
			return nil, fmt.Errorf("sstable: entry header truncated: %w", core.ErrCorruption)
		}
		keyLen := binary.LittleEndian.Uint32(rest[0:4])
		valueLen := binary.LittleEndian.Uint32(rest[4:8])
		timestamp := binary.LittleEndian.Uint64(rest[8:16])
		op, err := opFromByte(rest[16])
		if err != nil {
			return nil, err
		}
		rest = rest[entryHeaderSize:]

		if uint64(keyLen)+uint64(valueLen) > uint64(len(rest)) {
			return nil, fmt.Errorf("sstable: entry overruns block: %w", core.ErrCorruption)
		}
		entries = append(entries, Entry{
			Key: core.InternalKey{
				UserKey:   append([]byte(nil), rest[:keyLen]...),
				Timestamp: timestamp,
				Operation: op,
			},
			Value: append([]byte(nil), rest[keyLen:keyLen+valueLen]...),
		})
		rest = rest[keyLen+valueLen:]
	}
	// Reserved checksum slot.
	if len(rest) != 4 {
		return nil, fmt.Errorf("sstable: data block has %d trailing bytes, want 4: %w",
			len(rest), core.ErrCorruption)
	}
	return entries, nil
}

// Path returns the file path backing the reader.
func (r *Reader) Path() string {
	return r.path
}

// BlockCount returns the number of data blocks.
func (r *Reader) BlockCount() int {
	return len(r.index)
}

// Close closes the underlying file. Cached blocks stay readable.
func (r *Reader) Close() error {
	return r.file.Close()
}

func cloneEntry(e Entry) Entry {
	return Entry{
		Key: core.InternalKey{
			UserKey:   append([]byte(nil), e.Key.UserKey...),
			Timestamp: e.Key.Timestamp,
			Operation: e.Key.Operation,
		},
		Value: append([]byte(nil), e.Value...),
	}
}

// Iterator walks entries in file order, optionally bounded to a
// half-open user-key range. Every yielded entry is an owned copy.
type Iterator struct {
	r        *Reader
	blockIdx int
	entryIdx int
	entries  []Entry
	start    []byte // inclusive, nil for unbounded
	end      []byte // exclusive, nil for unbounded
	err      error
	done     bool
}

// Iter returns an iterator over every entry in the table.
func (r *Reader) Iter() *Iterator {
	return &Iterator{r: r}
}

// RangeIter returns an iterator over entries whose user key lies in
// [start, end). A nil bound leaves that side open.
func (r *Reader) RangeIter(start, end []byte) *Iterator {
	it := &Iterator{r: r, start: start, end: end}
	if start != nil && len(r.index) > 0 {
		// Begin at the last block whose first key sorts strictly before
		// start: versions of start itself may close out that block.
		i := sort.Search(len(r.index), func(i int) bool {
			return bytes.Compare(r.index[i].FirstKey, start) >= 0
		})
		if i > 0 {
			it.blockIdx = i - 1
		}
	}
	return it
}

// Next returns the next entry. After it reports false, Err tells
// whether the walk ended cleanly or hit an I/O or format error.
func (it *Iterator) Next() (Entry, bool) {
	if it.done {
		return Entry{}, false
	}
	for {
		if it.entries == nil {
			if it.blockIdx >= len(it.r.index) {
				it.done = true
				return Entry{}, false
			}
			entries, err := it.r.loadBlock(it.blockIdx)
			if err != nil {
				it.err = err
				it.done = true
				return Entry{}, false
			}
			it.entries = entries
			it.entryIdx = 0
		}

		if it.entryIdx >= len(it.entries) {
			it.blockIdx++
			it.entries = nil
			continue
		}

		entry := it.entries[it.entryIdx]
		it.entryIdx++

		if it.start != nil && bytes.Compare(entry.Key.UserKey, it.start) < 0 {
			continue
		}
		if it.end != nil && bytes.Compare(entry.Key.UserKey, it.end) >= 0 {
			it.done = true
			return Entry{}, false
		}
		return cloneEntry(entry), true
	}
}

// Err reports the error that terminated iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}
