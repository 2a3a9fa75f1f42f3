// Package sstable implements the immutable on-disk table format: sorted
// entries in checksummed blocks, a block index, a bloom region, and a
// fixed-size footer, plus the writer and reader over it.
//
// File layout from offset 0: data blocks, index block, bloom region,
// 40-byte footer. All multi-byte integers are little-endian.
package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/ferrisdb/ferrisdb/internal/core"
)

const (
	// Magic terminates every table file. Read as a big-endian number its
	// bytes spell "FERRISDB"; the footer stores it little-endian.
	Magic uint64 = 0x4645525249534442

	// FooterSize is the exact byte length of the trailer.
	FooterSize = 40

	// DefaultBlockSize is the target serialized size of a data block.
	DefaultBlockSize = 4096

	// MaxEntrySize bounds a single key or value at 16 MiB.
	MaxEntrySize = 16 << 20

	// Entry header: key length (4) + value length (4) + timestamp (8) +
	// op (1).
	entryHeaderSize = 17
)

// Operation bytes in table entries. Historically different from the WAL
// encoding (Put=1/Delete=2 there); both are load-bearing on disk.
const (
	opBytePut    byte = 0
	opByteDelete byte = 1
)

func opToByte(op core.Operation) byte {
	if op == core.OpDelete {
		return opByteDelete
	}
	return opBytePut
}

func opFromByte(b byte) (core.Operation, error) {
	switch b {
	case opBytePut:
		return core.OpPut, nil
	case opByteDelete:
		return core.OpDelete, nil
	default:
		return 0, fmt.Errorf("sstable: invalid operation byte %d: %w", b, core.ErrInvalidFormat)
	}
}

// Entry is one versioned key-value pair stored in a data block.
type Entry struct {
	Key   core.InternalKey
	Value []byte
}

func (e Entry) serializedSize() int {
	return entryHeaderSize + len(e.Key.UserKey) + len(e.Value)
}

// IndexEntry locates one data block by its file offset and the user-key
// portion of its first internal key.
type IndexEntry struct {
	BlockOffset uint64
	FirstKey    []byte
}

// Footer is the fixed trailer at the end of every table file. It
// locates the index block and the bloom region and carries the magic.
type Footer struct {
	IndexOffset uint64
	IndexLength uint64
	BloomOffset uint64
	BloomLength uint64
	Magic       uint64
}

// NewFooter builds a footer with the canonical magic.
func NewFooter(indexOffset, indexLength, bloomOffset, bloomLength uint64) Footer {
	return Footer{
		IndexOffset: indexOffset,
		IndexLength: indexLength,
		BloomOffset: bloomOffset,
		BloomLength: bloomLength,
		Magic:       Magic,
	}
}

// ToBytes serializes the footer into its fixed 40-byte layout.
func (f Footer) ToBytes() []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.IndexOffset)
	binary.LittleEndian.PutUint64(buf[8:16], f.IndexLength)
	binary.LittleEndian.PutUint64(buf[16:24], f.BloomOffset)
	binary.LittleEndian.PutUint64(buf[24:32], f.BloomLength)
	binary.LittleEndian.PutUint64(buf[32:40], f.Magic)
	return buf
}

// FooterFromBytes parses a footer, rejecting anything that is not
// exactly FooterSize bytes or does not carry the magic.
func FooterFromBytes(data []byte) (Footer, error) {
	if len(data) != FooterSize {
		return Footer{}, fmt.Errorf("sstable: footer must be %d bytes, got %d: %w",
			FooterSize, len(data), core.ErrInvalidFormat)
	}
	f := Footer{
		IndexOffset: binary.LittleEndian.Uint64(data[0:8]),
		IndexLength: binary.LittleEndian.Uint64(data[8:16]),
		BloomOffset: binary.LittleEndian.Uint64(data[16:24]),
		BloomLength: binary.LittleEndian.Uint64(data[24:32]),
		Magic:       binary.LittleEndian.Uint64(data[32:40]),
	}
	if f.Magic != Magic {
		return Footer{}, fmt.Errorf("sstable: invalid magic number %#x: %w", f.Magic, core.ErrInvalidFormat)
	}
	return f, nil
}
