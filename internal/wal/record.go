// Package wal provides the write-ahead log: framed, checksummed,
// append-only records with selectable durability. Records are encoded
// in little-endian format with CRC32 checksums.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/ferrisdb/ferrisdb/internal/core"
)

// Operation bytes on the wire. These differ from the SSTable encoding
// and must not be changed: existing log files depend on them.
const (
	opBytePut    byte = 1
	opByteDelete byte = 2
)

// Record header: length (4) + CRC32 (4) + timestamp (8) + op (1) +
// key length (4) + value length (4) = 25 bytes.
const recordHeaderSize = 25

// maxRecordSize bounds a decoded record: header plus a maximum-sized
// key and value. Length prefixes beyond it are treated as corruption
// rather than allocated.
const maxRecordSize = recordHeaderSize + 2*(16<<20)

// Record is a single WAL entry: one versioned operation on one key.
// Records are immutable once appended.
type Record struct {
	Timestamp uint64
	Operation core.Operation
	Key       []byte
	Value     []byte
}

// NewPut builds a record storing value under key at the given version.
func NewPut(key, value []byte, timestamp uint64) Record {
	return Record{
		Timestamp: timestamp,
		Operation: core.OpPut,
		Key:       key,
		Value:     value,
	}
}

// NewDelete builds a tombstone record for key at the given version.
func NewDelete(key []byte, timestamp uint64) Record {
	return Record{
		Timestamp: timestamp,
		Operation: core.OpDelete,
		Key:       key,
	}
}

// Encode serializes the record.
// Format: Length (4) + CRC32 (4) + Timestamp (8) + Op (1) +
// KeyLen (4) + Key + ValueLen (4) + Value.
// Length counts everything after the length field; the CRC covers
// everything after the checksum field.
func (r Record) Encode() []byte {
	total := recordHeaderSize + len(r.Key) + len(r.Value)
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total-4))
	binary.LittleEndian.PutUint64(buf[8:16], r.Timestamp)
	switch r.Operation {
	case core.OpDelete:
		buf[16] = opByteDelete
	default:
		buf[16] = opBytePut
	}
	binary.LittleEndian.PutUint32(buf[17:21], uint32(len(r.Key)))
	copy(buf[21:], r.Key)
	off := 21 + len(r.Key)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(r.Value)))
	copy(buf[off+4:], r.Value)

	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(buf[8:]))
	return buf
}

// Decode parses an encoded record, verifying the length prefix and
// checksum. The returned record owns its key and value.
func Decode(data []byte) (Record, error) {
	if len(data) < 8 {
		return Record{}, fmt.Errorf("wal: record too small: %w", core.ErrCorruption)
	}

	length := binary.LittleEndian.Uint32(data[0:4])
	if int(length)+4 != len(data) {
		return Record{}, fmt.Errorf("wal: record length mismatch: %w", core.ErrCorruption)
	}

	stored := binary.LittleEndian.Uint32(data[4:8])
	if crc32.ChecksumIEEE(data[8:]) != stored {
		return Record{}, fmt.Errorf("wal: record checksum mismatch: %w", core.ErrCorruption)
	}

	if len(data) < recordHeaderSize {
		return Record{}, fmt.Errorf("wal: record body too small: %w", core.ErrCorruption)
	}

	rec := Record{Timestamp: binary.LittleEndian.Uint64(data[8:16])}
	switch data[16] {
	case opBytePut:
		rec.Operation = core.OpPut
	case opByteDelete:
		rec.Operation = core.OpDelete
	default:
		return Record{}, fmt.Errorf("wal: unknown operation byte %d: %w", data[16], core.ErrCorruption)
	}

	keyLen := binary.LittleEndian.Uint32(data[17:21])
	rest := data[21:]
	if uint64(keyLen) > uint64(len(rest)) {
		return Record{}, fmt.Errorf("wal: key length exceeds record: %w", core.ErrCorruption)
	}
	rec.Key = append([]byte(nil), rest[:keyLen]...)
	rest = rest[keyLen:]

	if len(rest) < 4 {
		return Record{}, fmt.Errorf("wal: truncated value length: %w", core.ErrCorruption)
	}
	valLen := binary.LittleEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint64(valLen) != uint64(len(rest)) {
		return Record{}, fmt.Errorf("wal: value length exceeds record: %w", core.ErrCorruption)
	}
	rec.Value = append([]byte(nil), rest...)

	return rec, nil
}
