package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/ferrisdb/ferrisdb/internal/core"
)

// Reader replays a WAL file sequentially. A clean end of file before a
// length prefix ends replay normally; a partial record, checksum
// failure, or decode error terminates it with an error, and recovery
// treats everything before that point as the durable prefix.
type Reader struct {
	file *os.File
	r    *bufio.Reader
}

// OpenReader opens a WAL file for sequential replay.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open file: %w", err)
	}
	return &Reader{file: file, r: bufio.NewReader(file)}, nil
}

// ReadRecord returns the next record, or ok=false at a clean end of
// file.
func (r *Reader) ReadRecord() (Record, bool, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r.r, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return Record{}, false, nil
		}
		if err == io.ErrUnexpectedEOF {
			return Record{}, false, fmt.Errorf("wal: truncated record length: %w", core.ErrCorruption)
		}
		return Record{}, false, fmt.Errorf("wal: failed to read record: %w", err)
	}

	length := binary.LittleEndian.Uint32(lengthBuf[:])
	if int(length)+4 > maxRecordSize {
		return Record{}, false, fmt.Errorf("wal: record length %d implausible: %w", length, core.ErrCorruption)
	}

	data := make([]byte, length+4)
	copy(data, lengthBuf[:])
	if _, err := io.ReadFull(r.r, data[4:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, false, fmt.Errorf("wal: truncated record body: %w", core.ErrCorruption)
		}
		return Record{}, false, fmt.Errorf("wal: failed to read record: %w", err)
	}

	rec, err := Decode(data)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// ReadAll replays every record up to the first corruption or the end of
// the file. The records read so far are always returned; the error, if
// any, describes why replay stopped early.
func (r *Reader) ReadAll() ([]Record, error) {
	var records []Record
	for {
		rec, ok, err := r.ReadRecord()
		if err != nil {
			return records, err
		}
		if !ok {
			return records, nil
		}
		records = append(records, rec)
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
