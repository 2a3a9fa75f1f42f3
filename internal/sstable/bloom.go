package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/ferrisdb/ferrisdb/internal/core"
)

// The bloom region sits between the index block and the footer:
// filter bits (variable) + hash count (4) + CRC32 (4). A region whose
// hash count is zero is a placeholder and disables the filter; readers
// written before filters were real still open such files fine.

// defaultBloomBitsPerKey sizes the filter for roughly a 1% false
// positive rate.
const defaultBloomBitsPerKey = 10

func newBloomFilter(keys int, bitsPerKey int) *bloom.BloomFilter {
	if keys < 1 {
		keys = 1
	}
	m := uint(keys * bitsPerKey)
	k := uint(math.Round(float64(bitsPerKey) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return bloom.New(m, k)
}

func encodeBloomRegion(filter *bloom.BloomFilter) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := filter.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("sstable: failed to serialize bloom filter: %w", err)
	}

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], uint32(filter.K()))
	buf.Write(trailer[:])

	binary.LittleEndian.PutUint32(trailer[:], crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(trailer[:])
	return buf.Bytes(), nil
}

// decodeBloomRegion parses the filter out of a bloom region. A
// placeholder region (zero hash count, or too short to hold a filter)
// yields a nil filter without error.
func decodeBloomRegion(data []byte) (*bloom.BloomFilter, error) {
	if len(data) < 16 {
		return nil, nil
	}

	hashCount := binary.LittleEndian.Uint32(data[len(data)-8 : len(data)-4])
	if hashCount == 0 {
		return nil, nil
	}

	stored := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(data[:len(data)-4]) != stored {
		return nil, fmt.Errorf("sstable: bloom region checksum mismatch: %w", core.ErrCorruption)
	}

	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(data[:len(data)-8])); err != nil {
		return nil, fmt.Errorf("sstable: failed to parse bloom filter (%v): %w", err, core.ErrInvalidFormat)
	}
	return filter, nil
}
