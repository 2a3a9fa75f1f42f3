package wal

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrisdb/ferrisdb/internal/core"
)

func TestRecord_EncodeDecodePut(t *testing.T) {
	rec := NewPut([]byte("test_key"), []byte("test_value"), 12345)

	decoded, err := Decode(rec.Encode())
	require.NoError(t, err)

	assert.Equal(t, rec.Timestamp, decoded.Timestamp)
	assert.Equal(t, core.OpPut, decoded.Operation)
	assert.Equal(t, []byte("test_key"), decoded.Key)
	assert.Equal(t, []byte("test_value"), decoded.Value)
}

func TestRecord_EncodeDecodeDelete(t *testing.T) {
	rec := NewDelete([]byte("test_key"), 12345)

	decoded, err := Decode(rec.Encode())
	require.NoError(t, err)

	assert.Equal(t, core.OpDelete, decoded.Operation)
	assert.Equal(t, []byte("test_key"), decoded.Key)
	assert.Empty(t, decoded.Value)
}

func TestRecord_EncodeDecodeEmpty(t *testing.T) {
	rec := NewPut([]byte{}, []byte{}, 0)

	decoded, err := Decode(rec.Encode())
	require.NoError(t, err)
	assert.Empty(t, decoded.Key)
	assert.Empty(t, decoded.Value)
}

func TestRecord_WireOpBytes(t *testing.T) {
	// On-disk compatibility: the log encodes Put=1 and Delete=2.
	put := NewPut([]byte("k"), []byte("v"), 1).Encode()
	assert.Equal(t, byte(1), put[16])

	del := NewDelete([]byte("k"), 1).Encode()
	assert.Equal(t, byte(2), del[16])
}

func TestRecord_LengthField(t *testing.T) {
	rec := NewPut([]byte("key"), []byte("value"), 7)
	encoded := rec.Encode()

	length := binary.LittleEndian.Uint32(encoded[0:4])
	assert.Equal(t, len(encoded)-4, int(length))
}

func TestRecord_CorruptionDetection(t *testing.T) {
	rec := NewPut([]byte("test_key"), []byte("test_value"), 12345)
	encoded := rec.Encode()

	// Flipping any byte past the length prefix must fail decoding.
	for i := 4; i < len(encoded); i++ {
		corrupted := append([]byte(nil), encoded...)
		corrupted[i] ^= 0xFF

		_, err := Decode(corrupted)
		assert.ErrorIs(t, err, core.ErrCorruption, "flipped byte at offset %d", i)
	}
}

func TestRecord_DecodeTooSmall(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, core.ErrCorruption)
}

func TestRecord_DecodeLengthMismatch(t *testing.T) {
	rec := NewPut([]byte("key"), []byte("value"), 1)
	encoded := rec.Encode()

	// Truncating the buffer breaks the length prefix invariant.
	_, err := Decode(encoded[:len(encoded)-1])
	assert.ErrorIs(t, err, core.ErrCorruption)
}

func TestRecord_DecodeUnknownOp(t *testing.T) {
	rec := NewPut([]byte("key"), []byte("value"), 1)
	encoded := rec.Encode()

	encoded[16] = 99
	// Recompute the checksum so only the op byte is at fault.
	binary.LittleEndian.PutUint32(encoded[4:8], checksumOf(encoded[8:]))

	_, err := Decode(encoded)
	assert.ErrorIs(t, err, core.ErrCorruption)
}

func checksumOf(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

func TestRecord_DecodeKeyLengthOverrun(t *testing.T) {
	rec := NewPut([]byte("key"), []byte("value"), 1)
	encoded := rec.Encode()

	binary.LittleEndian.PutUint32(encoded[17:21], 1<<30)
	binary.LittleEndian.PutUint32(encoded[4:8], checksumOf(encoded[8:]))

	_, err := Decode(encoded)
	assert.ErrorIs(t, err, core.ErrCorruption)
}
