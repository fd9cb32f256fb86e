package storage

import (
	"encoding/binary"
	"hash/crc32"
	"math"
	"strconv"
	"testing"

	"github.com/go-faker/faker/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryRoundTrip(t *testing.T) {
	entries := []LogEntry{
		{Kind: KindPut, Timestamp: 1700000000000, Key: "a", Value: []byte("1")},
		{Kind: KindDelete, Timestamp: 1700000000001, Key: "a"},
		{Kind: KindPut, Timestamp: 0, Key: "", Value: []byte{0x00, 0xff, 0xfe}},
		{Kind: KindPut, Timestamp: ^uint64(0), Key: "ключ 🔑", Value: []byte("значение")},
	}

	for i := 0; i < 50; i++ {
		entries = append(entries, LogEntry{
			Kind:      KindPut,
			Timestamp: uint64(i),
			Key:       faker.Word(),
			Value:     []byte(faker.Paragraph()),
		})
	}

	for _, e := range entries {
		encoded := e.Encode()
		require.Len(t, encoded, HeaderSize+len(e.Key)+len(e.Value))
		require.Equal(t, e.EncodedLen(), len(encoded))

		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, e, decoded)
	}
}

func TestEntryLayout(t *testing.T) {
	e := LogEntry{Kind: KindDelete, Timestamp: 0x0102030405060708, Key: "key", Value: []byte("vv")}
	b := e.Encode()

	assert.Equal(t, byte(0x02), b[4])
	assert.Equal(t, uint64(0x0102030405060708), binary.LittleEndian.Uint64(b[5:13]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(b[13:17]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(b[17:21]))
	assert.Equal(t, "key", string(b[21:24]))
	assert.Equal(t, "vv", string(b[24:]))
	assert.Equal(t, crc32.ChecksumIEEE(b[4:]), binary.LittleEndian.Uint32(b[:4]))
	assert.Equal(t, uint64(5), PayloadLen(b))
}

func TestAppendEntryKeepsPrefix(t *testing.T) {
	e := LogEntry{Kind: KindPut, Timestamp: 42, Key: "k", Value: []byte("v")}

	buf := AppendEntry([]byte("prefix"), &e)
	require.Equal(t, "prefix", string(buf[:6]))

	decoded, err := Decode(buf[6:])
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestDecodeDetectsEveryBitFlip(t *testing.T) {
	e := LogEntry{Kind: KindPut, Timestamp: 123456789, Key: "flip", Value: []byte("some value bytes")}
	encoded := e.Encode()

	for bit := 0; bit < len(encoded)*8; bit++ {
		corrupted := append([]byte(nil), encoded...)
		corrupted[bit/8] ^= 1 << (bit % 8)

		_, err := Decode(corrupted)
		require.ErrorIs(t, err, ErrBadChecksum, "bit %d", bit)
	}
}

func TestDecodeShortHeader(t *testing.T) {
	e := LogEntry{Kind: KindPut, Key: "k", Value: []byte("v")}
	encoded := e.Encode()

	for n := 0; n < HeaderSize; n++ {
		_, err := Decode(encoded[:n])
		require.ErrorIs(t, err, ErrUnexpectedEOF, "length %d", n)
	}
}

// seal recomputes the checksum so that the decoder gets past verification.
func seal(b []byte) []byte {
	binary.LittleEndian.PutUint32(b, crc32.ChecksumIEEE(b[4:]))
	return b
}

func TestDecodeInvalidKind(t *testing.T) {
	e := LogEntry{Kind: KindPut, Key: "k", Value: []byte("v")}
	b := e.Encode()
	b[4] = 0x03

	_, err := Decode(seal(b))
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestDecodeLengthsPastBuffer(t *testing.T) {
	e := LogEntry{Kind: KindPut, Key: "k", Value: []byte("v")}
	b := e.Encode()
	binary.LittleEndian.PutUint32(b[17:], 100)

	_, err := Decode(seal(b))
	require.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestDecodeInvalidUTF8Key(t *testing.T) {
	e := LogEntry{Kind: KindPut, Key: "ab", Value: []byte("v")}
	b := e.Encode()
	b[HeaderSize] = 0xff

	_, err := Decode(seal(b))
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestDecodeDoesNotAlias(t *testing.T) {
	e := LogEntry{Kind: KindPut, Key: "k", Value: []byte("value")}
	b := e.Encode()

	decoded, err := Decode(b)
	require.NoError(t, err)

	for i := range b {
		b[i] = 0
	}

	assert.Equal(t, "value", string(decoded.Value))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "put", KindPut.String())
	assert.Equal(t, "delete", KindDelete.String())
	assert.Equal(t, "unknown", Kind(9).String())
}

func TestEntryValidate(t *testing.T) {
	require.NoError(t, (&LogEntry{Kind: KindPut, Key: "k", Value: []byte("v")}).Validate())
	require.NoError(t, (&LogEntry{Kind: KindDelete}).Validate())
	require.ErrorIs(t, (&LogEntry{Kind: KindPut, Key: "\xff"}).Validate(), ErrInvalidKey)
}

func TestLengthFits(t *testing.T) {
	assert.True(t, lengthFits(0))
	assert.True(t, lengthFits(math.MaxInt32))

	if strconv.IntSize < 64 {
		t.Skip("int cannot exceed the header field on this platform")
	}

	var limit int64 = math.MaxUint32
	assert.True(t, lengthFits(int(limit)))
	assert.False(t, lengthFits(int(limit+1)))
}
