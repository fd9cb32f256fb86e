package storage

import (
	"encoding/binary"
	"hash/crc32"
	"math"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Entry layout, all integers little-endian:
// [ u32 crc ] [ u8 kind ] [ u64 timestamp ] [ u32 key len ] [ u32 value len ] [ key ] [ value ]
// The crc covers every byte after itself.
const (
	checksumSize = 4
	HeaderSize   = checksumSize + 1 + 8 + 4 + 4

	kindOffset      = 4
	timestampOffset = 5
	keyLenOffset    = 13
	valueLenOffset  = 17
)

var (
	ErrUnexpectedEOF = errors.New("unexpected end of entry")
	ErrInvalidFormat = errors.New("invalid entry format")
	ErrBadChecksum   = errors.New("bad entry checksum")
)

type Kind uint8

const (
	KindPut    Kind = 0x01
	KindDelete Kind = 0x02
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func (k Kind) valid() bool {
	return k == KindPut || k == KindDelete
}

// LogEntry is a single mutation of a key. Timestamp is unix milliseconds and
// is informational only; ordering is by position in the log.
type LogEntry struct {
	Kind      Kind
	Timestamp uint64
	Key       string
	Value     []byte
}

// Validate reports whether e can be encoded into a record that decodes back:
// the key must be UTF-8 and both lengths must fit the 32-bit header fields.
func (e *LogEntry) Validate() error {
	if !utf8.ValidString(e.Key) {
		return ErrInvalidKey
	}

	if !lengthFits(len(e.Key)) {
		return errors.Wrapf(ErrInvalidFormat, "key of %d bytes is too large", len(e.Key))
	}

	if !lengthFits(len(e.Value)) {
		return errors.Wrapf(ErrInvalidFormat, "value of %d bytes is too large", len(e.Value))
	}

	return nil
}

func lengthFits(n int) bool {
	return uint64(n) <= math.MaxUint32
}

// EncodedLen returns the number of bytes Encode produces for e.
func (e *LogEntry) EncodedLen() int {
	return HeaderSize + len(e.Key) + len(e.Value)
}

func (e *LogEntry) Encode() []byte {
	return AppendEntry(make([]byte, 0, e.EncodedLen()), e)
}

// AppendEntry appends the encoded form of e to dst and returns the extended slice.
func AppendEntry(dst []byte, e *LogEntry) []byte {
	start := len(dst)

	var hdr [HeaderSize]byte
	hdr[kindOffset] = byte(e.Kind)
	binary.LittleEndian.PutUint64(hdr[timestampOffset:], e.Timestamp)
	binary.LittleEndian.PutUint32(hdr[keyLenOffset:], uint32(len(e.Key)))
	binary.LittleEndian.PutUint32(hdr[valueLenOffset:], uint32(len(e.Value)))

	dst = append(dst, hdr[:]...)
	dst = append(dst, e.Key...)
	dst = append(dst, e.Value...)

	crc := crc32.ChecksumIEEE(dst[start+checksumSize:])
	binary.LittleEndian.PutUint32(dst[start:], crc)

	return dst
}

// PayloadLen reads the key and value lengths from an encoded header. The
// values are not verified; callers use them only to know how much to read.
func PayloadLen(hdr []byte) uint64 {
	keyLen := binary.LittleEndian.Uint32(hdr[keyLenOffset:])
	valueLen := binary.LittleEndian.Uint32(hdr[valueLenOffset:])

	return uint64(keyLen) + uint64(valueLen)
}

// Decode parses one encoded entry. The checksum is verified before any field
// is interpreted. The returned entry does not alias b.
func Decode(b []byte) (LogEntry, error) {
	if len(b) < HeaderSize {
		return LogEntry{}, ErrUnexpectedEOF
	}

	stored := binary.LittleEndian.Uint32(b[:checksumSize])

	if c := crc32.ChecksumIEEE(b[checksumSize:]); c != stored {
		return LogEntry{}, ErrBadChecksum
	}

	kind := Kind(b[kindOffset])

	if !kind.valid() {
		return LogEntry{}, errors.Wrapf(ErrInvalidFormat, "entry kind %#x", byte(kind))
	}

	var (
		timestamp = binary.LittleEndian.Uint64(b[timestampOffset:])
		keyLen    = uint64(binary.LittleEndian.Uint32(b[keyLenOffset:]))
		valueLen  = uint64(binary.LittleEndian.Uint32(b[valueLenOffset:]))
	)

	if uint64(len(b)) < HeaderSize+keyLen+valueLen {
		return LogEntry{}, ErrUnexpectedEOF
	}

	key := b[HeaderSize : HeaderSize+keyLen]

	if !utf8.Valid(key) {
		return LogEntry{}, errors.Wrap(ErrInvalidFormat, "key is not valid utf-8")
	}

	var value []byte

	if valueLen > 0 {
		value = make([]byte, valueLen)
		copy(value, b[HeaderSize+keyLen:HeaderSize+keyLen+valueLen])
	}

	return LogEntry{
		Kind:      kind,
		Timestamp: timestamp,
		Key:       string(key),
		Value:     value,
	}, nil
}
