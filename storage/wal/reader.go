package wal

import (
	"bufio"
	"io"
	"logkv/storage"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Reader walks the entries of one segment file from the start.
//
// Fewer than HeaderSize bytes left at the cursor is a clean end of stream: it
// is what a crash between writes leaves behind. A record whose header is
// complete but whose body is cut short yields one ErrUnexpectedEOF item and
// ends the iteration. Any other decode failure is yielded as an item and the
// reader moves on to the next record using the declared lengths.
type Reader struct {
	closer io.Closer
	reader *bufio.Reader
	name   string
	size   int64

	offset int64
	cur    int64
	hdr    [storage.HeaderSize]byte
	buf    []byte
	entry  storage.LogEntry
	err    error
	done   bool
}

func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)

	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()

	if err != nil {
		f.Close()
		return nil, err
	}

	r := NewReader(f, stat.Size())
	r.closer = f
	r.name = filepath.Base(path)

	return r, nil
}

// NewReader reads at most size bytes from reader. Bytes appended after the
// reader was created are not visible to it.
func NewReader(reader io.Reader, size int64) *Reader {
	return &Reader{
		reader: bufio.NewReader(io.LimitReader(reader, size)),
		size:   size,
	}
}

// Next advances to the next item. It returns false once the stream has ended;
// otherwise either Entry or Err describes the item.
func (r *Reader) Next() bool {
	if r.done {
		return false
	}

	r.entry, r.err = storage.LogEntry{}, nil
	r.cur = r.offset

	if r.size-r.offset < storage.HeaderSize {
		r.done = true
		return false
	}

	if _, err := io.ReadFull(r.reader, r.hdr[:]); err != nil {
		r.fail(errors.Wrap(err, "read entry header"))
		return true
	}

	total := storage.HeaderSize + storage.PayloadLen(r.hdr[:])

	if total > uint64(r.size-r.offset) {
		r.fail(storage.ErrUnexpectedEOF)
		return true
	}

	if uint64(cap(r.buf)) < total {
		r.buf = make([]byte, total)
	}

	buf := r.buf[:total]
	copy(buf, r.hdr[:])

	if _, err := io.ReadFull(r.reader, buf[storage.HeaderSize:]); err != nil {
		r.fail(errors.Wrap(err, "read entry body"))
		return true
	}

	r.offset += int64(total)

	entry, err := storage.Decode(buf)

	if err != nil {
		r.err = r.wrap(err)
		return true
	}

	r.entry = entry

	return true
}

func (r *Reader) fail(err error) {
	r.err = r.wrap(err)
	r.done = true
}

func (r *Reader) wrap(err error) error {
	if r.name == "" {
		return errors.Wrapf(err, "offset %d", r.cur)
	}

	return errors.Wrapf(err, "segment %s offset %d", r.name, r.cur)
}

// Entry returns the entry decoded by the last call to Next. It is only
// meaningful when Err returns nil.
func (r *Reader) Entry() storage.LogEntry {
	return r.entry
}

// Err returns the error for the current item, if any.
func (r *Reader) Err() error {
	return r.err
}

// Offset returns the byte offset of the current item.
func (r *Reader) Offset() int64 {
	return r.cur
}

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}

	return r.closer.Close()
}
