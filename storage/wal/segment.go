package wal

import (
	"fmt"
	"io"
	"logkv/storage"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/grafana/regexp"
	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

const (
	segmentPrefix = "segment-"
	segmentExt    = ".log"

	// Fits the header plus a short key and value; larger entries grow the
	// buffer and the grown buffer is what gets pooled.
	encodeBufferSize = storage.HeaderSize + 256
)

var (
	ErrSegmentSealed = errors.New("segment is sealed")

	segmentNameRe = regexp.MustCompile(`^segment-(\d{5,})\.log$`)
	encodePool    = storage.NewBytesPool(encodeBufferSize)
)

// Segment is one append-only log file. Only the active segment holds a write
// handle; sealed segments are read through independent handles.
type Segment struct {
	wlog.SegmentFile
	dir    string
	i      uint64
	size   int64
	sealed bool
}

type SegmentRef struct {
	Name  string
	Index uint64
}

func SegmentName(dir string, i uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%05d%s", segmentPrefix, i, segmentExt))
}

// OpenSegment opens or creates segment i in dir. Existing content is kept and
// appends resume at the end of the file.
func OpenSegment(dir string, i uint64) (*Segment, error) {
	f, err := os.OpenFile(SegmentName(dir, i), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)

	if err != nil {
		return nil, err
	}

	size, err := f.Seek(0, io.SeekEnd)

	if err != nil {
		f.Close()
		return nil, err
	}

	return &Segment{
		SegmentFile: f,
		dir:         dir,
		i:           i,
		size:        size,
	}, nil
}

func (s *Segment) Index() uint64 {
	return s.i
}

func (s *Segment) Path() string {
	return SegmentName(s.dir, s.i)
}

// Size is the write offset: the number of bytes appended so far.
func (s *Segment) Size() int64 {
	return s.size
}

func (s *Segment) Sealed() bool {
	return s.sealed
}

func (s *Segment) Ref() SegmentRef {
	return SegmentRef{
		Name:  filepath.Base(s.Path()),
		Index: s.i,
	}
}

// Append writes e at the end of the segment and returns the offset the record
// starts at.
func (s *Segment) Append(e *storage.LogEntry) (int64, error) {
	if s.sealed {
		return 0, ErrSegmentSealed
	}

	buf := encodePool.GetBytes()
	defer encodePool.PutBytes(buf)

	*buf = storage.AppendEntry(*buf, e)

	offset := s.size
	n, err := s.Write(*buf)

	// Keep the write offset equal to the end of file even after a short write.
	s.size += int64(n)

	if err != nil {
		return offset, errors.Wrapf(err, "append to segment %d", s.i)
	}

	return offset, nil
}

// Seal closes the write handle. The segment stays readable through Reader.
func (s *Segment) Seal() error {
	if s.sealed {
		return nil
	}

	s.sealed = true

	return s.Close()
}

// Reader opens an independent read handle positioned at the start of the
// segment. Every call starts over from byte 0.
func (s *Segment) Reader() (*Reader, error) {
	return OpenReader(s.Path())
}

// Segments lists the segment files in dir ordered by index. Files that do not
// follow the segment naming scheme are ignored.
func Segments(dir string) ([]SegmentRef, error) {
	files, err := os.ReadDir(dir)

	if err != nil {
		return nil, err
	}

	refs := make([]SegmentRef, 0, len(files))

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		m := segmentNameRe.FindStringSubmatch(file.Name())

		if m == nil {
			continue
		}

		i, err := strconv.ParseUint(m[1], 10, 64)

		if err != nil {
			return nil, errors.Wrapf(err, "parse segment index of %s", file.Name())
		}

		refs = append(refs, SegmentRef{
			Name:  file.Name(),
			Index: i,
		})
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Index < refs[j].Index
	})

	return refs, nil
}

func LastSegment(dir string) (*SegmentRef, error) {
	refs, err := Segments(dir)

	if err != nil {
		return nil, err
	}

	if len(refs) == 0 {
		return nil, nil
	}

	return &refs[len(refs)-1], nil
}
