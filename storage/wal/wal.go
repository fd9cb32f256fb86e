package wal

import (
	"logkv/storage"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultSegmentSize = 10 * 1024 * 1024 // 10MiB

var (
	ErrInvalidSegmentSize = errors.New("invalid segment size")
	ErrClosed             = errors.New("engine closed")
)

type Options struct {
	// MaxSegmentSize is the write offset at which the active segment is sealed
	// and a new one started.
	MaxSegmentSize int64
	// SyncWrites fsyncs the active segment after every append.
	SyncWrites bool
}

func DefaultOptions() Options {
	return Options{MaxSegmentSize: DefaultSegmentSize}
}

// Engine composes the segments of a directory into one keyspace. It is not
// safe for concurrent use; see Store.
type Engine struct {
	logger  log.Logger
	dir     string
	opts    Options
	metrics *EngineMetrics

	sealed        []*Segment // oldest first
	active        *Segment
	nextSegmentID uint64

	closed    bool
	workQueue chan func()
	stopc     chan chan struct{}
}

type EngineMetrics struct {
	appends        *prometheus.CounterVec
	appendBytes    prometheus.Counter
	writesFailed   prometheus.Counter
	lookups        prometheus.Counter
	lookupFailures prometheus.Counter
	rotations      prometheus.Counter
	sealedSegments prometheus.Gauge
	activeBytes    prometheus.Gauge
	fsyncDuration  prometheus.Summary
}

func NewEngineMetrics(registerer prometheus.Registerer) (*EngineMetrics, error) {
	m := &EngineMetrics{}

	m.appends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "appends_total",
		Help: "Total number of entries appended, by kind.",
	}, []string{"kind"})

	m.appendBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "append_bytes_total",
		Help: "Total number of encoded bytes appended.",
	})

	m.writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of appends that failed.",
	})

	m.lookups = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lookups_total",
		Help: "Total number of key lookups.",
	})

	m.lookupFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lookup_failures_total",
		Help: "Total number of key lookups aborted by a read or decode error.",
	})

	m.rotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rotations_total",
		Help: "Total number of segment rotations.",
	})

	m.sealedSegments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sealed_segments",
		Help: "Number of sealed segments.",
	})

	m.activeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_segment_bytes",
		Help: "Write offset of the active segment.",
	})

	m.fsyncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "fsync_duration_seconds",
		Help:       "Duration of segment fsync.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	if registerer == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.appends, m.appendBytes, m.writesFailed, m.lookups, m.lookupFailures,
		m.rotations, m.sealedSegments, m.activeBytes, m.fsyncDuration,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, errors.Wrap(err, "register storage metrics")
		}
	}

	return m, nil
}

// Open restores the engine from dir, creating the directory and a first
// segment when needed. The segment with the highest index becomes active and
// all others are sealed, unless it ends in a partial record: then it is sealed
// too and a new active segment is started after it.
func Open(logger log.Logger, registerer prometheus.Registerer, dir string, opts Options) (*Engine, error) {
	if opts.MaxSegmentSize <= 0 {
		return nil, ErrInvalidSegmentSize
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	refs, err := Segments(dir)

	if err != nil {
		return nil, errors.Wrap(err, "list segments")
	}

	segments := make([]*Segment, 0, len(refs)+1)

	for _, ref := range refs {
		s, err := OpenSegment(dir, ref.Index)

		if err != nil {
			closeSegments(segments)
			return nil, errors.Wrapf(err, "open segment %s", ref.Name)
		}

		segments = append(segments, s)
	}

	if len(segments) == 0 {
		s, err := OpenSegment(dir, 1)

		if err != nil {
			return nil, errors.Wrap(err, "create first segment")
		}

		segments = append(segments, s)
	}

	// Appending after a partial record would glue new bytes onto it, so a
	// segment with a torn tail is sealed as it is and writes go to a new one.
	last := segments[len(segments)-1]
	end, err := readableEnd(last)

	if err != nil {
		closeSegments(segments)
		return nil, errors.Wrapf(err, "scan segment %d", last.Index())
	}

	if end < last.Size() {
		level.Warn(logger).Log("msg", "segment has a torn tail, starting a new segment", "segmentId", last.Index(), "validBytes", end, "size", last.Size())

		s, err := OpenSegment(dir, last.Index()+1)

		if err != nil {
			closeSegments(segments)
			return nil, errors.Wrapf(err, "create segment %d", last.Index()+1)
		}

		segments = append(segments, s)
	}

	sealed, active := segments[:len(segments)-1], segments[len(segments)-1]

	for _, s := range sealed {
		if err := s.Seal(); err != nil {
			closeSegments(segments)
			return nil, errors.Wrapf(err, "seal segment %d", s.Index())
		}
	}

	if registerer != nil {
		registerer = prometheus.WrapRegistererWithPrefix("logkv_storage_", registerer)
	}

	metrics, err := NewEngineMetrics(registerer)

	if err != nil {
		closeSegments(segments)
		return nil, err
	}

	e := &Engine{
		logger:        logger,
		dir:           dir,
		opts:          opts,
		metrics:       metrics,
		sealed:        sealed,
		active:        active,
		nextSegmentID: active.Index() + 1,
		stopc:         make(chan chan struct{}),
		workQueue:     make(chan func(), 100),
	}

	e.metrics.sealedSegments.Set(float64(len(sealed)))
	e.metrics.activeBytes.Set(float64(active.Size()))

	level.Info(logger).Log("msg", "segment log opened", "dir", dir, "sealed", len(sealed), "active", active.Index(), "activeBytes", active.Size())

	go e.run()

	return e, nil
}

// readableEnd returns the offset at which a reader of s stops.
func readableEnd(s *Segment) (int64, error) {
	r, err := s.Reader()

	if err != nil {
		return 0, err
	}

	defer r.Close()

	for r.Next() {
	}

	return r.Offset(), nil
}

func closeSegments(segments []*Segment) {
	for _, s := range segments {
		s.Seal()
	}
}

// Get folds every entry for key from the oldest sealed segment through the
// active one. Any read or decode error aborts the lookup.
func (e *Engine) Get(key string) ([]byte, error) {
	if e.closed {
		return nil, ErrClosed
	}

	e.metrics.lookups.Inc()

	var (
		value []byte
		found bool
		err   error
	)

	for _, s := range e.segments() {
		value, found, err = foldSegment(s, key, value, found)

		if err != nil {
			e.metrics.lookupFailures.Inc()
			return nil, err
		}
	}

	if !found {
		return nil, storage.ErrNotFound
	}

	return value, nil
}

func foldSegment(s *Segment, key string, value []byte, found bool) ([]byte, bool, error) {
	r, err := s.Reader()

	if err != nil {
		return nil, false, errors.Wrapf(err, "open segment %d for reading", s.Index())
	}

	defer r.Close()

	for r.Next() {
		if err := r.Err(); err != nil {
			return nil, false, err
		}

		entry := r.Entry()

		if entry.Key != key {
			continue
		}

		switch entry.Kind {
		case storage.KindPut:
			value, found = entry.Value, true
		case storage.KindDelete:
			value, found = nil, false
		}
	}

	return value, found, nil
}

func (e *Engine) Put(key string, value []byte) error {
	return e.append(&storage.LogEntry{
		Kind:      storage.KindPut,
		Timestamp: timestamp(),
		Key:       key,
		Value:     value,
	})
}

// Delete appends a tombstone for key. Deleting a missing key is not an error.
func (e *Engine) Delete(key string) error {
	return e.append(&storage.LogEntry{
		Kind:      storage.KindDelete,
		Timestamp: timestamp(),
		Key:       key,
	})
}

func timestamp() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (e *Engine) append(entry *storage.LogEntry) error {
	if e.closed {
		return ErrClosed
	}

	if err := entry.Validate(); err != nil {
		return err
	}

	if _, err := e.active.Append(entry); err != nil {
		e.metrics.writesFailed.Inc()
		return err
	}

	if e.opts.SyncWrites {
		if err := e.fsync(e.active); err != nil {
			e.metrics.writesFailed.Inc()
			return errors.Wrapf(err, "sync segment %d", e.active.Index())
		}
	}

	e.metrics.appends.WithLabelValues(entry.Kind.String()).Inc()
	e.metrics.appendBytes.Add(float64(entry.EncodedLen()))
	e.metrics.activeBytes.Set(float64(e.active.Size()))

	if e.active.Size() >= e.opts.MaxSegmentSize {
		return e.rotate()
	}

	return nil
}

// rotate seals the active segment and starts segment nextSegmentID. The old
// write handle is synced and closed on the background worker.
func (e *Engine) rotate() error {
	next, err := OpenSegment(e.dir, e.nextSegmentID)

	if err != nil {
		return errors.Wrapf(err, "create segment %d", e.nextSegmentID)
	}

	prev := e.active
	e.sealed = append(e.sealed, prev)
	e.active = next
	e.nextSegmentID++

	e.metrics.rotations.Inc()
	e.metrics.sealedSegments.Set(float64(len(e.sealed)))
	e.metrics.activeBytes.Set(float64(next.Size()))

	level.Info(e.logger).Log("msg", "segment rotated", "sealed", prev.Index(), "sealedBytes", prev.Size(), "active", next.Index())

	e.workQueue <- func() {
		if err := e.fsync(prev); err != nil {
			level.Error(e.logger).Log("msg", "error syncing sealed segment", "err", err, "segmentId", prev.Index())
		}

		if err := prev.Seal(); err != nil {
			level.Error(e.logger).Log("msg", "error closing sealed segment", "err", err, "segmentId", prev.Index())
		}
	}

	return nil
}

func (e *Engine) fsync(s *Segment) error {
	now := time.Now()
	err := s.Sync()

	e.metrics.fsyncDuration.Observe(time.Since(now).Seconds())

	return err
}

func (e *Engine) run() {
Loop:
	for {
		select {
		case f := <-e.workQueue:
			f()
		case donec := <-e.stopc:
			close(e.workQueue)
			defer close(donec)
			break Loop
		}
	}

	for f := range e.workQueue {
		f()
	}
}

// Close drains pending background work, then syncs and closes the active
// segment. The engine cannot be used afterwards.
func (e *Engine) Close() error {
	if e.closed {
		return ErrClosed
	}

	e.closed = true

	donec := make(chan struct{})
	e.stopc <- donec
	<-donec

	if err := e.fsync(e.active); err != nil {
		level.Error(e.logger).Log("msg", "sync active segment", "err", err)
	}

	return e.active.Seal()
}

func (e *Engine) segments() []*Segment {
	segments := make([]*Segment, 0, len(e.sealed)+1)
	segments = append(segments, e.sealed...)

	return append(segments, e.active)
}

// Segments returns references to all segments, oldest first; the last one is
// the active segment.
func (e *Engine) Segments() []SegmentRef {
	refs := make([]SegmentRef, 0, len(e.sealed)+1)

	for _, s := range e.segments() {
		refs = append(refs, s.Ref())
	}

	return refs
}

func (e *Engine) ActiveSegmentRef() SegmentRef {
	return e.active.Ref()
}

func (e *Engine) Dir() string {
	return e.dir
}
