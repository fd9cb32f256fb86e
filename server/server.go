// Package server exposes a storage.KV over a line oriented text protocol.
//
// Each request is one line split on the first two spaces:
//
//	GET <key>           -> VALUE <value> | NOT_FOUND | ERROR <message>
//	PUT <key> <value>   -> OK | ERROR <message>
//	DELETE <key>        -> OK | ERROR <message>
//
// The value of PUT is the rest of the line and may contain spaces. Every
// response is a single newline terminated line.
package server

import (
	"bufio"
	"logkv/storage"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/text/encoding/unicode"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// MaxLineSize bounds a single request line. Longer lines end the connection.
const MaxLineSize = 16 * 1024 * 1024

const (
	respOK             = "OK\n"
	respNotFound       = "NOT_FOUND\n"
	respMissingValue   = "ERROR Missing value\n"
	respUnknownCommand = "ERROR Unknown command\n"
)

var ErrServerClosed = errors.New("server closed")

type Server struct {
	logger  log.Logger
	kv      storage.KV
	metrics *Metrics

	mutex    sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	connIDs  atomic.Uint64
}

type Metrics struct {
	connections   prometheus.Gauge
	acceptErrors  prometheus.Counter
	requests      *prometheus.CounterVec
	requestErrors *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}

	m.connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connections_active",
		Help: "Number of open client connections.",
	})

	m.acceptErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "accept_errors_total",
		Help: "Total number of failed accepts that were retried.",
	})

	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Total number of requests, by command.",
	}, []string{"command"})

	m.requestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "request_errors_total",
		Help: "Total number of requests answered with ERROR, by command.",
	}, []string{"command"})

	if registerer == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{m.connections, m.acceptErrors, m.requests, m.requestErrors} {
		if err := registerer.Register(c); err != nil {
			return nil, errors.Wrap(err, "register server metrics")
		}
	}

	return m, nil
}

func New(logger log.Logger, registerer prometheus.Registerer, kv storage.KV) (*Server, error) {
	if registerer != nil {
		registerer = prometheus.WrapRegistererWithPrefix("logkv_server_", registerer)
	}

	metrics, err := NewMetrics(registerer)

	if err != nil {
		return nil, err
	}

	return &Server{
		logger:  logger,
		kv:      kv,
		metrics: metrics,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)

	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}

	return s.Serve(l)
}

// Serve accepts connections on l and handles each one on its own goroutine.
// Failed accepts are retried with backoff; it returns ErrServerClosed after
// Shutdown, or an error once the listener is closed.
func (s *Server) Serve(l net.Listener) error {
	s.mutex.Lock()

	if s.closed.Load() {
		s.mutex.Unlock()
		l.Close()
		return ErrServerClosed
	}

	s.listener = l
	s.mutex.Unlock()

	level.Info(s.logger).Log("msg", "listening", "addr", l.Addr())

	var delay time.Duration

	for {
		conn, err := l.Accept()

		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}

			if errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "accept")
			}

			// Running out of descriptors or an aborted handshake is transient.
			if delay == 0 {
				delay = minAcceptDelay
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}

			s.metrics.acceptErrors.Inc()
			level.Warn(s.logger).Log("msg", "accept failed, retrying", "err", err, "delay", delay)
			time.Sleep(delay)

			continue
		}

		delay = 0

		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}

		go s.handle(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed.Load() {
		return false
	}

	s.conns[conn] = struct{}{}
	s.wg.Add(1)

	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mutex.Lock()
	delete(s.conns, conn)
	s.mutex.Unlock()

	s.wg.Done()
}

func (s *Server) handle(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	logger := log.With(s.logger, "conn", s.connIDs.Inc(), "remote", conn.RemoteAddr())

	s.metrics.connections.Inc()
	defer s.metrics.connections.Dec()

	level.Debug(logger).Log("msg", "connection opened")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	w := bufio.NewWriter(conn)

	for scanner.Scan() {
		if _, err := w.WriteString(s.Execute(scanner.Text())); err != nil {
			level.Debug(logger).Log("msg", "write response", "err", err)
			return
		}

		if err := w.Flush(); err != nil {
			level.Debug(logger).Log("msg", "flush response", "err", err)
			return
		}
	}

	if err := scanner.Err(); err != nil && !s.closed.Load() {
		level.Debug(logger).Log("msg", "read request", "err", err)
	}

	level.Debug(logger).Log("msg", "connection closed")
}

// Execute runs one request line and returns the response line.
func (s *Server) Execute(line string) string {
	parts := strings.SplitN(line, " ", 3)

	var key string

	if len(parts) > 1 {
		key = parts[1]
	}

	switch parts[0] {
	case "GET":
		s.metrics.requests.WithLabelValues("get").Inc()

		value, err := s.kv.Get(key)

		switch {
		case err == nil:
			return "VALUE " + render(value) + "\n"
		case errors.Is(err, storage.ErrNotFound):
			return respNotFound
		default:
			return s.fail("get", key, err)
		}

	case "PUT":
		s.metrics.requests.WithLabelValues("put").Inc()

		if len(parts) < 3 {
			s.metrics.requestErrors.WithLabelValues("put").Inc()
			return respMissingValue
		}

		if err := s.kv.Put(key, []byte(parts[2])); err != nil {
			return s.fail("put", key, err)
		}

		return respOK

	case "DELETE":
		s.metrics.requests.WithLabelValues("delete").Inc()

		if err := s.kv.Delete(key); err != nil {
			return s.fail("delete", key, err)
		}

		return respOK

	default:
		s.metrics.requests.WithLabelValues("unknown").Inc()
		s.metrics.requestErrors.WithLabelValues("unknown").Inc()

		return respUnknownCommand
	}
}

func (s *Server) fail(command, key string, err error) string {
	s.metrics.requestErrors.WithLabelValues(command).Inc()
	level.Warn(s.logger).Log("msg", "request failed", "command", command, "key", key, "err", err)

	return "ERROR " + err.Error() + "\n"
}

// render returns value as text, replacing invalid UTF-8 with U+FFFD.
func render(value []byte) string {
	b, err := unicode.UTF8.NewDecoder().Bytes(value)

	if err != nil {
		return strings.ToValidUTF8(string(value), "\uFFFD")
	}

	return string(b)
}

// Shutdown stops accepting connections, closes the open ones and waits for
// their handlers to return.
func (s *Server) Shutdown() error {
	s.mutex.Lock()

	if s.closed.Load() {
		s.mutex.Unlock()
		return ErrServerClosed
	}

	s.closed.Store(true)

	var err error

	if s.listener != nil {
		err = s.listener.Close()
	}

	for conn := range s.conns {
		conn.Close()
	}

	s.mutex.Unlock()

	s.wg.Wait()

	return err
}

func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}
