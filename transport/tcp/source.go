// Package tcp carries typed streams over TCP. A Writer listens on a port and
// sends every message of a stream to all connected clients; a Source dials a
// writer and posts what it decodes into a pipeline.
package tcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/saacpsi/psistreams/component"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/metric"
	"github.com/saacpsi/psistreams/pkg/retry"
	"github.com/saacpsi/psistreams/pipeline"
	"github.com/saacpsi/psistreams/transport"
)

const transportName = "tcp"

// SourceConfig holds the connection parameters of a Source
type SourceConfig struct {
	Host    string
	Port    int
	Stream  string
	Retry   retry.Config
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Source reads frames from a TCP writer and posts the decoded values on Out.
// It dials again until its pipeline stops; a frame that fails to decode ends
// the reader.
type Source[T any] struct {
	*component.Runner

	cfg    SourceConfig
	format format.Format[T]
	logger *slog.Logger
	logs   rate.Sometimes

	mu   sync.Mutex
	conn net.Conn

	Out *pipeline.Emitter[T]
}

// NewSource creates a source in p and adds it to p
func NewSource[T any](p *pipeline.Pipeline, cfg SourceConfig, f format.Format[T]) (*Source[T], error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "tcp.Source", "New",
			fmt.Sprintf("validate address %s:%d", cfg.Host, cfg.Port))
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Reconnect()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = p.Metrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = p.Logger()
	}
	s := &Source[T]{
		Runner: component.NewRunner("tcp.Source"),
		cfg:    cfg,
		format: f,
		logger: logger.With("component", "tcp-source", "stream", cfg.Stream, "address", cfg.address()),
		logs:   rate.Sometimes{Interval: 10 * time.Second},
		Out:    pipeline.NewEmitter[T](p, cfg.Stream),
	}
	if err := p.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (c SourceConfig) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Meta describes the source
func (s *Source[T]) Meta() component.Metadata {
	return component.Metadata{
		Name:        s.cfg.Stream,
		Type:        "source",
		Description: "TCP stream reader " + s.cfg.address(),
	}
}

// Health reports healthy while connected
func (s *Source[T]) Health() component.HealthStatus {
	s.mu.Lock()
	connected := s.conn != nil
	s.mu.Unlock()
	return s.HealthStatus(connected)
}

// DataFlow reports decoded message rates
func (s *Source[T]) DataFlow() component.FlowMetrics { return s.FlowMetrics() }

// Initialize is a no-op
func (s *Source[T]) Initialize() error { return nil }

// Start dials the writer in the background
func (s *Source[T]) Start(ctx context.Context) error {
	runCtx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	s.Go(func() { s.run(runCtx) })
	return nil
}

// Stop closes the connection and waits for the reader
func (s *Source[T]) Stop(timeout time.Duration) error {
	s.closeConn()
	return s.End(timeout)
}

func (s *Source[T]) run(ctx context.Context) {
	rc := s.cfg.Retry
	rc.OnRetry = func(attempt int, err error, next time.Duration) {
		s.cfg.Metrics.RecordReconnect(transportName, s.cfg.Stream)
		s.logs.Do(func() {
			s.logger.Warn("Connection failed, retrying", "attempt", attempt, "next", next, "error", err)
		})
	}
	var dialer net.Dialer
	conn, err := retry.DoWithResult(ctx, rc, func() (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", s.cfg.address())
	})
	if err != nil {
		if ctx.Err() == nil {
			s.RecordError(err)
			s.logger.Error("Giving up connecting", "error", err)
		}
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	stop := context.AfterFunc(ctx, s.closeConn)
	defer stop()
	defer s.closeConn()

	s.logger.Debug("Connected")
	s.read(ctx, conn)
}

func (s *Source[T]) read(ctx context.Context, conn net.Conn) {
	for {
		payload, err := transport.ReadFrame(conn)
		if err != nil {
			if ctx.Err() == nil && !stderrors.Is(err, io.EOF) && !stderrors.Is(err, net.ErrClosed) {
				s.RecordError(err)
				s.logger.Warn("Read failed", "error", err)
			}
			return
		}
		value, t, err := format.Decode(s.format, payload)
		if err != nil {
			s.RecordError(err)
			s.cfg.Metrics.RecordError("tcp-source", "invalid")
			s.logger.Error("Dropping stream after undecodable frame", "error", err)
			return
		}
		if err := s.Out.Post(value, t); err != nil {
			return
		}
		s.RecordMessage(len(payload))
		s.cfg.Metrics.RecordFrameReceived(transportName, s.cfg.Stream)
	}
}

func (s *Source[T]) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
