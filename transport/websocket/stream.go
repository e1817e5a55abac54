package websocket

import (
	"context"
	"time"

	"github.com/saacpsi/psistreams/component"
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/pipeline"
)

// Source posts the values read from one connection on Out. A close message
// or a read error ends it; undecodable messages are logged and skipped.
type Source[T any] struct {
	*component.Runner

	conn   *Conn
	format format.Format[T]
	m      *Manager

	Out *pipeline.Emitter[T]
}

// NewSource builds a source on the connection registered for (remote,
// topic), dialing remote:port when there is none, and adds it to p.
func NewSource[T any](ctx context.Context, p *pipeline.Pipeline, m *Manager, remote string, port int, topic string, f format.Format[T]) (*Source[T], error) {
	conn, ok := m.Get(remote, topic)
	if !ok {
		var err error
		if conn, err = m.Dial(ctx, remote, port, topic); err != nil {
			return nil, err
		}
	}
	s := &Source[T]{
		Runner: component.NewRunner("websocket.Source"),
		conn:   conn,
		format: f,
		m:      m,
		Out:    pipeline.NewEmitter[T](p, topic),
	}
	if err := p.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Meta describes the source
func (s *Source[T]) Meta() component.Metadata {
	return component.Metadata{Name: s.conn.topic, Type: "source", Description: "WebSocket reader from " + s.conn.remote}
}

// Health reports healthy while running
func (s *Source[T]) Health() component.HealthStatus { return s.HealthStatus(true) }

// DataFlow reports read rates
func (s *Source[T]) DataFlow() component.FlowMetrics { return s.FlowMetrics() }

// Initialize is a no-op
func (s *Source[T]) Initialize() error { return nil }

// Start reads until the connection closes
func (s *Source[T]) Start(ctx context.Context) error {
	runCtx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(runCtx, func() { _ = s.conn.Close() })
	s.Go(func() {
		defer stop()
		s.read(runCtx)
	})
	return nil
}

// Stop closes the connection
func (s *Source[T]) Stop(timeout time.Duration) error {
	_ = s.conn.Close()
	return s.End(timeout)
}

func (s *Source[T]) read(ctx context.Context) {
	logger := s.m.logger.With("remote", s.conn.remote, "topic", s.conn.topic)
	for {
		payload, err := s.conn.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("Reader ended", "error", err)
			}
			return
		}
		v, t, err := format.Decode(s.format, payload)
		if err != nil {
			s.RecordError(err)
			logger.Warn("Skipping undecodable message", "error", err)
			continue
		}
		if err := s.Out.Post(v, t); err != nil {
			return
		}
		s.RecordMessage(len(payload))
		s.m.cfg.Metrics.RecordFrameReceived(transportName, s.conn.topic)
	}
}

// Writer sends every message of a producer on one connection. Write errors
// are logged and the message is dropped.
type Writer struct {
	*component.Runner

	conn        *Conn
	codec       format.Codec
	m           *Manager
	unsubscribe func()
}

// NewWriter subscribes to src, writing on conn, and adds the writer to p
func NewWriter(p *pipeline.Pipeline, m *Manager, conn *Conn, src pipeline.Producer, codec format.Codec) (*Writer, error) {
	w := &Writer{
		Runner: component.NewRunner("websocket.Writer"),
		conn:   conn,
		codec:  codec,
		m:      m,
	}
	w.unsubscribe = src.SubscribeAny(w.write)
	if err := p.Add(w); err != nil {
		w.unsubscribe()
		return nil, err
	}
	return w, nil
}

func (w *Writer) write(v any, env pipeline.Envelope) {
	payload, err := w.codec.Encode(v, env.OriginatingTime)
	if err == nil {
		err = w.conn.WriteFrame(payload)
	}
	if err != nil {
		w.RecordError(err)
		w.m.logger.Debug("Write failed", "remote", w.conn.remote, "topic", w.conn.topic, "error", err)
		return
	}
	w.RecordMessage(len(payload))
	w.m.cfg.Metrics.RecordFrameSent(transportName, w.conn.topic)
}

// Meta describes the writer
func (w *Writer) Meta() component.Metadata {
	return component.Metadata{Name: w.conn.topic, Type: "writer", Description: "WebSocket writer to " + w.conn.remote}
}

// Health reports healthy while running
func (w *Writer) Health() component.HealthStatus { return w.HealthStatus(true) }

// DataFlow reports write rates
func (w *Writer) DataFlow() component.FlowMetrics { return w.FlowMetrics() }

// Initialize is a no-op
func (w *Writer) Initialize() error { return nil }

// Start is a no-op; writes happen on delivery
func (w *Writer) Start(ctx context.Context) error {
	_, err := w.Begin(ctx)
	return err
}

// Stop unsubscribes and closes the connection
func (w *Writer) Stop(timeout time.Duration) error {
	w.unsubscribe()
	_ = w.conn.Close()
	return w.End(timeout)
}
