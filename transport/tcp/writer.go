package tcp

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/saacpsi/psistreams/component"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/metric"
	"github.com/saacpsi/psistreams/pipeline"
	"github.com/saacpsi/psistreams/rendezvous"
	"github.com/saacpsi/psistreams/transport"
)

const writeTimeout = 5 * time.Second

// WriterConfig holds the listening parameters of a Writer. Host is the
// address announced in the endpoint; Port 0 picks a free port.
type WriterConfig struct {
	Host    string
	Port    int
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Writer sends every message of one producer to all connected clients. The
// port is bound when the writer is created so it can be announced before the
// pipeline runs. A client that fails a write is dropped.
type Writer struct {
	*component.Runner

	cfg      WriterConfig
	stream   string
	codec    format.Codec
	listener net.Listener
	logger   *slog.Logger

	mu          sync.Mutex
	clients     map[net.Conn]struct{}
	unsubscribe func()
}

// NewWriter binds the port, subscribes to src and adds the writer to p
func NewWriter(p *pipeline.Pipeline, cfg WriterConfig, src pipeline.Producer, codec format.Codec) (*Writer, error) {
	if cfg.Metrics == nil {
		cfg.Metrics = p.Metrics()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = p.Logger()
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, errors.WrapTransient(err, "tcp.Writer", "New", "listen on port "+strconv.Itoa(cfg.Port))
	}
	cfg.Port = ln.Addr().(*net.TCPAddr).Port

	w := &Writer{
		Runner:   component.NewRunner("tcp.Writer"),
		cfg:      cfg,
		stream:   src.Name(),
		codec:    codec,
		listener: ln,
		logger:   logger.With("component", "tcp-writer", "stream", src.Name(), "port", cfg.Port),
		clients:  make(map[net.Conn]struct{}),
	}
	w.unsubscribe = src.SubscribeAny(w.broadcast)
	if err := p.Add(w); err != nil {
		w.close()
		return nil, err
	}
	return w, nil
}

// NewTypedWriter is NewWriter for a typed source
func NewTypedWriter[T any](p *pipeline.Pipeline, cfg WriterConfig, src pipeline.Source[T], serializer string, f format.Format[T]) (*Writer, error) {
	return NewWriter(p, cfg, src, format.Erase(serializer, f))
}

// Port returns the bound port
func (w *Writer) Port() int { return w.cfg.Port }

// Stream returns the name of the written stream
func (w *Writer) Stream() string { return w.stream }

// Clients returns the number of connected clients
func (w *Writer) Clients() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.clients)
}

// Endpoint describes the writer for the rendezvous
func (w *Writer) Endpoint() rendezvous.TCPSourceEndpoint {
	return rendezvous.TCPSourceEndpoint{
		Host:    w.cfg.Host,
		Port:    w.cfg.Port,
		Streams: []rendezvous.Stream{{Name: w.stream, TypeName: w.codec.TypeName()}},
	}
}

// Meta describes the writer
func (w *Writer) Meta() component.Metadata {
	return component.Metadata{
		Name:        w.stream,
		Type:        "writer",
		Description: "TCP stream writer on port " + strconv.Itoa(w.cfg.Port),
	}
}

// Health reports healthy while accepting
func (w *Writer) Health() component.HealthStatus { return w.HealthStatus(true) }

// DataFlow reports broadcast rates
func (w *Writer) DataFlow() component.FlowMetrics { return w.FlowMetrics() }

// Initialize is a no-op
func (w *Writer) Initialize() error { return nil }

// Start accepts clients until Stop
func (w *Writer) Start(ctx context.Context) error {
	if _, err := w.Begin(ctx); err != nil {
		return err
	}
	w.Go(w.accept)
	return nil
}

// Stop closes the listener and every client
func (w *Writer) Stop(timeout time.Duration) error {
	w.close()
	return w.End(timeout)
}

func (w *Writer) accept() {
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			if !stderrors.Is(err, net.ErrClosed) {
				w.RecordError(err)
				w.logger.Warn("Accept failed", "error", err)
			}
			return
		}
		w.mu.Lock()
		w.clients[conn] = struct{}{}
		n := len(w.clients)
		w.mu.Unlock()
		w.cfg.Metrics.RecordClients(transportName, w.stream, n)
		w.logger.Debug("Client connected", "remote", conn.RemoteAddr().String())
	}
}

func (w *Writer) broadcast(value any, env pipeline.Envelope) {
	w.mu.Lock()
	if len(w.clients) == 0 {
		w.mu.Unlock()
		return
	}
	clients := make([]net.Conn, 0, len(w.clients))
	for c := range w.clients {
		clients = append(clients, c)
	}
	w.mu.Unlock()

	payload, err := w.codec.Encode(value, env.OriginatingTime)
	if err != nil {
		w.RecordError(err)
		w.logger.Error("Encode failed", "error", err)
		return
	}
	for _, c := range clients {
		_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := transport.WriteFrame(c, payload); err != nil {
			w.drop(c, err)
			continue
		}
		w.cfg.Metrics.RecordFrameSent(transportName, w.stream)
	}
	w.RecordMessage(len(payload))
}

func (w *Writer) drop(c net.Conn, err error) {
	w.mu.Lock()
	_, ok := w.clients[c]
	delete(w.clients, c)
	n := len(w.clients)
	w.mu.Unlock()
	if !ok {
		return
	}
	_ = c.Close()
	w.cfg.Metrics.RecordClients(transportName, w.stream, n)
	w.logger.Info("Client removed", "remote", c.RemoteAddr().String(), "error", err)
}

func (w *Writer) close() {
	w.mu.Lock()
	unsubscribe := w.unsubscribe
	w.unsubscribe = nil
	clients := w.clients
	w.clients = make(map[net.Conn]struct{})
	w.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	_ = w.listener.Close()
	for c := range clients {
		_ = c.Close()
	}
	w.cfg.Metrics.RecordClients(transportName, w.stream, 0)
}
