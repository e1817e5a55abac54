// Package remote multiplexes several typed streams over a single TCP
// connection. On connect the exporter sends its catalog; the importer answers
// with the streams it wants and then receives frames tagged with the stream
// index.
package remote

import (
	"context"
	"encoding/binary"
	"encoding/json"
	stderrors "errors"
	"fmt"
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

const (
	transportName = "remote"
	writeTimeout  = 5 * time.Second
)

type catalog struct {
	Streams []rendezvous.Stream `json:"streams"`
}

type subscribe struct {
	Streams []string `json:"streams"`
}

// ExporterConfig holds the listening parameters of an Exporter
type ExporterConfig struct {
	Host    string
	Port    int
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

type exported struct {
	stream      rendezvous.Stream
	codec       format.Codec
	unsubscribe func()
}

type peer struct {
	conn    net.Conn
	mu      sync.Mutex
	streams map[uint32]bool
}

// Exporter serves a set of streams to importers
type Exporter struct {
	*component.Runner

	cfg      ExporterConfig
	listener net.Listener
	logger   *slog.Logger

	mu      sync.Mutex
	closed  bool
	streams []*exported
	peers   map[*peer]struct{}
}

// NewExporter binds the port and adds the exporter to p
func NewExporter(p *pipeline.Pipeline, cfg ExporterConfig) (*Exporter, error) {
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
		return nil, errors.WrapTransient(err, "remote.Exporter", "New", "listen on port "+strconv.Itoa(cfg.Port))
	}
	cfg.Port = ln.Addr().(*net.TCPAddr).Port

	e := &Exporter{
		Runner:   component.NewRunner("remote.Exporter"),
		cfg:      cfg,
		listener: ln,
		logger:   logger.With("component", "remote-exporter", "port", cfg.Port),
		peers:    make(map[*peer]struct{}),
	}
	if err := p.Add(e); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return e, nil
}

// AddStream exports src under its name, encoded with codec
func (e *Exporter) AddStream(src pipeline.Producer, codec format.Codec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.streams {
		if s.stream.Name == src.Name() {
			return errors.WrapInvalid(fmt.Errorf("stream %q already exported", src.Name()), "remote.Exporter", "AddStream", "register stream")
		}
	}
	index := uint32(len(e.streams))
	x := &exported{
		stream: rendezvous.Stream{Name: src.Name(), TypeName: codec.TypeName()},
		codec:  codec,
	}
	x.unsubscribe = src.SubscribeAny(func(v any, env pipeline.Envelope) { e.broadcast(index, x, v, env) })
	e.streams = append(e.streams, x)
	return nil
}

// Port returns the bound port
func (e *Exporter) Port() int { return e.cfg.Port }

// Endpoint describes the exporter for the rendezvous
func (e *Exporter) Endpoint() rendezvous.RemoteExporterEndpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	streams := make([]rendezvous.Stream, 0, len(e.streams))
	for _, s := range e.streams {
		streams = append(streams, s.stream)
	}
	return rendezvous.RemoteExporterEndpoint{Host: e.cfg.Host, Port: e.cfg.Port, Transport: "tcp", Streams: streams}
}

// Meta describes the exporter
func (e *Exporter) Meta() component.Metadata {
	return component.Metadata{
		Name:        "RemoteExporter",
		Type:        "exporter",
		Description: "Stream exporter on port " + strconv.Itoa(e.cfg.Port),
	}
}

// Health reports healthy while accepting
func (e *Exporter) Health() component.HealthStatus { return e.HealthStatus(true) }

// DataFlow reports export rates
func (e *Exporter) DataFlow() component.FlowMetrics { return e.FlowMetrics() }

// Initialize is a no-op
func (e *Exporter) Initialize() error { return nil }

// Start accepts importers
func (e *Exporter) Start(ctx context.Context) error {
	if _, err := e.Begin(ctx); err != nil {
		return err
	}
	e.Go(e.accept)
	return nil
}

// Stop closes the listener and every importer connection
func (e *Exporter) Stop(timeout time.Duration) error {
	e.close()
	return e.End(timeout)
}

func (e *Exporter) accept() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if !stderrors.Is(err, net.ErrClosed) {
				e.RecordError(err)
				e.logger.Warn("Accept failed", "error", err)
			}
			return
		}
		e.Go(func() { e.handshake(conn) })
	}
}

func (e *Exporter) handshake(conn net.Conn) {
	e.mu.Lock()
	cat := catalog{Streams: make([]rendezvous.Stream, 0, len(e.streams))}
	for _, s := range e.streams {
		cat.Streams = append(cat.Streams, s.stream)
	}
	e.mu.Unlock()

	_ = conn.SetDeadline(time.Now().Add(writeTimeout))
	err := writeJSON(conn, cat)
	var req subscribe
	if err == nil {
		err = readJSON(conn, &req)
	}
	if err != nil {
		e.logger.Info("Importer handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	pr := &peer{conn: conn, streams: make(map[uint32]bool)}
	for _, name := range req.Streams {
		for i, s := range cat.Streams {
			if s.Name == name {
				pr.streams[uint32(i)] = true
			}
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = conn.Close()
		return
	}
	e.peers[pr] = struct{}{}
	n := len(e.peers)
	e.mu.Unlock()
	e.cfg.Metrics.RecordClients(transportName, strconv.Itoa(e.cfg.Port), n)
	e.logger.Debug("Importer connected", "remote", conn.RemoteAddr().String(), "streams", req.Streams)

	// The importer never sends after the handshake; a read returning means it left.
	var one [1]byte
	_, _ = conn.Read(one[:])
	e.drop(pr, nil)
}

func (e *Exporter) broadcast(index uint32, x *exported, v any, env pipeline.Envelope) {
	e.mu.Lock()
	peers := make([]*peer, 0, len(e.peers))
	for pr := range e.peers {
		if pr.streams[index] {
			peers = append(peers, pr)
		}
	}
	e.mu.Unlock()
	if len(peers) == 0 {
		return
	}

	payload, err := x.codec.Encode(v, env.OriginatingTime)
	if err != nil {
		e.RecordError(err)
		e.logger.Error("Encode failed", "stream", x.stream.Name, "error", err)
		return
	}
	frame := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(payload)), index)
	frame = append(frame, payload...)

	for _, pr := range peers {
		pr.mu.Lock()
		_ = pr.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := transport.WriteFrame(pr.conn, frame)
		pr.mu.Unlock()
		if err != nil {
			e.drop(pr, err)
			continue
		}
		e.cfg.Metrics.RecordFrameSent(transportName, x.stream.Name)
	}
	e.RecordMessage(len(frame))
}

func (e *Exporter) drop(pr *peer, err error) {
	e.mu.Lock()
	_, ok := e.peers[pr]
	delete(e.peers, pr)
	n := len(e.peers)
	e.mu.Unlock()
	_ = pr.conn.Close()
	if !ok {
		return
	}
	e.cfg.Metrics.RecordClients(transportName, strconv.Itoa(e.cfg.Port), n)
	if err != nil {
		e.logger.Info("Importer removed", "remote", pr.conn.RemoteAddr().String(), "error", err)
	}
}

func (e *Exporter) close() {
	e.mu.Lock()
	e.closed = true
	streams := e.streams
	peers := e.peers
	e.peers = make(map[*peer]struct{})
	e.mu.Unlock()

	for _, s := range streams {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	}
	_ = e.listener.Close()
	for pr := range peers {
		_ = pr.conn.Close()
	}
}

func writeJSON(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return transport.WriteFrame(conn, data)
}

func readJSON(conn net.Conn, v any) error {
	data, err := transport.ReadFrame(conn)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "remote", "readJSON", "decode handshake")
	}
	return nil
}
