// Package clock aligns the pipeline clocks of several processes. An Exporter
// answers time requests with its pipeline time; Import measures the offset
// to an exporter over a few round trips and applies it to a pipeline.
package clock

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/saacpsi/psistreams/component"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/pipeline"
	"github.com/saacpsi/psistreams/rendezvous"
	"github.com/saacpsi/psistreams/transport"
)

// ProcessName is the rendezvous process announcing the clock exporter
const ProcessName = "ClockSynch"

// DefaultRounds is the number of round trips Import measures
const DefaultRounds = 5

// Exporter serves the pipeline time
type Exporter struct {
	*component.Runner

	host     string
	port     int
	pipeline *pipeline.Pipeline
	listener net.Listener
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewExporter binds port (0 picks one) and adds the exporter to p
func NewExporter(p *pipeline.Pipeline, host string, port int) (*Exporter, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, errors.WrapTransient(err, "clock.Exporter", "New", "listen on port "+strconv.Itoa(port))
	}
	if host == "" {
		host = "localhost"
	}
	e := &Exporter{
		Runner:   component.NewRunner("clock.Exporter"),
		host:     host,
		port:     ln.Addr().(*net.TCPAddr).Port,
		pipeline: p,
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
	}
	e.logger = p.Logger().With("component", "clock-exporter", "port", e.port)
	if err := p.Add(e); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return e, nil
}

// Port returns the bound port
func (e *Exporter) Port() int { return e.port }

// Endpoint describes the exporter for the rendezvous
func (e *Exporter) Endpoint() rendezvous.RemoteClockExporterEndpoint {
	return rendezvous.RemoteClockExporterEndpoint{Host: e.host, Port: e.port}
}

// Process returns the ClockSynch process
func (e *Exporter) Process() rendezvous.Process {
	return rendezvous.NewProcess(ProcessName, e.Endpoint())
}

// Meta describes the exporter
func (e *Exporter) Meta() component.Metadata {
	return component.Metadata{Name: ProcessName, Type: "exporter", Description: "Pipeline clock exporter"}
}

// Health reports healthy while running
func (e *Exporter) Health() component.HealthStatus { return e.HealthStatus(true) }

// DataFlow reports answered requests
func (e *Exporter) DataFlow() component.FlowMetrics { return e.FlowMetrics() }

// Initialize is a no-op
func (e *Exporter) Initialize() error { return nil }

// Start answers time requests until Stop
func (e *Exporter) Start(ctx context.Context) error {
	if _, err := e.Begin(ctx); err != nil {
		return err
	}
	e.Go(e.accept)
	return nil
}

// Stop closes the listener and open connections
func (e *Exporter) Stop(timeout time.Duration) error {
	_ = e.listener.Close()
	e.mu.Lock()
	for c := range e.conns {
		_ = c.Close()
	}
	e.conns = make(map[net.Conn]struct{})
	e.mu.Unlock()
	return e.End(timeout)
}

func (e *Exporter) accept() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if !stderrors.Is(err, net.ErrClosed) {
				e.logger.Warn("Accept failed", "error", err)
			}
			return
		}
		e.mu.Lock()
		e.conns[conn] = struct{}{}
		e.mu.Unlock()
		e.Go(func() { e.serve(conn) })
	}
}

func (e *Exporter) serve(conn net.Conn) {
	defer func() {
		e.mu.Lock()
		delete(e.conns, conn)
		e.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		req, err := transport.ReadFrame(conn)
		if err != nil {
			if !stderrors.Is(err, io.EOF) && !stderrors.Is(err, net.ErrClosed) {
				e.logger.Debug("Clock client left", "error", err)
			}
			return
		}
		if len(req) != 8 {
			e.RecordError(errors.ErrInvalidData)
			return
		}
		reply := append(req, make([]byte, 8)...)
		binary.LittleEndian.PutUint64(reply[8:], uint64(e.pipeline.Now().UnixNano()))
		if err := transport.WriteFrame(conn, reply); err != nil {
			return
		}
		e.RecordMessage(len(reply))
	}
}

// Measure returns the offset between the exporter's pipeline time and the
// local wall clock, from the round trip with the lowest latency.
func Measure(ctx context.Context, host string, port, rounds int, timeout time.Duration) (time.Duration, error) {
	if rounds <= 0 {
		rounds = DefaultRounds
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	address := net.JoinHostPort(host, strconv.Itoa(port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return 0, errors.WrapTransient(err, "clock", "Measure", "connect to "+address)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	best := time.Duration(-1)
	var offset time.Duration
	for range rounds {
		sent := time.Now()
		if err := transport.WriteFrame(conn, binary.LittleEndian.AppendUint64(nil, uint64(sent.UnixNano()))); err != nil {
			return 0, errors.WrapTransient(err, "clock", "Measure", "send request")
		}
		reply, err := transport.ReadFrame(conn)
		if err != nil {
			return 0, errors.WrapTransient(err, "clock", "Measure", "read reply")
		}
		received := time.Now()
		if len(reply) != 16 {
			return 0, errors.WrapInvalid(fmt.Errorf("%w: reply of %d bytes", errors.ErrInvalidData, len(reply)), "clock", "Measure", "read reply")
		}
		remote := time.Unix(0, int64(binary.LittleEndian.Uint64(reply[8:])))
		rtt := received.Sub(sent)
		if best < 0 || rtt < best {
			best = rtt
			offset = remote.Sub(sent.Add(rtt / 2))
		}
	}
	return offset, nil
}

// Import measures the offset to the exporter at host:port and applies it to
// the clock of p.
func Import(ctx context.Context, p *pipeline.Pipeline, host string, port int, timeout time.Duration) (time.Duration, error) {
	offset, err := Measure(ctx, host, port, DefaultRounds, timeout)
	if err != nil {
		return 0, err
	}
	p.SetClockOffset(offset)
	p.Logger().Info("Clock synchronized", "offset", offset, "exporter", net.JoinHostPort(host, strconv.Itoa(port)))
	return offset, nil
}
