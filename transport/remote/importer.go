package remote

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
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/metric"
	"github.com/saacpsi/psistreams/pipeline"
	"github.com/saacpsi/psistreams/rendezvous"
	"github.com/saacpsi/psistreams/transport"
)

// DefaultTimeout bounds Connect when no timeout is given
const DefaultTimeout = 10 * time.Second

// ImporterConfig holds the connection parameters of an Importer
type ImporterConfig struct {
	Host    string
	Port    int
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

type opened struct {
	name string
	post func(payload []byte) error
}

// Importer receives the streams of one exporter. Open declares which
// streams to receive; the subscription is sent when the importer starts.
type Importer struct {
	*component.Runner

	cfg     ImporterConfig
	conn    net.Conn
	catalog []rendezvous.Stream
	logger  *slog.Logger

	mu      sync.Mutex
	opened  map[uint32]opened
	started bool
}

// Connect dials the exporter and reads its catalog within cfg.Timeout, then
// adds the importer to p. A timeout yields ErrImporterTimeout.
func Connect(ctx context.Context, p *pipeline.Pipeline, cfg ImporterConfig) (*Importer, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = p.Metrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = p.Logger()
	}
	address := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, importerError(err, address)
	}
	deadline, _ := dialCtx.Deadline()
	_ = conn.SetDeadline(deadline)

	var cat catalog
	if err := readJSON(conn, &cat); err != nil {
		_ = conn.Close()
		return nil, importerError(err, address)
	}
	_ = conn.SetDeadline(time.Time{})

	imp := &Importer{
		Runner:  component.NewRunner("remote.Importer"),
		cfg:     cfg,
		conn:    conn,
		catalog: cat.Streams,
		logger:  logger.With("component", "remote-importer", "address", address),
		opened:  make(map[uint32]opened),
	}
	if err := p.Add(imp); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return imp, nil
}

func importerError(err error, address string) error {
	var ne net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &ne) && ne.Timeout()) {
		err = fmt.Errorf("%w: %v", errors.ErrImporterTimeout, err)
	}
	return errors.WrapTransient(err, "remote.Importer", "Connect", "connect to "+address)
}

// Streams returns the catalog of the exporter
func (imp *Importer) Streams() []rendezvous.Stream {
	return append([]rendezvous.Stream(nil), imp.catalog...)
}

// Open declares stream name and returns the emitter its values are posted on.
// The stream must be in the catalog and Open must precede Start.
func Open[T any](imp *Importer, p *pipeline.Pipeline, name string, f format.Format[T]) (*pipeline.Emitter[T], error) {
	index := -1
	for i, s := range imp.catalog {
		if s.Name == name {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrStreamNotFound, name), "remote.Importer", "Open", "find stream")
	}

	imp.mu.Lock()
	defer imp.mu.Unlock()
	if imp.started {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStarted, "remote.Importer", "Open", "open "+name)
	}
	out := pipeline.NewEmitter[T](p, name)
	imp.opened[uint32(index)] = opened{
		name: name,
		post: func(payload []byte) error {
			v, t, err := format.Decode(f, payload)
			if err != nil {
				return err
			}
			return out.Post(v, t)
		},
	}
	return out, nil
}

// Meta describes the importer
func (imp *Importer) Meta() component.Metadata {
	return component.Metadata{
		Name:        "RemoteImporter",
		Type:        "source",
		Description: "Stream importer from " + imp.conn.RemoteAddr().String(),
	}
}

// Health reports healthy while receiving
func (imp *Importer) Health() component.HealthStatus { return imp.HealthStatus(true) }

// DataFlow reports import rates
func (imp *Importer) DataFlow() component.FlowMetrics { return imp.FlowMetrics() }

// Initialize is a no-op
func (imp *Importer) Initialize() error { return nil }

// Start subscribes to the opened streams and reads until Stop
func (imp *Importer) Start(ctx context.Context) error {
	runCtx, err := imp.Begin(ctx)
	if err != nil {
		return err
	}
	imp.mu.Lock()
	imp.started = true
	req := subscribe{Streams: make([]string, 0, len(imp.opened))}
	for _, o := range imp.opened {
		req.Streams = append(req.Streams, o.name)
	}
	imp.mu.Unlock()

	_ = imp.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeJSON(imp.conn, req); err != nil {
		imp.RecordError(err)
		imp.logger.Warn("Subscription failed", "error", err)
		_ = imp.conn.Close()
		return nil
	}
	_ = imp.conn.SetWriteDeadline(time.Time{})

	stop := context.AfterFunc(runCtx, func() { _ = imp.conn.Close() })
	imp.Go(func() {
		defer stop()
		imp.read(runCtx)
	})
	return nil
}

// Stop closes the connection
func (imp *Importer) Stop(timeout time.Duration) error {
	_ = imp.conn.Close()
	return imp.End(timeout)
}

func (imp *Importer) read(ctx context.Context) {
	for {
		frame, err := transport.ReadFrame(imp.conn)
		if err != nil {
			if ctx.Err() == nil && !stderrors.Is(err, io.EOF) && !stderrors.Is(err, net.ErrClosed) {
				imp.RecordError(err)
				imp.logger.Warn("Read failed", "error", err)
			}
			return
		}
		if len(frame) < 4 {
			imp.RecordError(errors.ErrInvalidData)
			imp.logger.Error("Dropping connection after short frame", "size", len(frame))
			return
		}
		index := binary.LittleEndian.Uint32(frame)
		imp.mu.Lock()
		o, ok := imp.opened[index]
		imp.mu.Unlock()
		if !ok {
			continue
		}
		if err := o.post(frame[4:]); err != nil {
			if ctx.Err() != nil {
				return
			}
			imp.RecordError(err)
			imp.cfg.Metrics.RecordError("remote-importer", "invalid")
			imp.logger.Error("Dropping connection after undecodable frame", "stream", o.name, "error", err)
			return
		}
		imp.RecordMessage(len(frame))
		imp.cfg.Metrics.RecordFrameReceived(transportName, o.name)
	}
}
