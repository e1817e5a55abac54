// Package websocket carries typed streams over WebSocket connections. A
// Manager keeps one connection per (remote, topic): it accepts clients on
// /ws/{topic} when serving and dials remote servers on demand. Sources and
// writers are built on the registered connections.
package websocket

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saacpsi/psistreams/component"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/metric"
	"github.com/saacpsi/psistreams/pipeline"
	"github.com/saacpsi/psistreams/rendezvous"
)

const (
	transportName = "websocket"
	pathPrefix    = "/ws/"
	writeTimeout  = 10 * time.Second
)

// Conn is a registered connection. Writes are serialized; one reader at a time.
type Conn struct {
	ws      *websocket.Conn
	remote  string
	topic   string
	manager *Manager

	wmu       sync.Mutex
	closeOnce sync.Once
}

// Remote returns the identity of the peer
func (c *Conn) Remote() string { return c.remote }

// Topic returns the topic of the connection
func (c *Conn) Topic() string { return c.topic }

// WriteFrame sends one binary message: a uint32 little-endian byte count
// followed by the payload.
func (c *Conn) WriteFrame(payload []byte) error {
	msg := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(payload)), uint32(len(payload)))
	msg = append(msg, payload...)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, msg)
}

// ReadFrame reads one binary message written by WriteFrame
func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if len(msg) < 4 {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "websocket.Conn", "ReadFrame", "read count")
		}
		n := binary.LittleEndian.Uint32(msg)
		if int(n) > len(msg)-4 {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: count %d exceeds %d bytes", errors.ErrInvalidData, n, len(msg)-4),
				"websocket.Conn", "ReadFrame", "read payload")
		}
		return msg[4 : 4+n], nil
	}
}

// Close sends a close message, closes the connection and unregisters it
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"), time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
		if c.manager != nil {
			c.manager.unregister(c)
		}
	})
	return err
}

// ManagerConfig configures a Manager. Serve binds Port (0 picks a free
// port); Secure dials remote servers with wss; Name, when set, is sent as
// the client identity instead of the host address.
type ManagerConfig struct {
	Name    string
	Serve   bool
	Port    int
	Secure  bool
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// ConnectedFunc is called when a client connects to the served manager
type ConnectedFunc func(c *Conn)

// Manager owns the WebSocket connections of a pipeline
type Manager struct {
	*component.Runner

	cfg      ManagerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	listener net.Listener
	server   *http.Server

	mu          sync.Mutex
	conns       map[string]map[string]*Conn
	onConnected []ConnectedFunc
}

// NewManager creates a manager, binds its port when serving and adds it to p
func NewManager(p *pipeline.Pipeline, cfg ManagerConfig) (*Manager, error) {
	if cfg.Metrics == nil {
		cfg.Metrics = p.Metrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = p.Logger()
	}
	m := &Manager{
		Runner: component.NewRunner("websocket.Manager"),
		cfg:    cfg,
		logger: logger.With("component", "websocket-manager"),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		conns:  make(map[string]map[string]*Conn),
	}

	if cfg.Serve {
		ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
		if err != nil {
			return nil, errors.WrapTransient(err, "websocket.Manager", "New", "listen on port "+strconv.Itoa(cfg.Port))
		}
		m.listener = ln
		m.cfg.Port = ln.Addr().(*net.TCPAddr).Port
		mux := http.NewServeMux()
		mux.HandleFunc(pathPrefix, m.handle)
		m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		m.logger = m.logger.With("port", m.cfg.Port)
	}

	if err := p.Add(m); err != nil {
		if m.listener != nil {
			_ = m.listener.Close()
		}
		return nil, err
	}
	return m, nil
}

// Port returns the served port, 0 when not serving
func (m *Manager) Port() int {
	if m.listener == nil {
		return 0
	}
	return m.cfg.Port
}

// OnConnected registers fn for clients connecting to the server
func (m *Manager) OnConnected(fn ConnectedFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = append(m.onConnected, fn)
}

// Get returns the connection registered for (remote, topic)
func (m *Manager) Get(remote, topic string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[remote][topic]
	return c, ok
}

// Remotes returns the registered remotes, sorted
func (m *Manager) Remotes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.conns))
	for r := range m.conns {
		names = append(names, r)
	}
	sort.Strings(names)
	return names
}

// Dial connects to ws[s]://host:port/ws/{topic} and registers the connection
// under host. An existing connection is returned as is.
func (m *Manager) Dial(ctx context.Context, host string, port int, topic string) (*Conn, error) {
	if c, ok := m.Get(host, topic); ok {
		return c, nil
	}
	scheme := "ws"
	if m.cfg.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: pathPrefix + topic}
	if m.cfg.Name != "" {
		u.RawQuery = url.Values{"name": {m.cfg.Name}}.Encode()
	}
	ws, _, err := m.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "websocket.Manager", "Dial", "connect to "+u.String())
	}
	c := &Conn{ws: ws, remote: host, topic: topic, manager: m}
	if !m.register(c) {
		_ = ws.Close()
		existing, _ := m.Get(host, topic)
		return existing, nil
	}
	m.logger.Debug("Connected", "url", u.String())
	return c, nil
}

// Endpoint describes the served manager for the rendezvous
func (m *Manager) Endpoint(host string, streams []rendezvous.Stream) rendezvous.WebSocketSourceEndpoint {
	return rendezvous.WebSocketSourceEndpoint{Host: host, Port: m.Port(), Secure: m.cfg.Secure, Streams: streams}
}

// Meta describes the manager
func (m *Manager) Meta() component.Metadata {
	return component.Metadata{Name: "WebSocketsManager", Type: "source", Description: "WebSocket connection registry"}
}

// Health reports healthy while running
func (m *Manager) Health() component.HealthStatus { return m.HealthStatus(true) }

// DataFlow reports connection activity
func (m *Manager) DataFlow() component.FlowMetrics { return m.FlowMetrics() }

// Initialize is a no-op
func (m *Manager) Initialize() error { return nil }

// Start serves clients when configured to
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.Begin(ctx); err != nil {
		return err
	}
	if m.server != nil {
		m.Go(func() {
			if err := m.server.Serve(m.listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				m.RecordError(err)
				m.logger.Error("Server stopped", "error", err)
			}
		})
	}
	return nil
}

// Stop shuts the server down and closes every connection
func (m *Manager) Stop(timeout time.Duration) error {
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Warn("Server shutdown", "error", err)
		}
		cancel()
		_ = m.listener.Close()
	}

	m.mu.Lock()
	var all []*Conn
	for _, topics := range m.conns {
		for _, c := range topics {
			all = append(all, c)
		}
	}
	m.mu.Unlock()
	for _, c := range all {
		_ = c.Close()
	}
	return m.End(timeout)
}

func (m *Manager) handle(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimPrefix(r.URL.Path, pathPrefix)
	if topic == "" {
		http.Error(w, "missing topic", http.StatusNotFound)
		return
	}
	remote := r.URL.Query().Get("name")
	if remote == "" {
		remote, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.RecordError(err)
		m.logger.Warn("Upgrade failed", "remote", remote, "error", err)
		return
	}
	c := &Conn{ws: ws, remote: remote, topic: topic, manager: m}
	if !m.register(c) {
		m.logger.Info("Connection already registered", "remote", remote, "topic", topic)
		_ = ws.Close()
		return
	}
	m.RecordMessage(0)
	m.logger.Debug("Client connected", "remote", remote, "topic", topic)

	m.mu.Lock()
	handlers := append([]ConnectedFunc(nil), m.onConnected...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(c)
	}
}

func (m *Manager) register(c *Conn) bool {
	m.mu.Lock()
	topics, ok := m.conns[c.remote]
	if !ok {
		topics = make(map[string]*Conn)
		m.conns[c.remote] = topics
	}
	if _, exists := topics[c.topic]; exists {
		m.mu.Unlock()
		return false
	}
	topics[c.topic] = c
	n := m.countLocked()
	m.mu.Unlock()
	m.cfg.Metrics.RecordClients(transportName, "manager", n)
	return true
}

func (m *Manager) unregister(c *Conn) {
	m.mu.Lock()
	if topics, ok := m.conns[c.remote]; ok && topics[c.topic] == c {
		delete(topics, c.topic)
		if len(topics) == 0 {
			delete(m.conns, c.remote)
		}
	}
	n := m.countLocked()
	m.mu.Unlock()
	m.cfg.Metrics.RecordClients(transportName, "manager", n)
}

func (m *Manager) countLocked() int {
	n := 0
	for _, topics := range m.conns {
		n += len(topics)
	}
	return n
}
