package rendezvous

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/metric"
	"github.com/saacpsi/psistreams/pkg/retry"
)

const fromServer origin = "server"

// ClientConfig configures the TCP relay client
type ClientConfig struct {
	Host    string
	Port    int
	Retry   retry.Config
	Logger  *slog.Logger
	Metrics *metric.Metrics
	OnError ErrorFunc
}

// Client mirrors the server's processes into its Rendezvous and sends the
// processes added locally. It reconnects until stopped; processes received
// from a lost server are removed.
type Client struct {
	rdv    *Rendezvous
	cfg    ClientConfig
	logger *slog.Logger
	logs   rate.Sometimes

	mu     sync.Mutex
	conn   net.Conn
	remote map[string]bool
	cancel context.CancelFunc
	done   chan struct{}

	active    atomic.Bool
	connected atomic.Bool
	wmu       sync.Mutex
}

// NewClient creates a client relaying rdv
func NewClient(rdv *Rendezvous, cfg ClientConfig) *Client {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Reconnect()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		rdv:    rdv,
		cfg:    cfg,
		logger: logger.With("component", "rendezvous-client", "server", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))),
		logs:   rate.Sometimes{Interval: 10 * time.Second},
		remote: make(map[string]bool),
	}
	rdv.listen(&rdv.added, func(p Process, from origin) {
		if from == local {
			c.send(addMessage(p))
		}
	})
	rdv.listen(&rdv.removed, func(p Process, from origin) {
		if from == local {
			c.send(removeMessage(p.Name))
		}
	})
	return c
}

// Rendezvous returns the relayed registry
func (c *Client) Rendezvous() *Rendezvous { return c.rdv }

// IsActive reports whether the client was started and not stopped
func (c *Client) IsActive() bool { return c.active.Load() }

// Connected reports whether the client currently holds a server connection
func (c *Client) Connected() bool { return c.connected.Load() }

// Start connects in the background
func (c *Client) Start(ctx context.Context) error {
	if !c.active.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "rendezvous.Client", "Start", "start relay")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx)
	}()
	return nil
}

// Stop disconnects and waits for the connection loop
func (c *Client) Stop() error {
	if !c.active.CompareAndSwap(true, false) {
		return nil
	}
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	cancel()
	c.closeConn()
	<-done
	return nil
}

func (c *Client) run(ctx context.Context) {
	address := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	rc := c.cfg.Retry
	rc.OnRetry = func(attempt int, err error, next time.Duration) {
		c.cfg.Metrics.RecordReconnect("relay", "client")
		c.logs.Do(func() { c.logger.Warn("Rendezvous server unreachable, retrying", "attempt", attempt, "error", err) })
	}
	var dialer net.Dialer
	for ctx.Err() == nil {
		conn, err := retry.DoWithResult(ctx, rc, func() (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", address)
		})
		if err != nil {
			if ctx.Err() == nil {
				c.report(errors.WrapTransient(err, "rendezvous.Client", "run", "connect to "+address))
			}
			return
		}
		c.session(ctx, conn)

		select {
		case <-ctx.Done():
		case <-time.After(max(rc.InitialDelay, 100*time.Millisecond)):
		}
	}
}

func (c *Client) session(ctx context.Context, conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		c.connected.Store(false)
		c.closeConn()
		c.dropRemote()
	}()
	c.logger.Info("Connected to rendezvous server")

	for _, p := range c.rdv.Processes() {
		c.mu.Lock()
		fromRemote := c.remote[p.Name]
		c.mu.Unlock()
		if fromRemote {
			continue
		}
		if err := c.write(conn, addMessage(p)); err != nil {
			c.report(errors.WrapTransient(err, "rendezvous.Client", "session", "send local processes"))
			return
		}
	}

	for {
		m, err := readMessage(conn)
		if err != nil {
			if ctx.Err() == nil && !stderrors.Is(err, net.ErrClosed) {
				if !stderrors.Is(err, io.EOF) {
					c.report(err)
				}
				c.logger.Warn("Rendezvous server connection lost", "error", err)
			}
			return
		}
		switch m.Type {
		case msgAdd:
			c.mu.Lock()
			c.remote[m.Process.Name] = true
			c.mu.Unlock()
			if !c.rdv.add(*m.Process, fromServer) {
				c.mu.Lock()
				delete(c.remote, m.Process.Name)
				c.mu.Unlock()
			}
		case msgRemove:
			c.mu.Lock()
			known := c.remote[m.Name]
			delete(c.remote, m.Name)
			c.mu.Unlock()
			if known {
				c.rdv.remove(m.Name, fromServer)
			}
		}
	}
}

func (c *Client) dropRemote() {
	c.mu.Lock()
	names := make([]string, 0, len(c.remote))
	for name := range c.remote {
		names = append(names, name)
	}
	c.remote = make(map[string]bool)
	c.mu.Unlock()
	c.rdv.removeAll(names, fromServer)
}

func (c *Client) send(m relayMessage) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := c.write(conn, m); err != nil {
		c.report(errors.WrapTransient(err, "rendezvous.Client", "send", m.Type))
		_ = conn.Close()
	}
}

func (c *Client) write(conn net.Conn, m relayMessage) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return writeMessage(conn, m)
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) report(err error) {
	c.logger.Warn("Relay error", "error", err)
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
