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

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/metric"
)

const relayWriteTimeout = 5 * time.Second

// ServerConfig configures the TCP relay server
type ServerConfig struct {
	Port       int
	AcceptRate rate.Limit // new connections per second
	Logger     *slog.Logger
	Metrics    *metric.Metrics
	OnError    ErrorFunc
}

type serverPeer struct {
	conn   net.Conn
	origin origin
	wmu    sync.Mutex
	owned  map[string]bool
}

func (c *serverPeer) send(m relayMessage) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return writeMessage(c.conn, m)
}

// Server is the authoritative relay. Every connected client receives the
// current processes, then every change; a client's processes are removed
// when it disconnects.
type Server struct {
	rdv     *Rendezvous
	cfg     ServerConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	listener net.Listener
	peers    map[*serverPeer]struct{}
	cancel   context.CancelFunc
	group    *errgroup.Group
	active   atomic.Bool
}

// NewServer creates a server relaying rdv
func NewServer(rdv *Rendezvous, cfg ServerConfig) *Server {
	if cfg.AcceptRate <= 0 {
		cfg.AcceptRate = 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		rdv:     rdv,
		cfg:     cfg,
		logger:  logger.With("component", "rendezvous-server"),
		limiter: rate.NewLimiter(cfg.AcceptRate, 10),
		peers:   make(map[*serverPeer]struct{}),
	}
	rdv.listen(&rdv.added, func(p Process, from origin) { s.broadcast(addMessage(p), from) })
	rdv.listen(&rdv.removed, func(p Process, from origin) { s.broadcast(removeMessage(p.Name), from) })
	return s
}

// Rendezvous returns the relayed registry
func (s *Server) Rendezvous() *Rendezvous { return s.rdv }

// IsActive reports whether the server is listening
func (s *Server) IsActive() bool { return s.active.Load() }

// Port returns the bound port once started
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Port
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Start listens and serves clients in the background
func (s *Server) Start(ctx context.Context) error {
	if s.active.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "rendezvous.Server", "Start", "start relay")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return errors.WrapTransient(err, "rendezvous.Server", "Start", "listen on port "+strconv.Itoa(s.cfg.Port))
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.group = g
	s.mu.Unlock()
	s.active.Store(true)

	context.AfterFunc(gctx, func() { _ = ln.Close() })
	g.Go(func() error { return s.accept(gctx, ln) })
	s.logger.Info("Rendezvous server listening", "port", s.Port())
	return nil
}

// Stop closes the listener and every client and waits for the loops
func (s *Server) Stop() error {
	if !s.active.CompareAndSwap(true, false) {
		return nil
	}
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	peers := s.peers
	s.peers = make(map[*serverPeer]struct{})
	s.mu.Unlock()

	cancel()
	for c := range peers {
		_ = c.conn.Close()
	}
	err := g.Wait()
	if err != nil && stderrors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (s *Server) accept(ctx context.Context, ln net.Listener) error {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			s.report(errors.WrapTransient(err, "rendezvous.Server", "accept", "accept client"))
			continue
		}
		peer := &serverPeer{conn: conn, origin: origin("client-" + uuid.NewString()), owned: make(map[string]bool)}
		s.mu.Lock()
		s.peers[peer] = struct{}{}
		n := len(s.peers)
		s.mu.Unlock()
		s.cfg.Metrics.RecordClients("relay", "server", n)
		s.logger.Debug("Relay client connected", "remote", conn.RemoteAddr().String())

		group := s.group
		group.Go(func() error {
			s.serve(ctx, peer)
			return nil
		})
	}
}

func (s *Server) serve(ctx context.Context, peer *serverPeer) {
	defer s.disconnect(peer)
	stop := context.AfterFunc(ctx, func() { _ = peer.conn.Close() })
	defer stop()

	for _, p := range s.rdv.Processes() {
		if err := peer.send(addMessage(p)); err != nil {
			s.report(errors.WrapTransient(err, "rendezvous.Server", "serve", "send snapshot"))
			return
		}
	}

	for {
		m, err := readMessage(peer.conn)
		if err != nil {
			if ctx.Err() == nil && !stderrors.Is(err, io.EOF) && !stderrors.Is(err, net.ErrClosed) {
				s.report(err)
			}
			return
		}
		switch m.Type {
		case msgAdd:
			if s.rdv.add(*m.Process, peer.origin) {
				peer.owned[m.Process.Name] = true
			}
		case msgRemove:
			if peer.owned[m.Name] {
				delete(peer.owned, m.Name)
				s.rdv.remove(m.Name, peer.origin)
			}
		}
	}
}

func (s *Server) disconnect(peer *serverPeer) {
	_ = peer.conn.Close()
	s.mu.Lock()
	delete(s.peers, peer)
	n := len(s.peers)
	s.mu.Unlock()
	s.cfg.Metrics.RecordClients("relay", "server", n)

	names := make([]string, 0, len(peer.owned))
	for name := range peer.owned {
		names = append(names, name)
	}
	s.rdv.removeAll(names, peer.origin)
	s.logger.Debug("Relay client disconnected", "remote", peer.conn.RemoteAddr().String(), "removed", len(names))
}

func (s *Server) broadcast(m relayMessage, from origin) {
	s.mu.Lock()
	peers := make([]*serverPeer, 0, len(s.peers))
	for c := range s.peers {
		if c.origin != from {
			peers = append(peers, c)
		}
	}
	s.mu.Unlock()

	for _, c := range peers {
		if err := c.send(m); err != nil {
			s.logger.Info("Dropping relay client", "remote", c.conn.RemoteAddr().String(), "error", err)
			_ = c.conn.Close()
		}
	}
}

func (s *Server) report(err error) {
	s.logger.Warn("Relay error", "error", err)
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}
