// Package connector keeps track of the live streams wired by the
// orchestrator and of the stores they are recorded into.
//
// A Manager owns its registry in a single goroutine; every operation is
// submitted to it and runs to completion before the next one, so callers
// never share a lock with the registry. Store writes go through a
// single-worker pool, which keeps them in arrival order off the delivery
// goroutines.
package connector

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/saacpsi/psistreams/dataset"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/metric"
	"github.com/saacpsi/psistreams/pipeline"
	"github.com/saacpsi/psistreams/pkg/worker"
)

// Info binds a live stream to its destination
type Info struct {
	Stream   string
	Store    string
	Session  string // empty when the stream is not recorded
	Process  string
	TypeName string
	Source   pipeline.Producer
	Codec    format.Codec
}

// EntryFunc is told about the connectors of a store entry
type EntryFunc func(name string, connectors map[string]Info)

// RemovedFunc is told about a store entry left without connectors
type RemovedFunc func(name string)

// Config configures a Manager
type Config struct {
	Dataset   *dataset.Dataset // nil disables recording
	Logger    *slog.Logger
	Metrics   *metric.Metrics
	Registry  *metric.MetricsRegistry
	QueueSize int // pending store writes, default 4096
}

type storeWrite struct {
	store   *dataset.Store
	stream  string
	env     pipeline.Envelope
	payload []byte
}

// Manager is the registry of connectors (store -> stream -> Info) and of
// the open stores (session -> store)
type Manager struct {
	cfg    Config
	logger *slog.Logger

	ops  chan func()
	quit chan struct{}
	done chan struct{}

	connectors map[string]map[string]Info
	stores     map[string]map[string]*dataset.Store
	onNew      []EntryFunc
	onRemoved  []RemovedFunc
	closed     bool

	writes *worker.Pool[storeWrite]
	cancel context.CancelFunc
}

// NewManager starts a manager
func NewManager(cfg Config) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:        cfg,
		logger:     logger.With("component", "connectors"),
		ops:        make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		connectors: make(map[string]map[string]Info),
		stores:     make(map[string]map[string]*dataset.Store),
	}

	var opts []worker.Option[storeWrite]
	if cfg.Registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[storeWrite](cfg.Registry, "store_writes"))
	}
	opts = append(opts, worker.WithErrorHandler(func(w storeWrite, err error) {
		m.cfg.Metrics.RecordError("connectors", errors.Classify(err).String())
		m.logger.Warn("Store write failed", "store", w.store.Name(), "stream", w.stream, "error", err)
	}))
	m.writes = worker.NewPool(1, cfg.QueueSize, m.write, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	_ = m.writes.Start(ctx)

	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.quit:
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it
func (m *Manager) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case m.ops <- func() {
		defer close(finished)
		fn()
	}:
	case <-m.quit:
		return errors.WrapInvalid(errors.ErrDisposed, "connector.Manager", "do", "submit operation")
	}
	<-finished
	return nil
}

// Dataset returns the dataset stores are recorded into, nil when not recording
func (m *Manager) Dataset() *dataset.Dataset { return m.cfg.Dataset }

// OnNewEntry registers fn, called every time a connector is added to a store entry
func (m *Manager) OnNewEntry(fn EntryFunc) {
	_ = m.do(func() { m.onNew = append(m.onNew, fn) })
}

// OnRemovedEntry registers fn, called when a store entry loses its last connector
func (m *Manager) OnRemovedEntry(fn RemovedFunc) {
	_ = m.do(func() { m.onRemoved = append(m.onRemoved, fn) })
}

// CreateConnector registers info. A (store, stream) pair already registered
// is rejected with ErrDuplicateConnector.
func (m *Manager) CreateConnector(info Info) error {
	var (
		err       error
		snapshot  map[string]Info
		listeners []EntryFunc
	)
	if derr := m.do(func() {
		if m.closed {
			err = errors.WrapInvalid(errors.ErrDisposed, "connector.Manager", "CreateConnector", "register")
			return
		}
		entry, ok := m.connectors[info.Store]
		if !ok {
			entry = make(map[string]Info)
			m.connectors[info.Store] = entry
		}
		if _, exists := entry[info.Stream]; exists {
			err = duplicate(info, "CreateConnector")
			return
		}
		entry[info.Stream] = info
		snapshot = maps.Clone(entry)
		listeners = slices.Clone(m.onNew)
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	for _, fn := range listeners {
		fn(info.Store, snapshot)
	}
	return nil
}

// CreateConnectorAndStore registers info and, when store is set and a
// session is given, records the stream into the (session, info.Store) store.
// The store and its stream are prepared before the connector is registered,
// so a failure leaves nothing registered and listeners are not notified.
func (m *Manager) CreateConnectorAndStore(info Info, session *dataset.Session, store bool) error {
	if !store || session == nil {
		return m.CreateConnector(info)
	}
	info.Session = session.Name()
	if _, exists := m.Connector(info.Store, info.Stream); exists {
		return duplicate(info, "CreateConnectorAndStore")
	}
	if info.Codec == nil {
		return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrMissingSerializer, info.TypeName),
			"connector.Manager", "CreateConnectorAndStore", "record "+info.Stream)
	}

	st, err := m.GetOrCreateStore(session, info.Store)
	if err != nil {
		return err
	}
	if err := st.AddStream(info.Stream, info.TypeName, info.Codec.Name()); err != nil {
		return err
	}
	if err := m.CreateConnector(info); err != nil {
		return err
	}
	m.record(st, info)
	return nil
}

func duplicate(info Info, method string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s/%s", errors.ErrDuplicateConnector, info.Store, info.Stream),
		"connector.Manager", method, "register")
}

func (m *Manager) record(st *dataset.Store, info Info) {
	owner := info.Source.Owner()
	ctx := owner.Context()
	unsubscribe := info.Source.SubscribeAny(func(data any, env pipeline.Envelope) {
		payload, err := info.Codec.Encode(data, env.OriginatingTime)
		if err != nil {
			m.logger.Warn("Dropping unencodable message", "stream", info.Stream, "error", err)
			return
		}
		// the pool rejects writes once closed; they are lost with the manager
		_ = m.writes.SubmitWait(ctx, storeWrite{store: st, stream: info.Stream, env: env, payload: payload})
	})
	owner.OnDispose(unsubscribe)
	m.logger.Debug("Recording stream", "stream", info.Stream, "store", st.Name(), "session", info.Session)
}

func (m *Manager) write(_ context.Context, w storeWrite) error {
	if _, err := w.store.Write(w.stream, w.env.OriginatingTime, w.env.CreationTime, w.payload); err != nil {
		return err
	}
	m.cfg.Metrics.RecordStoreWrite(w.store.Name())
	return nil
}

// GetOrCreateStore returns the store of a session, creating it under
// {dataset dir}/{session}/{store} and recording it as a partition.
func (m *Manager) GetOrCreateStore(session *dataset.Session, name string) (*dataset.Store, error) {
	if m.cfg.Dataset == nil {
		return nil, errors.WrapInvalid(errors.ErrStorageUnavailable, "connector.Manager", "GetOrCreateStore", "open "+name)
	}
	var (
		st  *dataset.Store
		err error
	)
	if derr := m.do(func() {
		if m.closed {
			err = errors.WrapInvalid(errors.ErrDisposed, "connector.Manager", "GetOrCreateStore", "open "+name)
			return
		}
		bySession, ok := m.stores[session.Name()]
		if !ok {
			bySession = make(map[string]*dataset.Store)
			m.stores[session.Name()] = bySession
		}
		if cached, ok := bySession[name]; ok {
			st = cached
			return
		}
		path := m.cfg.Dataset.StorePath(session.Name(), name)
		st, err = dataset.CreateStore(name, path)
		if err != nil {
			return
		}
		bySession[name] = st
		session.AddPartition(dataset.Partition{Name: name, StoreName: name, StorePath: path})
		m.logger.Info("Store created", "session", session.Name(), "store", name)
	}); derr != nil {
		return nil, derr
	}
	return st, err
}

// AddStore caches an already opened store, such as a read-only store
// loaded for replay. A store of the same name in the session is kept.
func (m *Manager) AddStore(session string, st *dataset.Store) bool {
	added := false
	_ = m.do(func() {
		bySession, ok := m.stores[session]
		if !ok {
			bySession = make(map[string]*dataset.Store)
			m.stores[session] = bySession
		}
		if _, exists := bySession[st.Name()]; !exists {
			bySession[st.Name()] = st
			added = true
		}
	})
	return added
}

// Store returns a cached store
func (m *Manager) Store(session, name string) (*dataset.Store, bool) {
	var (
		st *dataset.Store
		ok bool
	)
	_ = m.do(func() { st, ok = m.stores[session][name] })
	return st, ok
}

// Connectors returns a copy of the registry: store -> stream -> Info
func (m *Manager) Connectors() map[string]map[string]Info {
	out := make(map[string]map[string]Info)
	_ = m.do(func() {
		for store, entry := range m.connectors {
			out[store] = maps.Clone(entry)
		}
	})
	return out
}

// Connector returns one registered connector
func (m *Manager) Connector(store, stream string) (Info, bool) {
	var (
		info Info
		ok   bool
	)
	_ = m.do(func() { info, ok = m.connectors[store][stream] })
	return info, ok
}

// RemoveProcess unregisters every connector of a process and reports the
// store entries left empty to the OnRemovedEntry listeners.
func (m *Manager) RemoveProcess(process string) int {
	var (
		removed   int
		emptied   []string
		listeners []RemovedFunc
	)
	_ = m.do(func() {
		for store, entry := range m.connectors {
			for stream, info := range entry {
				if info.Process == process {
					delete(entry, stream)
					removed++
				}
			}
			if len(entry) == 0 {
				delete(m.connectors, store)
				emptied = append(emptied, store)
			}
		}
		listeners = slices.Clone(m.onRemoved)
	})
	slices.Sort(emptied)
	for _, name := range emptied {
		for _, fn := range listeners {
			fn(name)
		}
	}
	return removed
}

// Close flushes pending writes, closes every store and stops the manager.
// Connectors registered afterwards are rejected.
func (m *Manager) Close(timeout time.Duration) error {
	var (
		stores []*dataset.Store
		first  bool
	)
	if err := m.do(func() {
		if m.closed {
			return
		}
		m.closed, first = true, true
		for _, bySession := range m.stores {
			for _, st := range bySession {
				stores = append(stores, st)
			}
		}
	}); err != nil || !first {
		return nil
	}

	var errs []error
	if err := m.writes.Stop(timeout); err != nil {
		errs = append(errs, errors.WrapTransient(err, "connector.Manager", "Close", "flush store writes"))
	}
	m.cancel()
	for _, st := range stores {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	close(m.quit)
	<-m.done
	return stderrors.Join(errs...)
}
