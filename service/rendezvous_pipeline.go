package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saacpsi/psistreams/clock"
	"github.com/saacpsi/psistreams/command"
	"github.com/saacpsi/psistreams/config"
	"github.com/saacpsi/psistreams/dataset"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/health"
	"github.com/saacpsi/psistreams/pipeline"
	"github.com/saacpsi/psistreams/rendezvous"
	"github.com/saacpsi/psistreams/transport/tcp"
	"github.com/saacpsi/psistreams/transport/websocket"
)

const (
	diagnosticsProcessSuffix = "-Diagnostics"
	diagnosticsKeyword       = "Diagnostics"
	eventQueueSize           = 1024
)

type pipelineState int

const (
	stateNotStarted pipelineState = iota
	stateStarted
	stateStopped
)

func (s pipelineState) String() string {
	switch s {
	case stateNotStarted:
		return "not started"
	case stateStarted:
		return "started"
	default:
		return "stopped"
	}
}

// ProcessFunc is told about a wired or removed process
type ProcessFunc func(name string)

type processEvent struct {
	process rendezvous.Process
	added   bool
}

// RendezvousPipeline joins a rendezvous relay and wires the streams of every
// discovered process into a subpipeline of its own, recording them into the
// dataset. Rendezvous events are handled one at a time by a single goroutine,
// which owns the set of known processes.
type RendezvousPipeline struct {
	*DatasetPipeline

	cfg *config.Config
	rdv *rendezvous.Rendezvous

	ctx      context.Context
	cancel   context.CancelFunc
	events   chan processEvent
	loopDone chan struct{}

	mu        sync.Mutex
	state     pipelineState
	relay     rendezvous.Relay
	ws        *websocket.Manager
	pending   []rendezvous.Process
	commands  *pipeline.Emitter[command.Message]
	onNew     []ProcessFunc
	onRemoved []ProcessFunc
	exported  map[string]bool // re-export processes of this instance, never wired back
	ownsNATS  bool

	commandSeq atomic.Int64

	// event loop only
	known map[string]bool
	wired map[string]bool
}

// NewRendezvousPipeline creates a pipeline named cfg.Name. Nothing is
// started before Start.
func NewRendezvousPipeline(cfg *config.Config, opts ...Option) (*RendezvousPipeline, error) {
	d, err := NewDatasetPipeline(cfg.Name, cfg.Pipeline, opts...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &RendezvousPipeline{
		DatasetPipeline: d,
		cfg:             cfg,
		rdv:             rendezvous.New(),
		ctx:             ctx,
		cancel:          cancel,
		events:          make(chan processEvent, eventQueueSize),
		loopDone:        make(chan struct{}),
		exported:        make(map[string]bool),
		known:           make(map[string]bool),
		wired:           make(map[string]bool),
	}
	r.rdv.OnProcessAdded(func(p rendezvous.Process) { r.enqueue(processEvent{process: p, added: true}) })
	r.rdv.OnProcessRemoved(func(p rendezvous.Process) { r.enqueue(processEvent{process: p}) })
	return r, nil
}

// Rendezvous returns the process registry
func (r *RendezvousPipeline) Rendezvous() *rendezvous.Rendezvous { return r.rdv }

// Relay returns the relay, nil before Start
func (r *RendezvousPipeline) Relay() rendezvous.Relay {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.relay
}

// OnNewProcess registers fn, called when the streams of a process are wired
func (r *RendezvousPipeline) OnNewProcess(fn ProcessFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNew = append(r.onNew, fn)
}

// OnRemovedProcess registers fn, called when a wired process leaves
func (r *RendezvousPipeline) OnRemovedProcess(fn ProcessFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemoved = append(r.onRemoved, fn)
}

func (r *RendezvousPipeline) enqueue(ev processEvent) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}

func (r *RendezvousPipeline) loop() {
	defer close(r.loopDone)
	for {
		select {
		case ev := <-r.events:
			if ev.added {
				r.processAdded(ev.process)
			} else {
				r.processRemoved(ev.process.Name)
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// Start validates the stream configuration, starts the relay, announces the
// queued processes and the diagnostics, clock and command processes of this
// instance, then runs the pipeline when automatic run is enabled.
func (r *RendezvousPipeline) Start(ctx context.Context) error {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	switch state {
	case stateStarted:
		return nil
	case stateStopped:
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "RendezvousPipeline", "Start", "start "+r.name)
	}

	pc := r.cfg.Pipeline
	if err := r.bindings.Validate(pc.TopicsTypes, pc.TypesSerializers, pc.Transformers); err != nil {
		return err
	}
	if pc.AutomaticPipelineRun && pc.ClockPort == 0 && r.cfg.IsServer() {
		return errors.WrapFatal(errors.ErrClockPortRequired, "RendezvousPipeline", "Start", "check automatic run")
	}

	relay, err := r.newRelay(ctx)
	if err != nil {
		return err
	}
	ws, err := websocket.NewManager(r.Pipeline(), websocket.ManagerConfig{
		Name:    r.name,
		Serve:   r.cfg.WebSocket.Enabled,
		Port:    r.cfg.WebSocket.Port,
		Logger:  r.logger,
		Metrics: r.Metrics(),
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.ws = ws
	r.mu.Unlock()
	go r.loop()
	if err := relay.Start(ctx); err != nil {
		r.mu.Lock()
		r.state = stateStopped
		r.mu.Unlock()
		r.cancel()
		<-r.loopDone
		_ = r.DatasetPipeline.Stop(disposeTimeout)
		return err
	}

	r.mu.Lock()
	r.relay, r.state = relay, stateStarted
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, p := range pending {
		r.rdv.TryAddProcess(p)
	}
	if err := r.announce(); err != nil {
		return err
	}
	if err := r.subscribeCommands(); err != nil {
		return err
	}
	if pc.AutomaticPipelineRun && pc.ClockPort != 0 {
		if err := r.RunPipeline(); err != nil {
			return err
		}
	}
	if err := r.DatasetPipeline.Start(ctx); err != nil {
		return err
	}
	r.logger.Info("Rendezvous pipeline started",
		"server", r.cfg.IsServer(), "relay", r.cfg.Relay.Kind, "queued", len(pending))
	return nil
}

func (r *RendezvousPipeline) newRelay(ctx context.Context) (rendezvous.Relay, error) {
	onError := func(err error) {
		r.Metrics().RecordError("rendezvous", errors.Classify(err).String())
		r.logger.Warn("Relay error", "error", err)
	}
	if r.cfg.Relay.Kind == config.RelayNATS {
		if r.nats == nil {
			client, err := r.connectNATS(ctx)
			if err != nil {
				return nil, err
			}
			r.nats, r.ownsNATS = client, true
		}
		return rendezvous.NewNATSRelay(r.rdv, rendezvous.NATSConfig{
			Client:  r.nats,
			Bucket:  r.cfg.Relay.Bucket,
			Logger:  r.logger,
			Metrics: r.Metrics(),
			OnError: onError,
		}), nil
	}
	if !r.cfg.IsServer() {
		host, port := r.cfg.Relay.ServerAddress, r.cfg.Pipeline.RendezVousPort
		if h, p, err := net.SplitHostPort(r.cfg.Relay.ServerAddress); err == nil {
			n, perr := strconv.Atoi(p)
			if perr != nil {
				return nil, errors.WrapInvalid(fmt.Errorf("%w: relay server address %q", errors.ErrInvalidConfig, r.cfg.Relay.ServerAddress),
					"RendezvousPipeline", "Start", "parse server address")
			}
			host, port = h, n
		}
		return rendezvous.NewClient(r.rdv, rendezvous.ClientConfig{
			Host:    host,
			Port:    port,
			Logger:  r.logger,
			Metrics: r.Metrics(),
			OnError: onError,
		}), nil
	}
	return rendezvous.NewServer(r.rdv, rendezvous.ServerConfig{
		Port:    r.cfg.Pipeline.RendezVousPort,
		Logger:  r.logger,
		Metrics: r.Metrics(),
		OnError: onError,
	}), nil
}

// announce exposes the diagnostics, clock and command streams of this instance
func (r *RendezvousPipeline) announce() error {
	pc := r.cfg.Pipeline
	p := r.Pipeline()
	host := pc.RendezVousHost

	switch pc.Diagnostics {
	case config.DiagnosticsStore:
		if r.Dataset() == nil {
			r.logger.Warn("Diagnostics not stored, recording is disabled")
			break
		}
		if err := r.StoreDiagnostics(); err != nil {
			return err
		}
	case config.DiagnosticsExport:
		w, err := tcp.NewWriter(p, tcp.WriterConfig{Host: host, Port: pc.DiagnosticPort}, p.Diagnostics(),
			format.Erase("json", format.JSON[pipeline.Diagnostics]()))
		if err != nil {
			return err
		}
		r.rdv.TryAddProcess(rendezvous.NewProcess(r.name+diagnosticsProcessSuffix, w.Endpoint()))
	}

	if pc.ClockPort != 0 {
		exp, err := clock.NewExporter(p, host, pc.ClockPort)
		if err != nil {
			return err
		}
		r.rdv.TryAddProcess(exp.Process())
	}

	if pc.CommandPort != 0 {
		emitter := pipeline.NewEmitter[command.Message](p, command.StreamName)
		w, err := tcp.NewTypedWriter(p, tcp.WriterConfig{Host: host, Port: pc.CommandPort}, emitter, "command", command.Format())
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.commands = emitter
		r.mu.Unlock()
		r.rdv.TryAddProcess(rendezvous.NewProcess(command.ProcessName(r.name), w.Endpoint()))
	}
	return nil
}

// Stop stops the relay and the event loop, disposes the pipeline and saves
// the dataset. Stopping a pipeline that never started only saves the dataset.
func (r *RendezvousPipeline) Stop(timeout time.Duration) error {
	r.mu.Lock()
	state, relay := r.state, r.relay
	if state == stateStarted {
		r.state = stateStopped
	}
	r.mu.Unlock()
	if state != stateStarted {
		return r.SaveDataset()
	}

	var errs []error
	if err := relay.Stop(); err != nil {
		errs = append(errs, err)
	}
	r.cancel()
	<-r.loopDone
	if err := r.DatasetPipeline.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	if r.ownsNATS {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := r.nats.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	r.logger.Info("Rendezvous pipeline stopped")
	return stderrors.Join(errs...)
}

// Dispose is Stop
func (r *RendezvousPipeline) Dispose(timeout time.Duration) error {
	return r.Stop(timeout)
}

func (r *RendezvousPipeline) relayActive() bool {
	return r.relay != nil && r.relay.IsActive()
}

// AddProcess announces p. Processes added before the relay is active are
// queued and announced by Start.
func (r *RendezvousPipeline) AddProcess(p rendezvous.Process) bool {
	r.mu.Lock()
	if r.state == stateStopped {
		r.mu.Unlock()
		return false
	}
	if !r.relayActive() {
		defer r.mu.Unlock()
		r.pending = slices.DeleteFunc(r.pending, func(q rendezvous.Process) bool { return q.Name == p.Name })
		r.pending = append(r.pending, p)
		return true
	}
	r.mu.Unlock()
	return r.rdv.TryAddProcess(p)
}

// RemoveProcess withdraws a process, or drops it from the queue while the
// relay is inactive.
func (r *RendezvousPipeline) RemoveProcess(name string) bool {
	r.mu.Lock()
	if !r.relayActive() {
		defer r.mu.Unlock()
		n := len(r.pending)
		r.pending = slices.DeleteFunc(r.pending, func(q rendezvous.Process) bool { return q.Name == name })
		return len(r.pending) < n
	}
	r.mu.Unlock()
	return r.rdv.TryRemoveProcess(name)
}

// CommandEmitter returns the stream sent to command listeners
func (r *RendezvousPipeline) CommandEmitter() (*pipeline.Emitter[command.Message], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commands == nil {
		return nil, errors.WrapInvalid(errors.ErrNoCommandEmitter, "RendezvousPipeline", "CommandEmitter", "get emitter")
	}
	return r.commands, nil
}

// SendCommand posts (c, "{target};{args}") on the command stream and on the
// NATS command subject when one is configured. It reports false when the
// command went nowhere.
func (r *RendezvousPipeline) SendCommand(c command.Command, target, args string) bool {
	m := command.New(c, target, args)
	now := r.Pipeline().Now()
	sent := false
	if emitter, err := r.CommandEmitter(); err == nil {
		if err := emitter.Post(m, now); err != nil {
			r.logger.Warn("Command not sent", "command", c, "target", target, "error", err)
		} else {
			sent = true
		}
	}
	if r.publishCommand(m, now) {
		sent = true
	}
	if sent {
		r.logger.Debug("Command sent", "command", c, "target", target)
	}
	return sent
}

// RendezvousStatus is a snapshot of a rendezvous pipeline
type RendezvousStatus struct {
	Name         string        `json:"name"`
	State        string        `json:"state"`
	Server       bool          `json:"server"`
	RelayActive  bool          `json:"relay_active"`
	Running      bool          `json:"running"`
	Processes    []string      `json:"processes"`
	Subpipelines []string      `json:"subpipelines"`
	Connectors   int           `json:"connectors"`
	Dataset      string        `json:"dataset,omitempty"`
	ClockOffset  time.Duration `json:"clock_offset"`
}

// Status reports the state of the pipeline, its processes and connectors
func (r *RendezvousPipeline) Status() RendezvousStatus {
	r.mu.Lock()
	st := RendezvousStatus{
		Name:        r.name,
		State:       r.state.String(),
		Server:      r.cfg.IsServer(),
		RelayActive: r.relayActive(),
	}
	r.mu.Unlock()

	p := r.Pipeline()
	st.Running = p.IsRunning()
	st.Subpipelines = p.Subpipelines()
	st.ClockOffset = p.ClockOffset()
	for _, proc := range r.rdv.Processes() {
		st.Processes = append(st.Processes, proc.Name)
	}
	for _, entry := range r.Connectors() {
		st.Connectors += len(entry)
	}
	if ds := r.Dataset(); ds != nil {
		st.Dataset = ds.Path()
	}
	return st
}

// Health aggregates the service health with the relay state
func (r *RendezvousPipeline) Health() health.Status {
	r.mu.Lock()
	active := r.relayActive()
	r.mu.Unlock()
	relay := health.NewHealthy("relay", "Relay active")
	if !active {
		relay = health.NewUnhealthy("relay", "Relay inactive")
	}
	return health.Aggregate(r.name, []health.Status{r.BaseService.Health(), relay})
}

func (r *RendezvousPipeline) isExported(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exported[name]
}

func (r *RendezvousPipeline) listeners(removed bool) []ProcessFunc {
	r.mu.Lock()
	defer r.mu.Unlock()
	if removed {
		return slices.Clone(r.onRemoved)
	}
	return slices.Clone(r.onNew)
}

func (r *RendezvousPipeline) processAdded(p rendezvous.Process) {
	if r.known[p.Name] {
		return
	}
	r.known[p.Name] = true
	r.Metrics().RecordProcesses(len(r.known))
	r.logger.Debug("Process discovered", "process", p.Name, "endpoints", len(p.Endpoints))
	if r.isExported(p.Name) {
		return
	}

	switch {
	case strings.Contains(p.Name, command.StreamName):
		r.commandProcessAdded(p)
	case strings.Contains(p.Name, diagnosticsKeyword):
		r.diagnosticsProcessAdded(p)
	case p.Name == clock.ProcessName:
		r.clockProcessAdded(p)
	case r.cfg.Pipeline.RecordIncomingProcess:
		r.processAddedData(p)
	}
}

func (r *RendezvousPipeline) processRemoved(name string) {
	if !r.known[name] {
		return
	}
	delete(r.known, name)
	r.Metrics().RecordProcesses(len(r.known))
	wired := r.wired[name]
	delete(r.wired, name)

	if sub, ok := r.Pipeline().Subpipeline(name); ok {
		if err := sub.Dispose(disposeTimeout); err != nil {
			r.logger.Warn("Subpipeline dispose incomplete", "process", name, "error", err)
		}
	}
	removed := r.ConnectorManager().RemoveProcess(name)
	if !wired {
		return
	}
	r.logger.Info("Process removed", "process", name, "connectors", removed)
	for _, fn := range r.listeners(true) {
		fn(name)
	}
}

// finishProcess starts a subpipeline that wired streams and drops the others
func (r *RendezvousPipeline) finishProcess(name string, sub *pipeline.Pipeline, wired int, session *dataset.Session) {
	if wired == 0 {
		if err := sub.Dispose(disposeTimeout); err != nil {
			r.logger.Warn("Subpipeline dispose incomplete", "process", name, "error", err)
		}
		r.removeSessionIfEmpty(session)
		r.logger.Info("Process ignored, no stream wired", "process", name)
		return
	}
	r.wired[name] = true
	if r.Pipeline().IsRunning() {
		if err := sub.RunAsync(); err != nil {
			r.reportError(err, "run subpipeline", name, "")
		}
	}
	r.logger.Info("Process wired", "process", name, "streams", wired)
	for _, fn := range r.listeners(false) {
		fn(name)
	}
}

func (r *RendezvousPipeline) reportError(err error, action, process, stream string) {
	r.Metrics().RecordError("rendezvous", errors.Classify(err).String())
	r.logger.Warn("Wiring failed", "action", action, "process", process, "stream", stream, "error", err)
}

func (r *RendezvousPipeline) commandProcessAdded(p rendezvous.Process) {
	if strings.Contains(p.Name, r.name) {
		return
	}
	if r.commandHandler == nil {
		r.logger.Warn("Command process ignored without a command handler", "process", p.Name)
		return
	}
	sub := r.GetOrCreateSubpipeline(p.Name)
	wired := 0
	for _, ep := range p.Endpoints {
		e, ok := ep.(rendezvous.TCPSourceEndpoint)
		if !ok {
			continue
		}
		for _, s := range e.Streams {
			if s.Name != command.StreamName {
				continue
			}
			src, err := tcp.NewSource(sub, tcp.SourceConfig{Host: e.Host, Port: e.Port, Stream: s.Name}, command.Format())
			if err != nil {
				r.reportError(err, "open command stream", p.Name, s.Name)
				continue
			}
			source := p.Name
			pipeline.Do(sub, src.Out, func(m pipeline.Message[command.Message]) {
				r.commandHandler(source, m)
			})
			wired++
		}
	}
	r.finishProcess(p.Name, sub, wired, nil)
}

func (r *RendezvousPipeline) diagnosticsProcessAdded(p rendezvous.Process) {
	if strings.Contains(p.Name, r.name) || r.Dataset() == nil {
		return
	}
	session := r.CreateOrGetSession(r.DiagnosticsSessionName())
	sub := r.GetOrCreateSubpipeline(p.Name)
	wired := 0
	for _, ep := range p.Endpoints {
		e, ok := ep.(rendezvous.TCPSourceEndpoint)
		if !ok {
			continue
		}
		for _, s := range e.Streams {
			res, err := r.bindings.ResolveType(r.cfg.Pipeline.TypesSerializers, s.Name, s.TypeName)
			if err != nil {
				r.reportError(err, "resolve diagnostics", p.Name, s.Name)
				continue
			}
			src, err := res.Type.OpenTCP(sub, tcp.SourceConfig{Host: e.Host, Port: e.Port, Stream: s.Name}, res.Serializer)
			if err != nil {
				r.reportError(err, "open diagnostics", p.Name, s.Name)
				continue
			}
			wired += r.connect(p.Name, s.Name, p.Name, src, res, session, true)
		}
	}
	r.finishProcess(p.Name, sub, wired, session)
}

func (r *RendezvousPipeline) clockProcessAdded(p rendezvous.Process) {
	if r.cfg.Pipeline.ClockPort != 0 {
		return
	}
	for _, ep := range p.Endpoints {
		e, ok := ep.(rendezvous.RemoteClockExporterEndpoint)
		if !ok {
			continue
		}
		if _, err := clock.Import(r.ctx, r.Pipeline(), e.Host, e.Port, r.importerTimeout()); err != nil {
			r.reportError(err, "import clock", p.Name, "")
			continue
		}
		if r.cfg.Pipeline.AutomaticPipelineRun {
			if err := r.RunPipeline(); err != nil {
				r.reportError(err, "run pipeline", p.Name, "")
			}
		}
		return
	}
}

func (r *RendezvousPipeline) importerTimeout() time.Duration {
	if t := r.cfg.Pipeline.ImporterTimeout.Std(); t > 0 {
		return t
	}
	return 10 * time.Second
}
