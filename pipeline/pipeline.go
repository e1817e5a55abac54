// Package pipeline is the dataflow runtime the orchestrator builds on:
// pipelines and independently disposable subpipelines, typed emitters with
// timestamped FIFO delivery, a pipeline clock that can be aligned with a
// remote one, and a diagnostics stream.
package pipeline

import (
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/saacpsi/psistreams/component"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/metric"
)

// Status values exported on the pipeline status gauge
const (
	StatusStopped = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

type emitterStats interface {
	Name() string
	TypeName() string
	Posted() int64
	Subscribers() int
}

// Pipeline owns components, emitters and subpipelines. Disposing a pipeline
// stops its components, cancels every delivery goroutine it owns and
// disposes its subpipelines.
type Pipeline struct {
	name   string
	parent *Pipeline
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	components []component.LifecycleComponent
	emitters   []emitterStats
	children   map[string]*Pipeline
	onDispose  []func()
	running    bool
	disposed   bool

	clockOffset atomic.Int64 // root only
	metrics     *metric.Metrics

	diagnosticsInterval time.Duration
	diagnostics         *Emitter[Diagnostics]
}

// Option configures a root pipeline
type Option func(*Pipeline)

// WithLogger sets the logger shared with subpipelines
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records emitter and status metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithDiagnostics enables the diagnostics stream, posted every interval while running
func WithDiagnostics(interval time.Duration) Option {
	return func(p *Pipeline) { p.diagnosticsInterval = interval }
}

// New creates a root pipeline
func New(name string, opts ...Option) *Pipeline {
	p := &Pipeline{
		name:     name,
		logger:   slog.Default(),
		children: make(map[string]*Pipeline),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("pipeline", name)
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if p.diagnosticsInterval > 0 {
		p.diagnostics = NewEmitter[Diagnostics](p, "Diagnostics")
		p.components = append(p.components, newDiagnosticsSource(p, p.diagnosticsInterval))
	}
	p.metrics.RecordPipelineStatus(name, StatusStopped)
	return p
}

// NewSubpipeline creates a child scheduled with p. The child is started with
// p when p runs, or explicitly with RunAsync. An existing child of the same
// name is returned as is.
func (p *Pipeline) NewSubpipeline(name string) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	if child, ok := p.children[name]; ok {
		return child
	}

	child := &Pipeline{
		name:     name,
		parent:   p,
		logger:   p.logger.With("subpipeline", name),
		children: make(map[string]*Pipeline),
		metrics:  p.metrics,
	}
	child.ctx, child.cancel = context.WithCancel(p.ctx)
	if p.disposed {
		child.cancel()
		child.disposed = true
		return child
	}
	p.children[name] = child
	return child
}

// Name returns the pipeline name
func (p *Pipeline) Name() string { return p.name }

// Parent returns the owning pipeline, nil for a root
func (p *Pipeline) Parent() *Pipeline { return p.parent }

// Logger returns the pipeline logger
func (p *Pipeline) Logger() *slog.Logger { return p.logger }

// Metrics returns the core metrics, nil when the pipeline records none
func (p *Pipeline) Metrics() *metric.Metrics { return p.metrics }

// Context is cancelled when the pipeline is disposed
func (p *Pipeline) Context() context.Context { return p.ctx }

// Diagnostics returns the diagnostics stream of the root pipeline, nil when disabled
func (p *Pipeline) Diagnostics() *Emitter[Diagnostics] {
	return p.root().diagnostics
}

func (p *Pipeline) root() *Pipeline {
	r := p
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Now returns the pipeline clock: wall time plus the imported clock offset
func (p *Pipeline) Now() time.Time {
	return time.Now().Add(time.Duration(p.root().clockOffset.Load()))
}

// SetClockOffset aligns the pipeline clock with a remote clock
func (p *Pipeline) SetClockOffset(d time.Duration) {
	p.root().clockOffset.Store(int64(d))
}

// ClockOffset returns the current offset of the pipeline clock
func (p *Pipeline) ClockOffset() time.Duration {
	return time.Duration(p.root().clockOffset.Load())
}

// Add initializes c and attaches it to the pipeline. A running pipeline starts it immediately.
func (p *Pipeline) Add(c component.LifecycleComponent) error {
	if err := c.Initialize(); err != nil {
		return errors.Wrap(err, "Pipeline", "Add", "initialize "+c.Meta().Name)
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return errors.WrapInvalid(errors.ErrDisposed, "Pipeline", "Add", "add "+c.Meta().Name)
	}
	p.components = append(p.components, c)
	running := p.running
	p.mu.Unlock()

	if running {
		if err := c.Start(p.ctx); err != nil {
			return errors.Wrap(err, "Pipeline", "Add", "start "+c.Meta().Name)
		}
	}
	return nil
}

// Components returns the attached components
func (p *Pipeline) Components() []component.LifecycleComponent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.components)
}

// Subpipelines returns the child names, sorted
func (p *Pipeline) Subpipelines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.children))
	for name := range p.children {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Subpipeline returns a child by name
func (p *Pipeline) Subpipeline(name string) (*Pipeline, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	child, ok := p.children[name]
	return child, ok
}

// IsRunning reports whether RunAsync was called and the pipeline is not disposed
func (p *Pipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running && !p.disposed
}

// RunAsync starts every component and every subpipeline not yet running.
// Components keep running until Dispose.
func (p *Pipeline) RunAsync() error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return errors.WrapInvalid(errors.ErrDisposed, "Pipeline", "RunAsync", "run "+p.name)
	}
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	comps := slices.Clone(p.components)
	children := make([]*Pipeline, 0, len(p.children))
	for _, c := range p.children {
		children = append(children, c)
	}
	p.mu.Unlock()

	p.metrics.RecordPipelineStatus(p.name, StatusStarting)
	var errs []error
	for _, c := range comps {
		if err := c.Start(p.ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "Pipeline", "RunAsync", "start "+c.Meta().Name))
		}
	}
	for _, child := range children {
		if err := child.RunAsync(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := stderrors.Join(errs...); err != nil {
		p.metrics.RecordPipelineStatus(p.name, StatusFailed)
		return err
	}
	p.metrics.RecordPipelineStatus(p.name, StatusRunning)
	p.logger.Debug("Pipeline running", "components", len(comps), "subpipelines", len(children))
	return nil
}

// OnDispose registers fn to run once the pipeline is disposed
func (p *Pipeline) OnDispose(fn func()) {
	p.mu.Lock()
	if !p.disposed {
		p.onDispose = append(p.onDispose, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}

// Dispose stops every component with timeout, disposes subpipelines and
// cancels delivery. A subpipeline removes itself from its parent.
func (p *Pipeline) Dispose(timeout time.Duration) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	comps := slices.Clone(p.components)
	children := make([]*Pipeline, 0, len(p.children))
	for _, c := range p.children {
		children = append(children, c)
	}
	hooks := p.onDispose
	p.onDispose = nil
	p.mu.Unlock()

	p.metrics.RecordPipelineStatus(p.name, StatusStopping)
	var errs []error
	for _, child := range children {
		errs = append(errs, child.Dispose(timeout))
	}

	var g errgroup.Group
	for _, c := range comps {
		g.Go(func() error { return c.Stop(timeout) })
	}
	errs = append(errs, g.Wait())

	p.cancel()
	if !waitTimeout(&p.wg, timeout) {
		errs = append(errs, errors.WrapTransient(errors.ErrConnectionTimeout, "Pipeline", "Dispose", "join "+p.name))
	}

	for _, fn := range hooks {
		fn()
	}
	if p.parent != nil {
		p.parent.removeChild(p)
	}

	p.metrics.RecordPipelineStatus(p.name, StatusStopped)
	p.logger.Debug("Pipeline disposed")
	return stderrors.Join(errs...)
}

// IsDisposed reports whether Dispose was called
func (p *Pipeline) IsDisposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

func (p *Pipeline) removeChild(child *Pipeline) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.children[child.name] == child {
		delete(p.children, child.name)
	}
}

func (p *Pipeline) registerEmitter(e emitterStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitters = append(p.emitters, e)
}

// spawn runs fn on a goroutine joined by Dispose. It refuses once disposed.
func (p *Pipeline) spawn(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
	return true
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
