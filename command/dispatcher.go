package command

import (
	"log/slog"
	"sync"

	"github.com/saacpsi/psistreams/metric"
	"github.com/saacpsi/psistreams/pipeline"
)

// HandlerFunc acts on a command received from source. The envelope keeps
// the originating time and sequence of the command.
type HandlerFunc func(source string, m pipeline.Message[Message])

// Dispatcher routes the commands addressed to one application to its handlers.
// Commands for other applications are dropped without side effects.
type Dispatcher struct {
	app     string
	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.RWMutex
	handlers map[Command]HandlerFunc
}

// NewDispatcher creates a dispatcher for application app
func NewDispatcher(app string, logger *slog.Logger, metrics *metric.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		app:      app,
		logger:   logger.With("component", "command-dispatcher", "app", app),
		metrics:  metrics,
		handlers: make(map[Command]HandlerFunc),
	}
}

// Handle sets the handler of c
func (d *Dispatcher) Handle(c Command, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[c] = fn
}

// Dispatch runs the handler of m when m addresses this application. It
// reports whether a handler ran.
func (d *Dispatcher) Dispatch(source string, m pipeline.Message[Message]) bool {
	if !m.Data.Accepts(d.app) {
		return false
	}
	d.mu.RLock()
	fn, ok := d.handlers[m.Data.Command]
	d.mu.RUnlock()
	if !ok {
		d.logger.Debug("No handler for command", "command", m.Data.Command, "source", source)
		return false
	}
	d.metrics.RecordCommand(m.Data.Command.String())
	fn(source, m)
	return true
}
