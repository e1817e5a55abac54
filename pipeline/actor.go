package pipeline

import (
	"context"
	"time"

	"github.com/saacpsi/psistreams/component"
)

const actorInboxSize = 64

// Actor runs the handlers of a stateful stage on one goroutine. Every input
// connected with ReceiveOn is queued on a single inbox, so the stage state
// is never touched concurrently and inputs are applied in arrival order.
type Actor struct {
	*component.Runner
	name        string
	description string
	pipeline    *Pipeline
	inbox       chan func()
}

// NewActor creates an actor in p. The caller adds it (or the stage
// embedding it) to p once its inputs are connected.
func NewActor(p *Pipeline, name, description string) *Actor {
	return &Actor{
		Runner:      component.NewRunner(name),
		name:        name,
		description: description,
		pipeline:    p,
		inbox:       make(chan func(), actorInboxSize),
	}
}

// Meta describes the actor
func (a *Actor) Meta() component.Metadata {
	return component.Metadata{Name: a.name, Type: "processor", Description: a.description}
}

// Health reports the actor healthy while it runs
func (a *Actor) Health() component.HealthStatus { return a.HealthStatus(a.Running()) }

// DataFlow reports posted results
func (a *Actor) DataFlow() component.FlowMetrics { return a.FlowMetrics() }

// Initialize is a no-op
func (a *Actor) Initialize() error { return nil }

// Start drains the inbox until the pipeline stops
func (a *Actor) Start(ctx context.Context) error {
	runCtx, err := a.Begin(ctx)
	if err != nil {
		return err
	}
	a.Go(func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case fn := <-a.inbox:
				fn()
			}
		}
	})
	return nil
}

// Stop ends the actor
func (a *Actor) Stop(timeout time.Duration) error { return a.End(timeout) }

// Enqueue schedules fn on the actor goroutine. It blocks while the inbox is
// full and gives up once the pipeline is disposed.
func (a *Actor) Enqueue(fn func()) {
	select {
	case a.inbox <- fn:
	case <-a.pipeline.Context().Done():
	}
}

// ReceiveOn delivers every message of src to fn on the actor goroutine
func ReceiveOn[T any](a *Actor, src Source[T], fn func(Message[T])) {
	Connect(src, a.pipeline, func(m Message[T]) {
		a.Enqueue(func() { fn(m) })
	})
}

// Emit posts v on out and counts it in the actor activity
func Emit[T any](a *Actor, out *Emitter[T], v T, t time.Time) {
	if err := out.Post(v, t); err != nil {
		a.RecordError(err)
		return
	}
	a.RecordMessage(0)
}
