package pipeline

import (
	"context"
	"time"

	"github.com/saacpsi/psistreams/component"
)

// Connect subscribes fn to src and removes the subscription when dst is
// disposed. Use it when the receiver lives in another pipeline than src.
func Connect[T any](src Source[T], dst *Pipeline, fn func(Message[T])) {
	unsubscribe := src.Subscribe(fn)
	dst.OnDispose(unsubscribe)
}

// Map creates an emitter in p carrying fn applied to every message of src,
// keeping the originating time.
func Map[T, U any](p *Pipeline, src Source[T], name string, fn func(T, Envelope) U) *Emitter[U] {
	out := NewEmitter[U](p, name)
	Connect(src, p, func(m Message[T]) {
		_ = out.Post(fn(m.Data, m.Envelope), m.OriginatingTime)
	})
	return out
}

// Bridge re-posts src into an emitter owned by p
func Bridge[T any](p *Pipeline, src Source[T], name string) *Emitter[T] {
	return Map(p, src, name, func(v T, _ Envelope) T { return v })
}

// Do calls fn for every message of src, in p
func Do[T any](p *Pipeline, src Source[T], fn func(Message[T])) {
	Connect(src, p, fn)
}

// Timer posts the pipeline time on Out every interval while the pipeline runs
type Timer struct {
	*component.Runner
	name     string
	interval time.Duration
	pipeline *Pipeline
	Out      *Emitter[time.Time]
}

// NewTimer creates a timer and adds it to p
func NewTimer(p *Pipeline, name string, interval time.Duration) (*Timer, error) {
	t := &Timer{
		Runner:   component.NewRunner(name),
		name:     name,
		interval: interval,
		pipeline: p,
		Out:      NewEmitter[time.Time](p, name),
	}
	if err := p.Add(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Meta describes the timer
func (t *Timer) Meta() component.Metadata {
	return component.Metadata{Name: t.name, Type: "source", Description: "Periodic pipeline time"}
}

// Health reports the timer as healthy while running
func (t *Timer) Health() component.HealthStatus { return t.HealthStatus(true) }

// DataFlow reports tick rates
func (t *Timer) DataFlow() component.FlowMetrics { return t.FlowMetrics() }

// Initialize is a no-op
func (t *Timer) Initialize() error { return nil }

// Start begins ticking
func (t *Timer) Start(ctx context.Context) error {
	runCtx, err := t.Begin(ctx)
	if err != nil {
		return err
	}
	t.Go(func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				now := t.pipeline.Now()
				if err := t.Out.Post(now, now); err != nil {
					return
				}
				t.RecordMessage(0)
			}
		}
	})
	return nil
}

// Stop ends ticking
func (t *Timer) Stop(timeout time.Duration) error { return t.End(timeout) }
