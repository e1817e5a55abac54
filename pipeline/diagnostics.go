package pipeline

import (
	"context"
	"time"

	"github.com/saacpsi/psistreams/component"
)

// Diagnostics is a snapshot of a pipeline tree
type Diagnostics struct {
	Time         time.Time              `json:"time"`
	Pipeline     string                 `json:"pipeline"`
	Running      bool                   `json:"running"`
	Components   []ComponentDiagnostics `json:"components,omitempty"`
	Emitters     []EmitterDiagnostics   `json:"emitters,omitempty"`
	Subpipelines []Diagnostics          `json:"subpipelines,omitempty"`
}

// ComponentDiagnostics describes one component
type ComponentDiagnostics struct {
	Name   string                 `json:"name"`
	Type   string                 `json:"type"`
	Health component.HealthStatus `json:"health"`
	Flow   component.FlowMetrics  `json:"flow"`
}

// EmitterDiagnostics describes one emitter
type EmitterDiagnostics struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Posted      int64  `json:"posted"`
	Subscribers int    `json:"subscribers"`
}

// Snapshot captures the state of p and its subpipelines
func (p *Pipeline) Snapshot() Diagnostics {
	p.mu.Lock()
	d := Diagnostics{
		Time:     p.Now(),
		Pipeline: p.name,
		Running:  p.running && !p.disposed,
	}
	comps := append([]component.LifecycleComponent(nil), p.components...)
	emitters := append([]emitterStats(nil), p.emitters...)
	children := make([]*Pipeline, 0, len(p.children))
	for _, c := range p.children {
		children = append(children, c)
	}
	p.mu.Unlock()

	for _, c := range comps {
		meta := c.Meta()
		d.Components = append(d.Components, ComponentDiagnostics{
			Name:   meta.Name,
			Type:   meta.Type,
			Health: c.Health(),
			Flow:   c.DataFlow(),
		})
	}
	for _, e := range emitters {
		d.Emitters = append(d.Emitters, EmitterDiagnostics{
			Name:        e.Name(),
			Type:        e.TypeName(),
			Posted:      e.Posted(),
			Subscribers: e.Subscribers(),
		})
	}
	for _, c := range children {
		d.Subpipelines = append(d.Subpipelines, c.Snapshot())
	}
	return d
}

// diagnosticsSource posts a snapshot of its pipeline on every tick
type diagnosticsSource struct {
	*component.Runner
	pipeline *Pipeline
	interval time.Duration
}

func newDiagnosticsSource(p *Pipeline, interval time.Duration) *diagnosticsSource {
	return &diagnosticsSource{
		Runner:   component.NewRunner("diagnostics"),
		pipeline: p,
		interval: interval,
	}
}

func (d *diagnosticsSource) Meta() component.Metadata {
	return component.Metadata{
		Name:        d.pipeline.name + "-diagnostics",
		Type:        "source",
		Description: "Periodic pipeline diagnostics",
	}
}

func (d *diagnosticsSource) Health() component.HealthStatus { return d.HealthStatus(true) }

func (d *diagnosticsSource) DataFlow() component.FlowMetrics { return d.FlowMetrics() }

func (d *diagnosticsSource) Initialize() error { return nil }

func (d *diagnosticsSource) Start(ctx context.Context) error {
	runCtx, err := d.Begin(ctx)
	if err != nil {
		return err
	}
	d.Go(func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				snap := d.pipeline.Snapshot()
				if err := d.pipeline.diagnostics.Post(snap, snap.Time); err != nil {
					return
				}
				d.RecordMessage(0)
			}
		}
	})
	return nil
}

func (d *diagnosticsSource) Stop(timeout time.Duration) error { return d.End(timeout) }
