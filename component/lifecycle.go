package component

import (
	"context"
	"time"
)

// State is where a Runner is in its lifecycle
type State int

const (
	StateCreated State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// LifecycleComponent is anything a pipeline can own: sources, writers,
// detectors, exporters.
//
//   - Initialize() error: allocate, validate; no I/O
//   - Start(ctx) error: spawn goroutines bound to ctx and return
//   - Stop(timeout) error: release resources; idempotent
type LifecycleComponent interface {
	Discoverable
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}
