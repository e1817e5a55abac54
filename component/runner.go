package component

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/saacpsi/psistreams/errors"
)

// Runner holds the start/stop bookkeeping shared by pipeline components:
// a cancellable context for the goroutines it spawns, a WaitGroup joined
// with a bounded timeout on stop, and the Activity counters.
type Runner struct {
	Activity

	name   string
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a Runner; name is used in errors
func NewRunner(name string) *Runner {
	return &Runner{name: name}
}

// Begin derives the run context. It fails on a nil context or a second call.
func (r *Runner) Begin(ctx context.Context) (context.Context, error) {
	if ctx == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil context"), r.name, "Start", "validate context")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCreated {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStarted, r.name, "Start", "start")
	}
	r.state = StateStarted
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.MarkStarted()
	return runCtx, nil
}

// Go runs fn on a tracked goroutine
func (r *Runner) Go(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// End cancels the run context and waits for tracked goroutines. Safe to call
// repeatedly and before Begin.
func (r *Runner) End(timeout time.Duration) error {
	r.mu.Lock()
	if r.state != StateStarted {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopped
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.MarkStopped()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout), r.name, "Stop", "graceful shutdown")
	}
}

// Started reports whether Begin succeeded
func (r *Runner) Started() bool {
	return r.State() != StateCreated
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
