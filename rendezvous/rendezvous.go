package rendezvous

import (
	"slices"
	"strings"
	"sync"
)

// ProcessFunc receives registry events
type ProcessFunc func(p Process)

// origin marks where a registry change came from, so relays do not send
// back what they received.
type origin string

const local origin = ""

type listener func(p Process, from origin)

// Rendezvous is the registry of known processes. Names are unique; adding a
// known name or removing an unknown one is a no-op. Callbacks run on the
// caller's goroutine, outside the lock, in registration order.
type Rendezvous struct {
	mu        sync.Mutex
	processes map[string]Process
	added     []listener
	removed   []listener
}

// New creates an empty registry
func New() *Rendezvous {
	return &Rendezvous{processes: make(map[string]Process)}
}

// TryAddProcess registers p and raises ProcessAdded. It reports false when the
// name is already registered.
func (r *Rendezvous) TryAddProcess(p Process) bool {
	return r.add(p, local)
}

// TryRemoveProcess unregisters a process and raises ProcessRemoved
func (r *Rendezvous) TryRemoveProcess(name string) bool {
	return r.remove(name, local)
}

// Process returns a registered process
func (r *Rendezvous) Process(name string) (Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processes[name]
	return p, ok
}

// Processes returns every registered process sorted by name
func (r *Rendezvous) Processes() []Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Process, 0, len(r.processes))
	for _, p := range r.processes {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Process) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// OnProcessAdded registers fn for additions
func (r *Rendezvous) OnProcessAdded(fn ProcessFunc) {
	r.listen(&r.added, func(p Process, _ origin) { fn(p) })
}

// OnProcessRemoved registers fn for removals. The removed process is passed
// as it was registered.
func (r *Rendezvous) OnProcessRemoved(fn ProcessFunc) {
	r.listen(&r.removed, func(p Process, _ origin) { fn(p) })
}

func (r *Rendezvous) listen(list *[]listener, fn listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*list = append(*list, fn)
}

func (r *Rendezvous) add(p Process, from origin) bool {
	r.mu.Lock()
	if _, exists := r.processes[p.Name]; exists {
		r.mu.Unlock()
		return false
	}
	r.processes[p.Name] = p
	listeners := slices.Clone(r.added)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(p, from)
	}
	return true
}

func (r *Rendezvous) remove(name string, from origin) bool {
	r.mu.Lock()
	p, exists := r.processes[name]
	if !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.processes, name)
	listeners := slices.Clone(r.removed)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(p, from)
	}
	return true
}

// removeAll unregisters names on behalf of a relay peer
func (r *Rendezvous) removeAll(names []string, from origin) {
	for _, name := range names {
		r.remove(name, from)
	}
}
