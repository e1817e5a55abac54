package health

import (
	"sort"
	"sync"
	"time"
)

// Monitor tracks the latest status of named components
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records the status of a component
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

// Get retrieves the status of a component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Remove stops tracking a component
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	m.mu.Unlock()
}

// Names returns the tracked component names, sorted
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AggregateHealth folds all tracked statuses, ordered by name
func (m *Monitor) AggregateHealth(systemName string) Status {
	names := m.Names()
	m.mu.RLock()
	subs := make([]Status, 0, len(names))
	for _, name := range names {
		if st, ok := m.statuses[name]; ok {
			subs = append(subs, st)
		}
	}
	m.mu.RUnlock()
	return Aggregate(systemName, subs)
}
