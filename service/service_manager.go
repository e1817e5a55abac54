package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/health"
)

// Manager starts services in registration order and stops them in reverse
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]Service
	order    []string
	started  []string
}

// NewManager creates an empty manager
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "service-manager"),
		services: make(map[string]Service),
	}
}

// Register adds a service. Names are unique.
func (m *Manager) Register(s Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.services[s.Name()]; exists {
		return errors.WrapInvalid(fmt.Errorf("service %s already registered", s.Name()),
			"Manager", "Register", "register "+s.Name())
	}
	m.services[s.Name()] = s
	m.order = append(m.order, s.Name())
	return nil
}

// Service returns a registered service
func (m *Manager) Service(name string) (Service, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[name]
	return s, ok
}

// StartAll starts every service in registration order. On failure the
// services already started are stopped again.
func (m *Manager) StartAll(ctx context.Context, timeout time.Duration) error {
	m.mu.RLock()
	order := slices.Clone(m.order)
	m.mu.RUnlock()

	for _, name := range order {
		s, _ := m.Service(name)
		m.logger.Debug("Starting service", "service", name)
		if err := s.Start(ctx); err != nil {
			m.logger.Error("Service start failed", "service", name, "error", err)
			return stderrors.Join(errors.Wrap(err, "Manager", "StartAll", "start "+name), m.StopAll(timeout))
		}
		m.mu.Lock()
		m.started = append(m.started, name)
		m.mu.Unlock()
	}
	m.logger.Info("All services started", "count", len(order))
	return nil
}

// StopAll stops the started services in reverse order
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	started := m.started
	m.started = nil
	m.mu.Unlock()

	var errs []error
	for _, name := range slices.Backward(started) {
		s, _ := m.Service(name)
		begin := time.Now()
		if err := s.Stop(timeout); err != nil {
			m.logger.Error("Service stop failed", "service", name, "duration_ms", time.Since(begin).Milliseconds(), "error", err)
			errs = append(errs, fmt.Errorf("stop service %s: %w", name, err))
			continue
		}
		m.logger.Debug("Service stopped", "service", name, "duration_ms", time.Since(begin).Milliseconds())
	}
	return stderrors.Join(errs...)
}

// Health aggregates the health of every registered service
func (m *Manager) Health() health.Status {
	m.mu.RLock()
	subs := make([]health.Status, 0, len(m.order))
	for _, name := range m.order {
		subs = append(subs, m.services[name].Health())
	}
	m.mu.RUnlock()
	return health.Aggregate("services", subs)
}
