package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/saacpsi/psistreams/config"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/health"
	"github.com/saacpsi/psistreams/metric"
)

// MetricsService serves the prometheus registry and the health of the
// monitored services over HTTP.
type MetricsService struct {
	*BaseService

	cfg      config.MetricsConfig
	registry *metric.MetricsRegistry
	monitor  *health.Monitor

	mu       sync.Mutex
	server   *metric.Server
	services []HealthReporter
	serveErr chan error
}

// HealthReporter is anything reporting a named health status
type HealthReporter interface {
	Name() string
	Health() health.Status
}

// NewMetricsService creates the metrics endpoint for cfg
func NewMetricsService(cfg config.MetricsConfig, registry *metric.MetricsRegistry, opts ...Option) (*MetricsService, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: metrics port %d", errors.ErrInvalidConfig, cfg.Port),
			"MetricsService", "New", "validate port")
	}
	if registry == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "MetricsService", "New", "metrics registry not provided")
	}
	m := &MetricsService{
		cfg:      cfg,
		registry: registry,
		monitor:  health.NewMonitor(),
	}
	opts = append(opts, WithMetrics(registry), WithHealthCheck(m.healthCheck))
	m.BaseService = NewBaseService("metrics", opts...)
	return m, nil
}

// Watch adds a service to the /health report
func (m *MetricsService) Watch(s HealthReporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, s)
}

// Report aggregates the health of every watched service
func (m *MetricsService) Report() health.Status {
	m.mu.Lock()
	services := append([]HealthReporter(nil), m.services...)
	m.mu.Unlock()
	for _, s := range services {
		m.monitor.Update(s.Name(), s.Health())
	}
	return m.monitor.AggregateHealth(m.name)
}

// Start serves /metrics and /health in the background
func (m *MetricsService) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.server != nil {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "MetricsService", "Start", "start server")
	}
	m.server = metric.NewServer(m.cfg.Port, m.cfg.Path, m.registry, func() metric.HealthReport { return m.Report() })
	m.serveErr = make(chan error, 1)
	server, serveErr := m.server, m.serveErr
	m.mu.Unlock()

	go func() {
		if err := server.Start(); err != nil {
			m.logger.Error("Metrics server failed", "error", err)
			serveErr <- err
		}
		close(serveErr)
	}()
	if err := m.BaseService.Start(ctx); err != nil {
		return err
	}
	m.logger.Info("Metrics served", "url", server.Address())
	return nil
}

// Stop shuts the HTTP server down
func (m *MetricsService) Stop(timeout time.Duration) error {
	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()

	var err error
	if server != nil {
		err = server.Stop(timeout)
	}
	if serr := m.BaseService.Stop(timeout); err == nil {
		err = serr
	}
	return err
}

// Address returns the scrape URL
func (m *MetricsService) Address() string {
	return metric.NewServer(m.cfg.Port, m.cfg.Path, m.registry, nil).Address()
}

func (m *MetricsService) healthCheck() error {
	m.mu.Lock()
	server, serveErr := m.server, m.serveErr
	m.mu.Unlock()
	if server == nil {
		return fmt.Errorf("metrics server not running")
	}
	select {
	case err, ok := <-serveErr:
		if ok {
			return err
		}
		return fmt.Errorf("metrics server exited")
	default:
		return nil
	}
}
