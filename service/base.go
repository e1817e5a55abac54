// Package service hosts the long-running pipelines of the orchestrator: the
// DatasetPipeline owning the root pipeline and the recording dataset, the
// RendezvousPipeline wiring discovered processes into it, and the
// ReplayPipeline reading a recorded dataset back.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saacpsi/psistreams/binding"
	"github.com/saacpsi/psistreams/command"
	"github.com/saacpsi/psistreams/health"
	"github.com/saacpsi/psistreams/metric"
	"github.com/saacpsi/psistreams/natsclient"
)

// Status represents the current status of a service
type Status int

// Possible service statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Info holds runtime information for a service
type Info struct {
	Name               string        `json:"name"`
	Status             Status        `json:"status"`
	Uptime             time.Duration `json:"uptime"`
	StartTime          time.Time     `json:"start_time"`
	HealthChecks       int64         `json:"health_checks"`
	FailedHealthChecks int64         `json:"failed_health_checks"`
}

// HealthCheckFunc defines a custom health check function
type HealthCheckFunc func() error

type settings struct {
	logger          *slog.Logger
	metricsRegistry *metric.MetricsRegistry
	nats            *natsclient.Client
	bindings        *binding.Registry
	commandHandler  command.HandlerFunc
	healthCheckFunc HealthCheckFunc
	healthInterval  time.Duration
	onHealthChange  func(bool)
}

// Option is a functional option shared by the services
type Option func(*settings)

// WithNATS sets the NATS client used by the nats relay and the command subject
func WithNATS(client *natsclient.Client) Option {
	return func(s *settings) { s.nats = client }
}

// WithMetrics sets the metrics registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *settings) { s.metricsRegistry = registry }
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBindings sets the registry of stream types and transformers. The
// builtin registry is used otherwise.
func WithBindings(r *binding.Registry) Option {
	return func(s *settings) { s.bindings = r }
}

// WithCommandHandler sets the handler of commands received from command processes
func WithCommandHandler(fn command.HandlerFunc) Option {
	return func(s *settings) { s.commandHandler = fn }
}

// WithHealthCheck sets a custom health check function
func WithHealthCheck(fn HealthCheckFunc) Option {
	return func(s *settings) { s.healthCheckFunc = fn }
}

// WithHealthInterval sets the health check interval, 0 disables the monitor
func WithHealthInterval(interval time.Duration) Option {
	return func(s *settings) { s.healthInterval = interval }
}

// OnHealthChange sets a callback for health state changes
func OnHealthChange(fn func(bool)) Option {
	return func(s *settings) { s.onHealthChange = fn }
}

// BaseService tracks the lifecycle status and the health of a service
type BaseService struct {
	name string
	settings

	status    atomic.Value // Status
	startTime atomic.Value // time.Time
	healthy   atomic.Bool

	healthChecks       atomic.Int64
	failedHealthChecks atomic.Int64

	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	mu        sync.RWMutex
}

// NewBaseService creates a stopped service
func NewBaseService(name string, opts ...Option) *BaseService {
	s := &BaseService{
		name: name,
		settings: settings{
			healthInterval: 10 * time.Second,
			logger:         slog.Default(),
		},
	}
	for _, opt := range opts {
		opt(&s.settings)
	}
	s.logger = s.logger.With("service", name)
	s.startTime.Store(time.Time{})
	s.setStatus(StatusStopped)
	return s
}

func (s *BaseService) setStatus(st Status) {
	s.status.Store(st)
	if s.metricsRegistry != nil {
		s.metricsRegistry.CoreMetrics().RecordPipelineStatus(s.name, int(st))
	}
}

// Name returns the service name
func (s *BaseService) Name() string {
	return s.name
}

// Logger returns the service logger
func (s *BaseService) Logger() *slog.Logger {
	return s.logger
}

// Metrics returns the core metrics, nil without a registry
func (s *BaseService) Metrics() *metric.Metrics {
	if s.metricsRegistry == nil {
		return nil
	}
	return s.metricsRegistry.CoreMetrics()
}

// Status returns the current service status
func (s *BaseService) Status() Status {
	return s.status.Load().(Status)
}

// IsHealthy returns whether the last health check passed
func (s *BaseService) IsHealthy() bool {
	return s.healthy.Load()
}

// Health returns the standard health status for the service
func (s *BaseService) Health() health.Status {
	if s.Status() == StatusRunning && !s.healthy.Load() {
		return health.NewUnhealthy(s.name, fmt.Sprintf("Service is unhealthy (failed checks: %d)", s.failedHealthChecks.Load()))
	}
	switch status := s.Status(); status {
	case StatusRunning:
		return health.NewHealthy(s.name, "Service operating normally")
	case StatusStarting:
		return health.NewDegraded(s.name, "Service is starting")
	case StatusStopping:
		return health.NewDegraded(s.name, "Service is stopping")
	case StatusStopped:
		return health.NewUnhealthy(s.name, "Service is stopped")
	default:
		return health.NewUnhealthy(s.name, fmt.Sprintf("Unknown status: %v", status))
	}
}

// Start marks the service running and starts the health monitor. The
// service stops itself when ctx is cancelled.
func (s *BaseService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.Status(); st == StatusRunning || st == StatusStarting {
		return nil
	}
	s.setStatus(StatusStarting)
	s.startTime.Store(time.Now())

	monitorCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.performHealthCheck()
	if s.healthInterval > 0 {
		s.waitGroup.Add(1)
		go s.healthMonitor(monitorCtx)
	}
	s.waitGroup.Add(1)
	go s.contextMonitor(ctx, monitorCtx)

	s.setStatus(StatusRunning)
	return nil
}

// Stop stops the health monitor and marks the service stopped
func (s *BaseService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.Status(); st == StatusStopped || st == StatusStopping {
		return nil
	}
	s.setStatus(StatusStopping)
	s.shutdown(timeout)
	s.setStatus(StatusStopped)
	s.healthy.Store(false)
	return nil
}

func (s *BaseService) shutdown(timeout time.Duration) {
	if s.cancel != nil {
		s.cancel()
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	finished := make(chan struct{})
	go func() {
		s.waitGroup.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(timeout):
		s.logger.Warn("Service monitors did not stop in time", "timeout", timeout)
	}
}

// GetStatus returns the current service information
func (s *BaseService) GetStatus() Info {
	startTime := s.startTime.Load().(time.Time)
	uptime := time.Duration(0)
	if !startTime.IsZero() && s.Status() == StatusRunning {
		uptime = time.Since(startTime)
	}
	return Info{
		Name:               s.name,
		Status:             s.Status(),
		Uptime:             uptime,
		StartTime:          startTime,
		HealthChecks:       s.healthChecks.Load(),
		FailedHealthChecks: s.failedHealthChecks.Load(),
	}
}

func (s *BaseService) healthMonitor(ctx context.Context) {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.performHealthCheck()
		}
	}
}

func (s *BaseService) performHealthCheck() {
	s.healthChecks.Add(1)

	var err error
	if s.healthCheckFunc != nil {
		err = s.healthCheckFunc()
	}
	if err == nil && s.nats != nil && !s.nats.IsHealthy() {
		err = natsclient.ErrNotConnected
	}

	wasHealthy := s.healthy.Load()
	isHealthy := err == nil
	if err != nil {
		s.failedHealthChecks.Add(1)
		s.logger.Debug("Health check failed", "error", err)
	}
	s.healthy.Store(isHealthy)
	if wasHealthy != isHealthy && s.onHealthChange != nil {
		go s.onHealthChange(isHealthy)
	}
}

// contextMonitor marks the service stopped when the parent context ends
func (s *BaseService) contextMonitor(parent, monitors context.Context) {
	defer s.waitGroup.Done()
	<-monitors.Done()
	if parent.Err() == nil {
		return
	}
	if s.status.CompareAndSwap(StatusRunning, StatusStopping) {
		s.setStatus(StatusStopped)
		s.healthy.Store(false)
	}
}

// Service is the contract of the pipelines hosted by the orchestrator binary
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	IsHealthy() bool
	GetStatus() Info
	Health() health.Status
}
