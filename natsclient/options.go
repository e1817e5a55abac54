package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/saacpsi/psistreams/metric"
)

// ClientOption configures a Client
type ClientOption func(*Client) error

// WithMaxReconnects sets the maximum reconnection attempts (-1 for infinite)
func WithMaxReconnects(max int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = max
		return nil
	}
}

// WithReconnectWait sets the wait between reconnection attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets the server ping interval
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.pingInterval = d
		return nil
	}
}

// WithTimeout sets the dial timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds Close
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.drainTimeout = d
		return nil
	}
}

// WithName sets the client name shown in server monitoring
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithCredentials sets user/password authentication
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken sets token authentication
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithCircuitBreakerThreshold sets the failures before the circuit opens
func WithCircuitBreakerThreshold(threshold int32) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			threshold = 5
		}
		c.circuitThreshold = threshold
		return nil
	}
}

// WithMaxBackoff caps the circuit breaker backoff
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.maxBackoff = d
		return nil
	}
}

// WithHealthChangeCallback sets a callback for connection health changes
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// WithMetrics exports connection status, reconnects and publishes
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		if registry == nil {
			return nil
		}
		m, err := newNATSMetrics(registry)
		if err != nil {
			return err
		}
		c.metrics = m
		return nil
	}
}

type natsMetrics struct {
	status     prometheus.Gauge
	reconnects prometheus.Counter
	published  prometheus.Counter
}

func newNATSMetrics(registry *metric.MetricsRegistry) (*natsMetrics, error) {
	m := &natsMetrics{
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats",
			Name:      "status",
			Help:      "NATS connection status (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=circuit open)",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "NATS reconnections",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "nats",
			Name:      "published_total",
			Help:      "Messages published on NATS",
		}),
	}
	if err := registry.RegisterGauge("nats", "status", m.status); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("nats", "reconnects_total", m.reconnects); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("nats", "published_total", m.published); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *natsMetrics) recordStatus(s ConnectionStatus) {
	m.status.Set(float64(s))
}
