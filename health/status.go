// Package health reports the state of pipelines, transports and the rendezvous link.
package health

import (
	"regexp"
	"time"

	"github.com/saacpsi/psistreams/component"
)

// State values carried by Status.Status
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var sanitizers = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile(`(?:https?|nats|wss?)://[^\s]+`), "[URL]"},
	{regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`), "[REDACTED]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(?::\d{2,5})?\b`), "[ADDR]"},
}

// Status represents the health of a component or of a whole application
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related counters
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded creates a degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool { return s.Status == StateHealthy }

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool { return s.Status == StateDegraded }

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// Aggregate folds sub-statuses: any unhealthy makes the whole unhealthy,
// otherwise any degraded makes it degraded.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "no components")
	}

	state := StateHealthy
	for _, sub := range subStatuses {
		if sub.IsUnhealthy() {
			state = StateUnhealthy
			break
		}
		if sub.IsDegraded() {
			state = StateDegraded
		}
	}

	var status Status
	switch state {
	case StateUnhealthy:
		status = NewUnhealthy(component, "one or more components are unhealthy")
	case StateDegraded:
		status = NewDegraded(component, "one or more components are degraded")
	default:
		status = NewHealthy(component, "all components are healthy")
	}
	status.SubStatuses = append([]Status(nil), subStatuses...)
	return status
}

func sanitizeErrorMessage(msg string) string {
	for _, s := range sanitizers {
		msg = s.re.ReplaceAllString(msg, s.with)
	}
	return msg
}

// FromComponentHealth converts a component.HealthStatus, redacting addresses
// and credentials from the last error.
func FromComponentHealth(name string, ch component.HealthStatus) Status {
	var status Status
	if ch.Healthy {
		status = NewHealthy(name, "component healthy")
	} else {
		status = NewUnhealthy(name, "component unhealthy")
	}
	if ch.LastError != "" {
		status.Message = sanitizeErrorMessage(ch.LastError)
	}
	return status.WithMetrics(&Metrics{
		Uptime:       ch.Uptime,
		ErrorCount:   ch.ErrorCount,
		LastActivity: ch.LastCheck,
	})
}
