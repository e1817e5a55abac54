// Package component defines the lifecycle and discovery contract shared by
// everything that runs inside a pipeline.
package component

import (
	"time"
)

// Discoverable lets diagnostics and health endpoints inspect a component
type Discoverable interface {
	Meta() Metadata
	Health() HealthStatus
	DataFlow() FlowMetrics
}

// Metadata names a component in diagnostics
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // source, writer, exporter, processor
	Description string `json:"description"`
}

// HealthStatus is a component's view of itself at LastCheck
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}

// FlowMetrics are rates since the component started
type FlowMetrics struct {
	MessagesPerSecond float64   `json:"messages_per_second"`
	BytesPerSecond    float64   `json:"bytes_per_second"`
	ErrorRate         float64   `json:"error_rate"`
	LastActivity      time.Time `json:"last_activity"`
}
