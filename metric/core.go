package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the runtime.
const Namespace = "psistreams"

// Metrics are the runtime-wide metrics shared by pipelines, transports and stores.
// The Record methods are no-ops on a nil *Metrics.
type Metrics struct {
	PipelineStatus    *prometheus.GaugeVec
	MessagesPosted    *prometheus.CounterVec
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	SourceReconnects  *prometheus.CounterVec
	ConnectedClients  *prometheus.GaugeVec
	ProcessesKnown    prometheus.Gauge
	StoreWrites       *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	CommandsDelivered *prometheus.CounterVec
}

// NewMetrics creates the runtime metrics, unregistered
func NewMetrics() *Metrics {
	return &Metrics{
		PipelineStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "status",
			Help:      "Pipeline status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
		}, []string{"pipeline"}),

		MessagesPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "emitter",
			Name:      "posted_total",
			Help:      "Messages posted on an emitter",
		}, []string{"pipeline", "emitter"}),

		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Frames written to network peers",
		}, []string{"transport", "stream"}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Frames read from network peers",
		}, []string{"transport", "stream"}),

		SourceReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Connection attempts made by stream sources",
		}, []string{"transport", "stream"}),

		ConnectedClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "clients",
			Help:      "Clients currently attached to a server endpoint",
		}, []string{"transport", "endpoint"}),

		ProcessesKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "rendezvous",
			Name:      "processes",
			Help:      "Processes currently registered in the rendezvous",
		}),

		StoreWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Messages persisted to dataset stores",
		}, []string{"store"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Errors by component and class",
		}, []string{"component", "class"}),

		CommandsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "command",
			Name:      "delivered_total",
			Help:      "Remote commands accepted by this application",
		}, []string{"command"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PipelineStatus, m.MessagesPosted, m.FramesSent, m.FramesReceived,
		m.SourceReconnects, m.ConnectedClients, m.ProcessesKnown, m.StoreWrites,
		m.ErrorsTotal, m.CommandsDelivered,
	}
}

// RecordPipelineStatus sets the status gauge of a pipeline
func (m *Metrics) RecordPipelineStatus(pipeline string, status int) {
	if m == nil {
		return
	}
	m.PipelineStatus.WithLabelValues(pipeline).Set(float64(status))
}

// RecordPosted counts one message on an emitter
func (m *Metrics) RecordPosted(pipeline, emitter string) {
	if m == nil {
		return
	}
	m.MessagesPosted.WithLabelValues(pipeline, emitter).Inc()
}

// RecordFrameSent counts one outgoing frame
func (m *Metrics) RecordFrameSent(transport, stream string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(transport, stream).Inc()
}

// RecordFrameReceived counts one incoming frame
func (m *Metrics) RecordFrameReceived(transport, stream string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(transport, stream).Inc()
}

// RecordReconnect counts one connection attempt of a source
func (m *Metrics) RecordReconnect(transport, stream string) {
	if m == nil {
		return
	}
	m.SourceReconnects.WithLabelValues(transport, stream).Inc()
}

// RecordClients sets the number of attached clients on an endpoint
func (m *Metrics) RecordClients(transport, endpoint string, n int) {
	if m == nil {
		return
	}
	m.ConnectedClients.WithLabelValues(transport, endpoint).Set(float64(n))
}

// RecordProcesses sets the number of registered processes
func (m *Metrics) RecordProcesses(n int) {
	if m == nil {
		return
	}
	m.ProcessesKnown.Set(float64(n))
}

// RecordStoreWrite counts one persisted message
func (m *Metrics) RecordStoreWrite(store string) {
	if m == nil {
		return
	}
	m.StoreWrites.WithLabelValues(store).Inc()
}

// RecordError counts an error under its classification
func (m *Metrics) RecordError(component, class string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordCommand counts one accepted command
func (m *Metrics) RecordCommand(command string) {
	if m == nil {
		return
	}
	m.CommandsDelivered.WithLabelValues(command).Inc()
}
