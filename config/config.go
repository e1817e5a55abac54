// Package config loads the orchestrator configuration from JSON or YAML files,
// applies defaults and environment overrides, and validates the result both
// structurally (embedded JSON schema) and semantically (Validate).
package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DiagnosticsMode selects what happens to the pipeline diagnostics stream
type DiagnosticsMode string

// Diagnostics modes
const (
	DiagnosticsOff    DiagnosticsMode = "Off"
	DiagnosticsStore  DiagnosticsMode = "Store"
	DiagnosticsExport DiagnosticsMode = "Export"
)

// SessionNamingMode selects how sessions are named when a process is recorded
type SessionNamingMode string

// Session naming modes
const (
	SessionUnique    SessionNamingMode = "Unique"
	SessionIncrement SessionNamingMode = "Increment"
	SessionOverwrite SessionNamingMode = "Overwrite"
)

// StoreMode selects how store names are derived from stream and process names
type StoreMode string

// Store modes. The spellings are part of the configuration surface.
const (
	StoreIndependant StoreMode = "Independant"
	StoreProcess     StoreMode = "Process"
	StoreDictionnary StoreMode = "Dictionnary"
)

// Relay kinds
const (
	RelayTCP  = "tcp"
	RelayNATS = "nats"
)

// Group detectors
const (
	DetectorInstant    = "instant"
	DetectorEntry      = "entry"
	DetectorIntegrated = "integrated"
	DetectorFlock      = "flock"
)

// Config is the complete orchestrator configuration
type Config struct {
	Name      string          `json:"name"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Relay     RelayConfig     `json:"relay"`
	NATS      NATSConfig      `json:"nats"`
	Metrics   MetricsConfig   `json:"metrics"`
	WebSocket WebSocketConfig `json:"websocket"`
	Groups    GroupsConfig    `json:"groups"`
	Attention AttentionConfig `json:"attention"`
}

// PipelineConfig holds the rendezvous and dataset options of a pipeline
type PipelineConfig struct {
	RendezVousHost string `json:"rendezvous_host"` // host advertised in endpoints
	RendezVousPort int    `json:"rendezvous_port"`
	DiagnosticPort int    `json:"diagnostic_port"`
	CommandPort    int    `json:"command_port"` // 0 disables the command channel
	ClockPort      int    `json:"clock_port"`   // 0 imports the clock from a ClockSynch process

	Diagnostics           DiagnosticsMode `json:"diagnostics"`
	Debug                 bool            `json:"debug"`
	AutomaticPipelineRun  bool            `json:"automatic_pipeline_run"`
	RecordIncomingProcess bool            `json:"record_incoming_process"`

	SessionMode SessionNamingMode `json:"session_mode"`
	StoreMode   StoreMode         `json:"store_mode"`
	DatasetPath string            `json:"dataset_path"`
	DatasetName string            `json:"dataset_name"` // empty disables recording
	SessionName string            `json:"session_name"`

	TopicsTypes      map[string]string `json:"topics_types"`      // topic -> type name
	Transformers     map[string]string `json:"transformers"`      // topic -> transformer name
	TypesSerializers map[string]string `json:"types_serializers"` // type name -> serializer name
	NotStoredTopics  []string          `json:"not_stored_topics"`
	StreamToStore    map[string]string `json:"stream_to_store"` // stream -> template with %s and %p

	ImporterTimeout Duration `json:"importer_timeout"`
}

// RelayConfig selects the rendezvous relay implementation
type RelayConfig struct {
	Kind string `json:"kind"`
	// ServerAddress names a remote relay server. Empty hosts the relay.
	ServerAddress string `json:"server_address"`
	Bucket        string `json:"bucket"` // NATS KV bucket for the nats relay
}

// NATSConfig configures the NATS connection used by the nats relay
type NATSConfig struct {
	URL     string   `json:"url"`
	Timeout Duration `json:"timeout"`

	// Username and Password are used together; Token is the alternative
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`

	MaxReconnects    int      `json:"max_reconnects"` // -1 retries forever
	ReconnectWait    Duration `json:"reconnect_wait"`
	PingInterval     Duration `json:"ping_interval"`
	DrainTimeout     Duration `json:"drain_timeout"`
	CircuitThreshold int32    `json:"circuit_threshold"`
	MaxBackoff       Duration `json:"max_backoff"`

	// CommandSubject fans commands out over NATS. Empty disables it.
	CommandSubject string `json:"command_subject,omitempty"`
}

// MetricsConfig configures the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// WebSocketConfig configures the WebSocket manager server
type WebSocketConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// GroupsConfig attaches a group detector to a wired stream
type GroupsConfig struct {
	Topic        string `json:"topic"` // empty disables detection
	RemovedTopic string `json:"removed_topic"`
	Detector     string `json:"detector"`

	DistanceThreshold      float64  `json:"distance_threshold"`
	FormationDelay         Duration `json:"formation_delay"`
	IncreaseWeightFactor   float64  `json:"increase_weight_factor"`
	DecreaseWeightFactor   float64  `json:"decrease_weight_factor"`
	IntersectionPercentage float64  `json:"intersection_percentage"`
	QueueMaxCount          int      `json:"queue_max_count"`
	DistanceWeight         float64  `json:"distance_weight"`
	VelocityWeight         float64  `json:"velocity_weight"`
	DirectionWeight        float64  `json:"direction_weight"`
	ModelThreshold         float64  `json:"model_threshold"`
}

// AttentionConfig attaches the eye movement classifier to a wired gaze stream
type AttentionConfig struct {
	Topic             string   `json:"topic"` // empty disables attention measures
	VelocityThreshold float64  `json:"velocity_threshold"`
	SampleRate        float64  `json:"sample_rate"`
	UseElapsedTime    bool     `json:"use_elapsed_time"`
	Window            Duration `json:"window"`
	TickInterval      Duration `json:"tick_interval"`
	RankIncrease      float64  `json:"rank_increase"`
	RankDecrease      float64  `json:"rank_decrease"`
}

// Default returns the configuration used when a file omits a field
func Default() *Config {
	return &Config{
		Name: "RendezVousPipeline",
		Pipeline: PipelineConfig{
			RendezVousHost:        "localhost",
			RendezVousPort:        13331,
			DiagnosticPort:        11512,
			CommandPort:           11511,
			ClockPort:             11510,
			Diagnostics:           DiagnosticsOff,
			RecordIncomingProcess: true,
			SessionMode:           SessionIncrement,
			StoreMode:             StoreIndependant,
			TopicsTypes:           map[string]string{},
			Transformers:          map[string]string{},
			TypesSerializers:      map[string]string{},
			NotStoredTopics:       []string{},
			StreamToStore:         map[string]string{},
			ImporterTimeout:       Duration(10 * time.Second),
		},
		Relay: RelayConfig{
			Kind:   RelayTCP,
			Bucket: "psistreams-processes",
		},
		NATS: NATSConfig{
			URL:              "nats://localhost:4222",
			Timeout:          Duration(5 * time.Second),
			MaxReconnects:    -1,
			ReconnectWait:    Duration(2 * time.Second),
			PingInterval:     Duration(30 * time.Second),
			DrainTimeout:     Duration(10 * time.Second),
			CircuitThreshold: 5,
			MaxBackoff:       Duration(time.Minute),
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		WebSocket: WebSocketConfig{
			Port: 8765,
		},
		Groups: GroupsConfig{
			Detector:               DetectorInstant,
			DistanceThreshold:      0.8,
			FormationDelay:         Duration(2 * time.Second),
			IncreaseWeightFactor:   3,
			DecreaseWeightFactor:   2,
			IntersectionPercentage: 0.8,
			QueueMaxCount:          60,
			DistanceWeight:         1,
			ModelThreshold:         0.8,
		},
		Attention: AttentionConfig{
			VelocityThreshold: 100,
			SampleRate:        60,
			Window:            Duration(time.Second),
			TickInterval:      Duration(100 * time.Millisecond),
			RankIncrease:      10,
			RankDecrease:      -1,
		},
	}
}

// IsServer reports whether this instance hosts the relay
func (c *Config) IsServer() bool {
	return c.Relay.ServerAddress == ""
}

// IsStored reports whether a topic is persisted when wired
func (p *PipelineConfig) IsStored(topic string) bool {
	return !slices.Contains(p.NotStoredTopics, topic)
}

// RecordingEnabled reports whether a dataset is opened
func (p *PipelineConfig) RecordingEnabled() bool {
	return p.DatasetName != ""
}

// String renders the configuration as indented JSON for logs
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{Name: %s}", c.Name)
	}
	return string(data)
}

// Duration is a time.Duration read from "1m30s" style strings, "2d" day
// counts, or plain numbers of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts strings and numbers
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
	case string:
		parsed, err := parseDurationWithDays(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
