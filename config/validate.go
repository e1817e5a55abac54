package config

import (
	"fmt"
	"slices"

	"github.com/saacpsi/psistreams/errors"
)

func invalid(format string, args ...any) error {
	return errors.WrapFatal(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "validate")
}

func validPort(p int) bool { return p >= 0 && p <= 65535 }

// Validate checks the semantic rules the schema cannot express
func (c *Config) Validate() error {
	if c.Name == "" {
		return invalid("name is required")
	}

	p := &c.Pipeline
	if p.RendezVousPort <= 0 || p.RendezVousPort > 65535 {
		return invalid("pipeline.rendezvous_port %d out of range", p.RendezVousPort)
	}
	for name, port := range map[string]int{
		"diagnostic_port": p.DiagnosticPort,
		"command_port":    p.CommandPort,
		"clock_port":      p.ClockPort,
		"metrics.port":    c.Metrics.Port,
		"websocket.port":  c.WebSocket.Port,
	} {
		if !validPort(port) {
			return invalid("%s %d out of range", name, port)
		}
	}

	if !slices.Contains([]DiagnosticsMode{DiagnosticsOff, DiagnosticsStore, DiagnosticsExport}, p.Diagnostics) {
		return invalid("unknown diagnostics mode %q", p.Diagnostics)
	}
	if !slices.Contains([]SessionNamingMode{SessionUnique, SessionIncrement, SessionOverwrite}, p.SessionMode) {
		return invalid("unknown session mode %q", p.SessionMode)
	}
	if !slices.Contains([]StoreMode{StoreIndependant, StoreProcess, StoreDictionnary}, p.StoreMode) {
		return invalid("unknown store mode %q", p.StoreMode)
	}
	if p.ImporterTimeout <= 0 {
		return invalid("pipeline.importer_timeout must be positive")
	}
	if p.Diagnostics == DiagnosticsExport && p.DiagnosticPort == 0 {
		return invalid("diagnostics export requires pipeline.diagnostic_port")
	}

	// A hosting relay without a clock port never receives a ClockSynch process to start it.
	if p.AutomaticPipelineRun && p.ClockPort == 0 && c.IsServer() {
		return errors.WrapFatal(errors.ErrClockPortRequired, "Config", "Validate", "validate")
	}

	switch c.Relay.Kind {
	case RelayTCP:
	case RelayNATS:
		if c.NATS.URL == "" {
			return invalid("nats relay requires nats.url")
		}
		if c.Relay.Bucket == "" {
			return invalid("nats relay requires relay.bucket")
		}
		if (c.NATS.Username == "") != (c.NATS.Password == "") {
			return invalid("nats.username and nats.password go together")
		}
		if c.NATS.Token != "" && c.NATS.Username != "" {
			return invalid("nats.token excludes nats.username")
		}
		if c.NATS.ReconnectWait < 0 || c.NATS.PingInterval < 0 || c.NATS.DrainTimeout < 0 || c.NATS.MaxBackoff < 0 {
			return invalid("nats durations must not be negative")
		}
	default:
		return invalid("unknown relay kind %q", c.Relay.Kind)
	}

	if c.Groups.Topic != "" {
		if !slices.Contains([]string{DetectorInstant, DetectorEntry, DetectorIntegrated, DetectorFlock}, c.Groups.Detector) {
			return invalid("unknown group detector %q", c.Groups.Detector)
		}
		if c.Groups.Detector == DetectorFlock && c.Groups.QueueMaxCount < 2 {
			return invalid("groups.queue_max_count must be at least 2")
		}
	}
	if c.Attention.Topic != "" {
		if c.Attention.SampleRate <= 0 {
			return invalid("attention.sample_rate must be positive")
		}
		if c.Attention.Window <= 0 || c.Attention.TickInterval <= 0 {
			return invalid("attention window and tick interval must be positive")
		}
	}
	return nil
}
