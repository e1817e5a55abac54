package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saacpsi/psistreams/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return l
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 13331, cfg.Pipeline.RendezVousPort)
	assert.Equal(t, 11512, cfg.Pipeline.DiagnosticPort)
	assert.Equal(t, 11511, cfg.Pipeline.CommandPort)
	assert.Equal(t, 11510, cfg.Pipeline.ClockPort)
	assert.Equal(t, SessionIncrement, cfg.Pipeline.SessionMode)
	assert.Equal(t, StoreIndependant, cfg.Pipeline.StoreMode)
	assert.True(t, cfg.Pipeline.RecordIncomingProcess)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.ImporterTimeout.Std())
	assert.True(t, cfg.IsServer())
	assert.False(t, cfg.Pipeline.RecordingEnabled())
}

func TestLoader_LoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"name": "Server",
		"pipeline": {
			"rendezvous_host": "10.0.0.2",
			"session_mode": "Overwrite",
			"store_mode": "Dictionnary",
			"dataset_path": "/data",
			"dataset_name": "Experiment.pds",
			"session_name": "Sess",
			"topics_types": {"Head": "vec3", "Command": "command"},
			"not_stored_topics": ["Command"],
			"stream_to_store": {"Head": "%s-%p-Positions"},
			"importer_timeout": "3s"
		}
	}`)

	l := newTestLoader(nil)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "Server", cfg.Name)
	assert.Equal(t, "10.0.0.2", cfg.Pipeline.RendezVousHost)
	assert.Equal(t, SessionOverwrite, cfg.Pipeline.SessionMode)
	assert.Equal(t, StoreDictionnary, cfg.Pipeline.StoreMode)
	assert.Equal(t, "vec3", cfg.Pipeline.TopicsTypes["Head"])
	assert.Equal(t, 3*time.Second, cfg.Pipeline.ImporterTimeout.Std())
	assert.False(t, cfg.Pipeline.IsStored("Command"))
	assert.True(t, cfg.Pipeline.IsStored("Head"))
	assert.True(t, cfg.Pipeline.RecordingEnabled())

	// untouched fields keep their defaults
	assert.Equal(t, 13331, cfg.Pipeline.RendezVousPort)
	assert.True(t, cfg.Pipeline.RecordIncomingProcess)
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
name: Client
relay:
  kind: nats
  server_address: relay.local
  bucket: procs
nats:
  url: nats://broker:4222
  timeout: 2
  token: s3cret
  max_reconnects: 3
  reconnect_wait: 500ms
  command_subject: psistreams.commands
groups:
  topic: Bodies
  detector: integrated
  formation_delay: 1d
attention:
  topic: Gaze
  use_elapsed_time: true
`)

	l := newTestLoader(nil)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, RelayNATS, cfg.Relay.Kind)
	assert.False(t, cfg.IsServer())
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 2*time.Second, cfg.NATS.Timeout.Std())
	assert.Equal(t, "s3cret", cfg.NATS.Token)
	assert.Equal(t, 3, cfg.NATS.MaxReconnects)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ReconnectWait.Std())
	assert.Equal(t, time.Minute, cfg.NATS.MaxBackoff.Std(), "unset fields keep their default")
	assert.Equal(t, "psistreams.commands", cfg.NATS.CommandSubject)
	assert.Equal(t, DetectorIntegrated, cfg.Groups.Detector)
	assert.Equal(t, 24*time.Hour, cfg.Groups.FormationDelay.Std())
	assert.True(t, cfg.Attention.UseElapsedTime)
	assert.Equal(t, 60.0, cfg.Attention.SampleRate)
}

func TestLoader_Layers(t *testing.T) {
	base := writeFile(t, "base.json", `{"name": "A", "pipeline": {"command_port": 2000, "debug": true}}`)
	override := writeFile(t, "override.yml", "pipeline:\n  command_port: 3000\n")

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "A", cfg.Name)
	assert.Equal(t, 3000, cfg.Pipeline.CommandPort)
	assert.True(t, cfg.Pipeline.Debug)
}

func TestLoader_SchemaRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", `{"pipeline": {"bogus": 1}}`},
		{"bad enum", `{"pipeline": {"store_mode": "Independent"}}`},
		{"port out of range", `{"pipeline": {"command_port": 70000}}`},
		{"wrong type", `{"pipeline": {"debug": "yes"}}`},
		{"bad detector", `{"groups": {"detector": "kmeans"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "config.json", tt.content)
			_, err := newTestLoader(nil).LoadFile(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestLoader_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, "config.toml", `name = "x"`)
	_, err := newTestLoader(nil).LoadFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := newTestLoader(nil).LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeFile(t, "config.json", `{"name": "A"}`)
	l := newTestLoader(map[string]string{
		"PSISTREAMS_RENDEZVOUS_HOST": "192.168.1.5",
		"PSISTREAMS_RENDEZVOUS_PORT": "14000",
		"PSISTREAMS_NATS_URL":        "nats://other:4222",
		"PSISTREAMS_RELAY_SERVER":    "192.168.1.1",
		"PSISTREAMS_NATS_USER":       "alice",
		"PSISTREAMS_NATS_PASSWORD":   "pw",
	})

	cfg, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5", cfg.Pipeline.RendezVousHost)
	assert.Equal(t, 14000, cfg.Pipeline.RendezVousPort)
	assert.Equal(t, "nats://other:4222", cfg.NATS.URL)
	assert.Equal(t, "192.168.1.1", cfg.Relay.ServerAddress)
	assert.Equal(t, "alice", cfg.NATS.Username)
	assert.Equal(t, "pw", cfg.NATS.Password)

	l = newTestLoader(map[string]string{"PSISTREAMS_RENDEZVOUS_PORT": "abc"})
	_, err = l.LoadFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid default", func(*Config) {}, nil},
		{"empty name", func(c *Config) { c.Name = "" }, errors.ErrInvalidConfig},
		{"zero rendezvous port", func(c *Config) { c.Pipeline.RendezVousPort = 0 }, errors.ErrInvalidConfig},
		{"auto run without clock on server", func(c *Config) {
			c.Pipeline.AutomaticPipelineRun = true
			c.Pipeline.ClockPort = 0
		}, errors.ErrClockPortRequired},
		{"auto run without clock on client", func(c *Config) {
			c.Pipeline.AutomaticPipelineRun = true
			c.Pipeline.ClockPort = 0
			c.Relay.ServerAddress = "10.0.0.1"
		}, nil},
		{"export without port", func(c *Config) {
			c.Pipeline.Diagnostics = DiagnosticsExport
			c.Pipeline.DiagnosticPort = 0
		}, errors.ErrInvalidConfig},
		{"nats without url", func(c *Config) {
			c.Relay.Kind = RelayNATS
			c.NATS.URL = ""
		}, errors.ErrInvalidConfig},
		{"nats user without password", func(c *Config) {
			c.Relay.Kind = RelayNATS
			c.NATS.Username = "alice"
		}, errors.ErrInvalidConfig},
		{"nats token and user", func(c *Config) {
			c.Relay.Kind = RelayNATS
			c.NATS.Username, c.NATS.Password, c.NATS.Token = "alice", "pw", "t"
		}, errors.ErrInvalidConfig},
		{"nats negative reconnect wait", func(c *Config) {
			c.Relay.Kind = RelayNATS
			c.NATS.ReconnectWait = -1
		}, errors.ErrInvalidConfig},
		{"unknown relay", func(c *Config) { c.Relay.Kind = "udp" }, errors.ErrInvalidConfig},
		{"flock queue too small", func(c *Config) {
			c.Groups.Topic = "Bodies"
			c.Groups.Detector = DetectorFlock
			c.Groups.QueueMaxCount = 1
		}, errors.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Name = "Saved"
	cfg.Pipeline.StreamToStore["Head"] = "%p-Head"

	path := filepath.Join(t.TempDir(), "saved.json")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestDuration_Invalid(t *testing.T) {
	var d Duration
	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`"xd"`)))
}
