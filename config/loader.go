package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/saacpsi/psistreams/errors"
)

const (
	maxConfigSize = 10 << 20
	maxEnvVarLen  = 4096
)

//go:embed schema.json
var schemaJSON []byte

// Loader merges configuration layers over the defaults. Later layers win.
type Loader struct {
	layers    []string
	envPrefix string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader reading PSISTREAMS_* environment overrides
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "PSISTREAMS",
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load reads every layer, validates the merged document against the schema,
// decodes it over the defaults, applies environment overrides and runs Validate.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := readRaw(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "read "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	if err := validateSchema(merged); err != nil {
		return nil, err
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode merged config")
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Loader", "Load", "decode config")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is a shortcut for NewLoader().LoadFile(path)
func Load(path string) (*Config, error) {
	return NewLoader().LoadFile(path)
}

// SaveToFile writes the configuration as indented JSON
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "encode")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "write "+path)
	}
	return nil
}

func readRaw(path string) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: not a regular file: %s", errors.ErrInvalidConfig, path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes", errors.ErrInvalidConfig, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		return nil, fmt.Errorf("%w: unsupported config extension %q", errors.ErrInvalidConfig, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func validateSchema(doc map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return errors.WrapFatal(err, "Loader", "validateSchema", "run schema")
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.WrapFatal(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(msgs, "; ")),
		"Loader", "validateSchema", "validate document")
}

func (l *Loader) env(name string) (string, bool, error) {
	val, ok := l.lookupEnv(l.envPrefix + "_" + name)
	if !ok || val == "" {
		return "", false, nil
	}
	if len(val) > maxEnvVarLen {
		return "", false, errors.WrapFatal(
			fmt.Errorf("%w: %s_%s too long", errors.ErrInvalidConfig, l.envPrefix, name),
			"Loader", "applyEnvOverrides", "read environment")
	}
	return val, true, nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		name   string
		target *string
	}{
		{"RENDEZVOUS_HOST", &cfg.Pipeline.RendezVousHost},
		{"RELAY_SERVER", &cfg.Relay.ServerAddress},
		{"NATS_URL", &cfg.NATS.URL},
		{"NATS_USER", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"DATASET_PATH", &cfg.Pipeline.DatasetPath},
	}
	for _, s := range strs {
		val, ok, err := l.env(s.name)
		if err != nil {
			return err
		}
		if ok {
			*s.target = val
		}
	}

	val, ok, err := l.env("RENDEZVOUS_PORT")
	if err != nil {
		return err
	}
	if ok {
		port, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapFatal(
				fmt.Errorf("%w: %s_RENDEZVOUS_PORT=%q", errors.ErrInvalidConfig, l.envPrefix, val),
				"Loader", "applyEnvOverrides", "parse port")
		}
		cfg.Pipeline.RendezVousPort = port
	}
	return nil
}
