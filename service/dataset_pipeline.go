package service

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/saacpsi/psistreams/binding"
	"github.com/saacpsi/psistreams/config"
	"github.com/saacpsi/psistreams/connector"
	"github.com/saacpsi/psistreams/dataset"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/pipeline"
)

const (
	diagnosticsInterval = time.Second
	diagnosticsStore    = "Diagnostics"
	disposeTimeout      = 5 * time.Second
)

// DatasetPipeline owns the root pipeline, its named subpipelines, the
// connector registry and, when a dataset name is configured, the dataset
// streams are recorded into.
type DatasetPipeline struct {
	*BaseService

	cfg      config.PipelineConfig
	bindings *binding.Registry

	mu         sync.Mutex
	pipeline   *pipeline.Pipeline
	dataset    *dataset.Dataset
	connectors *connector.Manager
	current    *dataset.Session // the session of the Unique mode
}

// NewDatasetPipeline creates the root pipeline and opens the dataset at
// {DatasetPath}/{DatasetName} when recording is enabled.
func NewDatasetPipeline(name string, cfg config.PipelineConfig, opts ...Option) (*DatasetPipeline, error) {
	d := &DatasetPipeline{
		BaseService: NewBaseService(name, opts...),
		cfg:         cfg,
	}
	d.bindings = d.settings.bindings
	if d.bindings == nil {
		d.bindings = binding.Builtin()
	}

	if cfg.RecordingEnabled() {
		ds, err := dataset.LoadOrCreate(cfg.DatasetPath, cfg.DatasetName)
		if err != nil {
			return nil, errors.Wrap(err, "DatasetPipeline", "New", "open dataset "+cfg.DatasetName)
		}
		d.dataset = ds
		d.logger.Info("Dataset opened", "path", ds.Path(), "sessions", len(ds.Sessions()))
	}
	d.reset()
	return d, nil
}

func (d *DatasetPipeline) reset() {
	opts := []pipeline.Option{pipeline.WithLogger(d.logger), pipeline.WithMetrics(d.Metrics())}
	if d.cfg.Diagnostics != config.DiagnosticsOff && d.cfg.Diagnostics != "" {
		opts = append(opts, pipeline.WithDiagnostics(diagnosticsInterval))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pipeline = pipeline.New(d.name, opts...)
	d.connectors = connector.NewManager(connector.Config{
		Dataset:  d.dataset,
		Logger:   d.logger,
		Metrics:  d.Metrics(),
		Registry: d.metricsRegistry,
	})
	d.current = nil
}

// Config returns the pipeline configuration
func (d *DatasetPipeline) Config() config.PipelineConfig { return d.cfg }

// Bindings returns the registry of stream types and transformers
func (d *DatasetPipeline) Bindings() *binding.Registry { return d.bindings }

// Pipeline returns the root pipeline
func (d *DatasetPipeline) Pipeline() *pipeline.Pipeline {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipeline
}

// Dataset returns the recording dataset, nil when recording is disabled
func (d *DatasetPipeline) Dataset() *dataset.Dataset { return d.dataset }

// ConnectorManager returns the connector registry
func (d *DatasetPipeline) ConnectorManager() *connector.Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectors
}

// Connectors returns a copy of the registry: store -> stream -> Info
func (d *DatasetPipeline) Connectors() map[string]map[string]connector.Info {
	return d.ConnectorManager().Connectors()
}

// GetOrCreateSubpipeline returns the subpipeline of that name, creating it
func (d *DatasetPipeline) GetOrCreateSubpipeline(name string) *pipeline.Pipeline {
	return d.Pipeline().NewSubpipeline(name)
}

// RunPipeline starts the root pipeline and every subpipeline
func (d *DatasetPipeline) RunPipeline() error {
	p := d.Pipeline()
	if p.IsRunning() {
		return nil
	}
	if err := p.RunAsync(); err != nil {
		return err
	}
	d.logger.Info("Pipeline running", "subpipelines", len(p.Subpipelines()))
	return nil
}

// IsRunning reports whether the root pipeline runs
func (d *DatasetPipeline) IsRunning() bool {
	return d.Pipeline().IsRunning()
}

// Start marks the service running
func (d *DatasetPipeline) Start(ctx context.Context) error {
	return d.BaseService.Start(ctx)
}

// Stop disposes the pipeline and its subpipelines, closes the stores and
// saves the dataset.
func (d *DatasetPipeline) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = disposeTimeout
	}
	var errs []error
	d.mu.Lock()
	p, connectors := d.pipeline, d.connectors
	d.mu.Unlock()

	if err := p.Dispose(timeout); err != nil {
		errs = append(errs, err)
	}
	if err := connectors.Close(timeout); err != nil {
		errs = append(errs, err)
	}
	if err := d.SaveDataset(); err != nil {
		errs = append(errs, err)
	}
	_ = d.BaseService.Stop(timeout)
	return stderrors.Join(errs...)
}

// Reset stops the pipeline and starts over with an empty root pipeline and
// connector registry. The dataset is kept.
func (d *DatasetPipeline) Reset(timeout time.Duration) error {
	err := d.Stop(timeout)
	d.reset()
	return err
}

// SaveDataset writes the dataset manifest
func (d *DatasetPipeline) SaveDataset() error {
	if d.dataset == nil {
		return nil
	}
	return d.dataset.Save()
}

// CreateOrGetSession returns the named session, nil when not recording
func (d *DatasetPipeline) CreateOrGetSession(name string) *dataset.Session {
	if d.dataset == nil {
		return nil
	}
	return d.dataset.CreateOrGetSession(name)
}

// CreateIterativeSession creates "{name}.NNN", nil when not recording
func (d *DatasetPipeline) CreateIterativeSession(name string) *dataset.Session {
	if d.dataset == nil {
		return nil
	}
	return d.dataset.CreateIterativeSession(name)
}

// GetSession returns a session; "name." selects the highest "name.NNN"
func (d *DatasetPipeline) GetSession(name string) (*dataset.Session, bool) {
	if d.dataset == nil {
		return nil, false
	}
	return d.dataset.GetSession(name)
}

// RemoveSession removes a session from the dataset
func (d *DatasetPipeline) RemoveSession(name string) bool {
	if d.dataset == nil {
		return false
	}
	d.mu.Lock()
	if d.current != nil && d.current.Name() == name {
		d.current = nil
	}
	d.mu.Unlock()
	return d.dataset.RemoveSession(name)
}

// CreateOrGetSessionFromMode returns the session the streams of a process
// are recorded into, following the session naming mode. It is nil when not
// recording.
func (d *DatasetPipeline) CreateOrGetSessionFromMode(process string) *dataset.Session {
	if d.dataset == nil {
		return nil
	}
	switch d.cfg.SessionMode {
	case config.SessionUnique:
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.current == nil {
			d.current = d.dataset.CreateIterativeSession(d.cfg.SessionName)
		}
		return d.current
	case config.SessionOverwrite:
		return d.dataset.CreateOrGetSession(d.cfg.SessionName + process)
	default:
		return d.dataset.CreateIterativeSession(d.cfg.SessionName + process)
	}
}

// GetStoreName returns the stream and store names a stream of a process is
// recorded under.
func (d *DatasetPipeline) GetStoreName(stream, process, session string) (string, string) {
	return dataset.StoreName(d.cfg.StoreMode, d.cfg.StreamToStore, stream, process, session)
}

// DiagnosticsSessionName is the session diagnostics are recorded into
func (d *DatasetPipeline) DiagnosticsSessionName() string {
	return d.cfg.SessionName + "_Diagnostics"
}

// StoreDiagnostics records the diagnostics stream of the root pipeline into
// the diagnostics session.
func (d *DatasetPipeline) StoreDiagnostics() error {
	p := d.Pipeline()
	diagnostics := p.Diagnostics()
	if diagnostics == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "DatasetPipeline", "StoreDiagnostics", "diagnostics are disabled")
	}
	session := d.CreateOrGetSession(d.DiagnosticsSessionName())
	if session == nil {
		return errors.WrapInvalid(errors.ErrStorageUnavailable, "DatasetPipeline", "StoreDiagnostics", "record diagnostics")
	}
	return d.ConnectorManager().CreateConnectorAndStore(connector.Info{
		Stream:   diagnostics.Name(),
		Store:    diagnosticsStore,
		Process:  d.name,
		TypeName: diagnostics.TypeName(),
		Source:   diagnostics,
		Codec:    format.Erase("json", format.JSON[pipeline.Diagnostics]()),
	}, session, true)
}

// removeSessionIfEmpty drops a session that received no partition
func (d *DatasetPipeline) removeSessionIfEmpty(session *dataset.Session) {
	if session == nil || !session.Empty() {
		return
	}
	d.RemoveSession(session.Name())
}
