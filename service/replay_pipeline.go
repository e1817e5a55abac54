package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/saacpsi/psistreams/config"
	"github.com/saacpsi/psistreams/connector"
	"github.com/saacpsi/psistreams/dataset"
	"github.com/saacpsi/psistreams/errors"
)

// ReplayConfig selects what part of a recording is replayed and how
type ReplayConfig struct {
	Mode ReplayMode
	// Start and End bound the Interval modes; a zero bound is open
	Start time.Time
	End   time.Time
	// Backup saves the manifest to "{manifest}_backup" before replaying
	Backup bool
}

// ReplayPipeline replays the stores of a dataset. Loaded stores are
// read-only: new streams derived from them are recorded into stores named
// after the replay.
type ReplayPipeline struct {
	*DatasetPipeline

	replay ReplayConfig

	mu       sync.Mutex
	readOnly map[string]bool
	loader   *DatasetLoader
}

// NewReplayPipeline opens the dataset named in cfg for replay
func NewReplayPipeline(name string, cfg config.PipelineConfig, replay ReplayConfig, opts ...Option) (*ReplayPipeline, error) {
	if !cfg.RecordingEnabled() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: no dataset to replay", errors.ErrStorageUnavailable),
			"ReplayPipeline", "New", "open dataset")
	}
	if replay.Mode == "" {
		replay.Mode = ReplayFullSpeed
	}
	if replay.Mode.Interval() && !replay.Start.IsZero() && !replay.End.IsZero() && replay.End.Before(replay.Start) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: interval ends before it starts", errors.ErrInvalidConfig),
			"ReplayPipeline", "New", "validate interval")
	}
	d, err := NewDatasetPipeline(name, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if replay.Backup {
		backup := d.Dataset().Path() + "_backup"
		if err := d.Dataset().SaveAs(backup); err != nil {
			return nil, errors.Wrap(err, "ReplayPipeline", "New", "save backup")
		}
		d.logger.Info("Dataset backed up", "path", backup)
	}
	r := &ReplayPipeline{
		DatasetPipeline: d,
		replay:          replay,
		readOnly:        make(map[string]bool),
	}
	r.loader = r.newLoader()
	return r, nil
}

func (r *ReplayPipeline) newLoader() *DatasetLoader {
	l := NewDatasetLoader(r.Pipeline(), r.ConnectorManager(), r.bindings, r.name)
	l.clock.mode = r.replay.Mode
	l.clock.from = r.replay.Start
	l.clock.to = r.replay.End
	return l
}

// Mode returns the replay pacing
func (r *ReplayPipeline) Mode() ReplayMode { return r.replay.Mode }

// Loader returns the loader of the current pipeline
func (r *ReplayPipeline) Loader() *DatasetLoader {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loader
}

// LoadDatasetAndConnectors loads the stores of every session, or of the
// named one, and marks them read-only.
func (r *ReplayPipeline) LoadDatasetAndConnectors(ctx context.Context, session string) error {
	ds := r.Dataset()
	for _, s := range ds.Sessions() {
		if session != "" && s.Name() != session {
			continue
		}
		r.mu.Lock()
		for _, p := range s.Partitions() {
			r.readOnly[p.StoreName] = true
		}
		r.mu.Unlock()
	}
	err := r.Loader().Load(ctx, ds, session)
	if err != nil {
		r.logger.Warn("Dataset partially loaded", "session", session, "error", err)
	}
	r.logger.Info("Dataset loaded", "session", session, "connectors", len(r.Connectors()))
	return err
}

// IsReadOnly reports whether store was loaded from the dataset
func (r *ReplayPipeline) IsReadOnly(store string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readOnly[store]
}

// GetStoreName names derived streams after the replay when the store they
// would land in was loaded from the dataset.
func (r *ReplayPipeline) GetStoreName(stream, process, session string) (string, string) {
	streamName, storeName := r.DatasetPipeline.GetStoreName(stream, process, session)
	if r.IsReadOnly(storeName) {
		storeName += "_" + r.name
	}
	return streamName, storeName
}

// Record registers a derived stream and records it into session. Loaded
// stores are refused.
func (r *ReplayPipeline) Record(info connector.Info, session *dataset.Session) error {
	if r.IsReadOnly(info.Store) {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrReadOnlyStore, info.Store),
			"ReplayPipeline", "Record", "record "+info.Stream)
	}
	return r.ConnectorManager().CreateConnectorAndStore(info, session, session != nil)
}

// RunPipeline starts the replay
func (r *ReplayPipeline) RunPipeline() error {
	r.logger.Info("Replay starting", "mode", string(r.replay.Mode))
	return r.DatasetPipeline.RunPipeline()
}

// Wait blocks until every loaded store has been replayed
func (r *ReplayPipeline) Wait(ctx context.Context) error {
	return r.Loader().Wait(ctx)
}

// Reset stops the replay and prepares an empty pipeline; stores must be
// loaded again.
func (r *ReplayPipeline) Reset(timeout time.Duration) error {
	err := r.DatasetPipeline.Reset(timeout)
	r.mu.Lock()
	r.readOnly = make(map[string]bool)
	r.mu.Unlock()
	l := r.newLoader()
	r.mu.Lock()
	r.loader = l
	r.mu.Unlock()
	return err
}
