package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/saacpsi/psistreams/binding"
	"github.com/saacpsi/psistreams/component"
	"github.com/saacpsi/psistreams/connector"
	"github.com/saacpsi/psistreams/dataset"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/pipeline"
)

// ReplayMode selects how recorded messages are paced
type ReplayMode string

// Replay modes
const (
	ReplayFullSpeed         ReplayMode = "FullSpeed"
	ReplayRealTime          ReplayMode = "RealTime"
	ReplayIntervalFullSpeed ReplayMode = "IntervalFullSpeed"
	ReplayIntervalRealTime  ReplayMode = "IntervalRealTime"
)

// RealTime reports whether messages are posted at their recorded pace
func (m ReplayMode) RealTime() bool {
	return m == ReplayRealTime || m == ReplayIntervalRealTime
}

// Interval reports whether only an interval of the recording is replayed
func (m ReplayMode) Interval() bool {
	return m == ReplayIntervalFullSpeed || m == ReplayIntervalRealTime
}

// replayClock paces every reader of a replay against one origin
type replayClock struct {
	mu     sync.Mutex
	mode   ReplayMode
	from   time.Time
	to     time.Time
	origin time.Time // earliest replayed originating time
	start  time.Time // wall time the replay started
}

func (c *replayClock) observe(first time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode.Interval() && !c.from.IsZero() && first.Before(c.from) {
		first = c.from
	}
	if c.origin.IsZero() || first.Before(c.origin) {
		c.origin = first
	}
}

func (c *replayClock) begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.start.IsZero() {
		c.start = time.Now()
	}
}

func (c *replayClock) bounds() (time.Time, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mode.Interval() {
		return time.Time{}, time.Time{}
	}
	return c.from, c.to
}

// wait blocks until the wall clock reaches the replay time of t
func (c *replayClock) wait(ctx context.Context, t time.Time) error {
	c.mu.Lock()
	realTime, origin, start := c.mode.RealTime(), c.origin, c.start
	c.mu.Unlock()
	if !realTime || origin.IsZero() {
		return nil
	}
	delay := t.Sub(origin) - time.Since(start)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// storeReader posts the messages of one read-only store on its streams
type storeReader struct {
	*component.Runner

	store  *dataset.Store
	posts  map[string]binding.PostFunc
	clock  *replayClock
	logger *slog.Logger
	done   chan struct{}
}

func (r *storeReader) Meta() component.Metadata {
	return component.Metadata{Name: r.store.Name(), Type: "reader", Description: "Store replay of " + r.store.Dir()}
}

func (r *storeReader) Health() component.HealthStatus { return r.HealthStatus(true) }

func (r *storeReader) DataFlow() component.FlowMetrics { return r.FlowMetrics() }

func (r *storeReader) Initialize() error { return nil }

func (r *storeReader) Start(ctx context.Context) error {
	runCtx, err := r.Begin(ctx)
	if err != nil {
		return err
	}
	r.clock.begin()
	r.Go(func() {
		defer close(r.done)
		r.replay(runCtx)
	})
	return nil
}

func (r *storeReader) Stop(timeout time.Duration) error { return r.End(timeout) }

func (r *storeReader) replay(ctx context.Context) {
	from, to := r.clock.bounds()
	count := 0
	err := r.store.ReadAll(ctx, from, to, func(rec dataset.Record) error {
		post, ok := r.posts[rec.Stream]
		if !ok {
			return nil
		}
		if err := r.clock.wait(ctx, rec.OriginatingTime); err != nil {
			return err
		}
		if err := post(rec.Payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.RecordError(err)
			r.logger.Warn("Replayed message dropped", "stream", rec.Stream, "seq", rec.Seq, "error", err)
			return nil
		}
		r.RecordMessage(1)
		count++
		return nil
	})
	switch {
	case err == nil:
		r.logger.Info("Store replayed", "messages", count)
	case ctx.Err() != nil:
		r.logger.Debug("Store replay interrupted", "messages", count)
	default:
		r.RecordError(err)
		r.logger.Error("Store replay failed", "messages", count, "error", err)
	}
}

// DatasetLoader opens the stores of a recorded dataset read-only and
// registers one connector per recorded stream. Each session is loaded into
// a subpipeline of its own; its readers post the recorded messages when the
// pipeline runs.
type DatasetLoader struct {
	name       string
	pipeline   *pipeline.Pipeline
	connectors *connector.Manager
	bindings   *binding.Registry
	clock      *replayClock
	logger     *slog.Logger

	mu      sync.Mutex
	readers []*storeReader
	onNew   []ProcessFunc
}

// NewDatasetLoader creates a loader registering into connectors
func NewDatasetLoader(p *pipeline.Pipeline, connectors *connector.Manager, bindings *binding.Registry, name string) *DatasetLoader {
	return &DatasetLoader{
		name:       name,
		pipeline:   p,
		connectors: connectors,
		bindings:   bindings,
		clock:      &replayClock{mode: ReplayFullSpeed},
		logger:     p.Logger().With("component", "dataset-loader", "loader", name),
	}
}

// OnNewProcess registers fn, called with the name of every loaded session
func (l *DatasetLoader) OnNewProcess(fn ProcessFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onNew = append(l.onNew, fn)
}

// LoadPath loads the dataset manifest at path, see Load
func (l *DatasetLoader) LoadPath(ctx context.Context, path, session string) error {
	ds, err := dataset.Load(path)
	if err != nil {
		return err
	}
	return l.Load(ctx, ds, session)
}

// Load registers the streams of every session of ds, or of the named
// session only. Streams that cannot be loaded are reported together; the
// others stay loaded.
func (l *DatasetLoader) Load(ctx context.Context, ds *dataset.Dataset, session string) error {
	var errs []error
	loaded := 0
	for _, s := range ds.Sessions() {
		if session != "" && s.Name() != session {
			continue
		}
		sub := l.pipeline.NewSubpipeline(s.Name())
		for _, partition := range s.Partitions() {
			if err := l.loadStore(ctx, sub, s.Name(), partition); err != nil {
				errs = append(errs, err)
			}
		}
		loaded++
		l.mu.Lock()
		listeners := slices.Clone(l.onNew)
		l.mu.Unlock()
		for _, fn := range listeners {
			fn(s.Name())
		}
	}
	if session != "" && loaded == 0 {
		errs = append(errs, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrSessionNotFound, session),
			"DatasetLoader", "Load", "select session"))
	}
	return stderrors.Join(errs...)
}

func (l *DatasetLoader) loadStore(ctx context.Context, sub *pipeline.Pipeline, session string, partition dataset.Partition) error {
	st, ok := l.connectors.Store(session, partition.StoreName)
	if !ok {
		opened, err := dataset.OpenStore(partition.StoreName, partition.StorePath)
		if err != nil {
			return err
		}
		st = opened
		l.connectors.AddStore(session, st)
	}
	streams, err := st.Streams(ctx)
	if err != nil {
		return err
	}
	if first, _, err := st.TimeRange(ctx); err == nil && !first.IsZero() {
		l.clock.observe(first)
	}

	reader := &storeReader{
		Runner: component.NewRunner("service.storeReader"),
		store:  st,
		posts:  make(map[string]binding.PostFunc),
		clock:  l.clock,
		logger: l.logger.With("session", session, "store", st.Name()),
		done:   make(chan struct{}),
	}
	var errs []error
	for _, info := range streams {
		t, ok := l.bindings.Type(info.TypeName)
		if !ok {
			errs = append(errs, errors.WrapInvalid(fmt.Errorf("%w: %s for stream %s", errors.ErrUnknownTopicType, info.TypeName, info.Name),
				"DatasetLoader", "Load", "resolve "+st.Name()))
			continue
		}
		out, post, err := t.Emitter(sub, info.Name, info.Serializer)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		codec, err := t.Codec(info.Serializer)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := l.connectors.CreateConnector(connector.Info{
			Stream:   info.Name,
			Store:    st.Name(),
			Session:  session,
			Process:  session,
			TypeName: info.TypeName,
			Source:   out,
			Codec:    codec,
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		reader.posts[info.Name] = post
	}
	if len(reader.posts) > 0 {
		if err := sub.Add(reader); err != nil {
			errs = append(errs, err)
		} else {
			l.mu.Lock()
			l.readers = append(l.readers, reader)
			l.mu.Unlock()
		}
	}
	l.logger.Debug("Store loaded", "session", session, "store", st.Name(), "streams", len(reader.posts))
	return stderrors.Join(errs...)
}

// Wait blocks until every loaded store has been replayed or ctx ends
func (l *DatasetLoader) Wait(ctx context.Context) error {
	l.mu.Lock()
	readers := slices.Clone(l.readers)
	l.mu.Unlock()
	for _, r := range readers {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
