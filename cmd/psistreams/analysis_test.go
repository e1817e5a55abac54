package main

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saacpsi/psistreams/attention"
	"github.com/saacpsi/psistreams/config"
	"github.com/saacpsi/psistreams/connector"
	"github.com/saacpsi/psistreams/dataset"
	"github.com/saacpsi/psistreams/groups"
	"github.com/saacpsi/psistreams/pipeline"
)

type fakeHost struct{}

func (fakeHost) GetStoreName(stream, process, _ string) (string, string) {
	return stream, process
}

func (fakeHost) GetSession(string) (*dataset.Session, bool) { return nil, false }

type recorder struct {
	mu    sync.Mutex
	infos []connector.Info
}

func (r *recorder) record(info connector.Info, _ *dataset.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = append(r.infos, info)
	return nil
}

func (r *recorder) streams() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, info := range r.infos {
		out = append(out, info.Stream)
	}
	return out
}

func newTestAnalyzer(t *testing.T, cfg *config.Config) (*analyzer, *recorder) {
	t.Helper()
	bindings, err := newBindings()
	require.NoError(t, err)
	rec := &recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newAnalyzer(cfg, bindings, fakeHost{}, rec.record, logger), rec
}

func info(stream string, src pipeline.Producer) connector.Info {
	return connector.Info{Stream: stream, Store: "Tracker", Process: "Tracker", TypeName: src.TypeName(), Source: src}
}

func TestAnalyzer_Groups(t *testing.T) {
	p := pipeline.New("analysis")
	defer p.Dispose(time.Second)
	frames := pipeline.NewEmitter[groups.Frame](p, "Bodies")

	cfg := config.Default()
	cfg.Groups.Topic = "Bodies"
	a, rec := newTestAnalyzer(t, cfg)
	require.True(t, a.enabled())

	entry := map[string]connector.Info{"Bodies": info("Bodies", frames)}
	a.onEntry("Tracker", entry)
	a.onEntry("Tracker", entry)

	assert.Equal(t, []string{"Groups-Instant"}, rec.streams())
	assert.Equal(t, "Tracker", rec.infos[0].Store)
	assert.Equal(t, "json", rec.infos[0].Codec.Name())
}

func TestAnalyzer_GroupsWaitForRemovedTopic(t *testing.T) {
	p := pipeline.New("analysis")
	defer p.Dispose(time.Second)
	frames := pipeline.NewEmitter[groups.Frame](p, "Bodies")
	removed := pipeline.NewEmitter[[]uint64](p, "Removed")

	cfg := config.Default()
	cfg.Groups.Topic = "Bodies"
	cfg.Groups.RemovedTopic = "Removed"
	cfg.Groups.Detector = config.DetectorIntegrated
	a, rec := newTestAnalyzer(t, cfg)

	a.onEntry("Tracker", map[string]connector.Info{"Bodies": info("Bodies", frames)})
	assert.Empty(t, rec.streams())

	a.onEntry("Tracker", map[string]connector.Info{
		"Bodies":  info("Bodies", frames),
		"Removed": info("Removed", removed),
	})
	assert.Equal(t, []string{"Groups-Integrated"}, rec.streams())
}

func TestAnalyzer_TypeMismatch(t *testing.T) {
	p := pipeline.New("analysis")
	defer p.Dispose(time.Second)
	wrong := pipeline.NewEmitter[float64](p, "Bodies")

	cfg := config.Default()
	cfg.Groups.Topic = "Bodies"
	cfg.Attention.Topic = "Bodies"
	a, rec := newTestAnalyzer(t, cfg)

	a.onEntry("Tracker", map[string]connector.Info{"Bodies": info("Bodies", wrong)})
	assert.Empty(t, rec.streams())
}

func TestAnalyzer_Attention(t *testing.T) {
	p := pipeline.New("analysis")
	defer p.Dispose(time.Second)
	gaze := pipeline.NewEmitter[attention.GazeSample](p, "Gaze")

	cfg := config.Default()
	cfg.Attention.Topic = "Gaze"
	a, rec := newTestAnalyzer(t, cfg)

	a.onEntry("Eyes", map[string]connector.Info{"Gaze": info("Gaze", gaze)})
	assert.ElementsMatch(t, []string{
		"EyeMovements", "FixCount", "FixCountByObjects", "MeanFixDuration",
		"RatioSaccFix", "SaccRate", "ObjectsRanking",
	}, rec.streams())
}

func TestAnalyzer_Disabled(t *testing.T) {
	a, _ := newTestAnalyzer(t, config.Default())
	assert.False(t, a.enabled())
}
