package groups

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/saacpsi/psistreams/binding"
	"github.com/saacpsi/psistreams/config"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/pipeline"
)

func receive[T any](t *testing.T, out *pipeline.Emitter[T]) <-chan pipeline.Message[T] {
	t.Helper()
	ch := make(chan pipeline.Message[T], 16)
	out.Subscribe(func(m pipeline.Message[T]) { ch <- m })
	return ch
}

func next[T any](t *testing.T, ch <-chan pipeline.Message[T]) pipeline.Message[T] {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return pipeline.Message[T]{}
	}
}

func TestInstantStage(t *testing.T) {
	p := pipeline.New("groups")
	defer p.Dispose(time.Second)
	frames := pipeline.NewEmitter[Frame](p, "Bodies")

	s, err := NewInstantStage(p, "Instant", DefaultInstantConfig(), frames)
	require.NoError(t, err)
	got := receive(t, s.Out)
	require.NoError(t, p.RunAsync())

	require.NoError(t, frames.Post(Frame{1: {}, 2: {X: 0.5}}, t0))
	m := next(t, got)
	assert.Equal(t, Groups{8: {1, 2}}, m.Data)
	assert.Equal(t, t0, m.OriginatingTime)
	assert.True(t, s.Health().Healthy)
}

func TestEntryStage_AppliesRemovalsInOrder(t *testing.T) {
	p := pipeline.New("groups")
	defer p.Dispose(time.Second)
	instant := pipeline.NewEmitter[Groups](p, "Instant")
	removed := pipeline.NewEmitter[[]uint64](p, "Removed")

	s, err := NewEntryStage(p, "Entry", EntryConfig{FormationDelay: time.Second}, instant, removed)
	require.NoError(t, err)
	got := receive(t, s.Out)
	require.NoError(t, p.RunAsync())

	pair := Groups{8: {1, 2}}
	require.NoError(t, instant.Post(pair, t0))
	next(t, got)
	require.NoError(t, instant.Post(pair, t0.Add(2*time.Second)))
	assert.Equal(t, pair, next(t, got).Data)

	// removals and frames come from separate streams; wait until the
	// removal has been applied
	require.NoError(t, removed.Post([]uint64{1}, t0.Add(3*time.Second)))
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, instant.Post(Groups{}, t0.Add(4*time.Second)))
		if len(next(t, got).Data) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("removal never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAttach(t *testing.T) {
	tests := []struct {
		detector string
		typeName string
	}{
		{config.DetectorInstant, "groups.Groups"},
		{config.DetectorEntry, "groups.Groups"},
		{config.DetectorIntegrated, "groups.Groups"},
		{config.DetectorFlock, "groups.FlockGroups"},
	}
	for _, tt := range tests {
		t.Run(tt.detector, func(t *testing.T) {
			p := pipeline.New("groups")
			defer p.Dispose(time.Second)
			frames := pipeline.NewEmitter[Frame](p, "Bodies")

			cfg := config.Default().Groups
			cfg.Detector = tt.detector
			out, err := Attach(p, cfg, frames, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.typeName, out.TypeName())
		})
	}

	p := pipeline.New("groups")
	defer p.Dispose(time.Second)
	cfg := config.Default().Groups
	cfg.Detector = "nearest"
	_, err := Attach(p, cfg, pipeline.NewEmitter[Frame](p, "Bodies"), nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.Empty(t, p.Components())
}

func TestRegister(t *testing.T) {
	r := binding.NewRegistry()
	require.NoError(t, Register(r))
	for _, name := range []string{"groups.Frame", "groups.Groups", "[]uint64", "groups.FlockGroups", "[]groups.Intersection"} {
		_, ok := r.Type(name)
		assert.True(t, ok, name)
	}
	assert.Error(t, Register(r), "types register once")

	frame := binding.Builtin()
	require.NoError(t, Register(frame))
	typ, _ := frame.Type("groups.Frame")
	codec, err := typ.Codec("json")
	require.NoError(t, err)
	payload, err := codec.Encode(Frame{3: r3.Vec{X: 1, Y: 2, Z: 3}}, t0)
	require.NoError(t, err)
	v, ts, err := codec.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, Frame{3: r3.Vec{X: 1, Y: 2, Z: 3}}, v)
	assert.True(t, t0.Equal(ts))
}
