package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saacpsi/psistreams/component"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/metric"
)

type collector[T any] struct {
	mu   sync.Mutex
	msgs []Message[T]
}

func (c *collector[T]) add(m Message[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *collector[T]) snapshot() []Message[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message[T](nil), c.msgs...)
}

func (c *collector[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type fakeComponent struct {
	*component.Runner
	name string
}

func newFakeComponent(name string) *fakeComponent {
	return &fakeComponent{Runner: component.NewRunner(name), name: name}
}

func (f *fakeComponent) Meta() component.Metadata {
	return component.Metadata{Name: f.name, Type: "source"}
}
func (f *fakeComponent) Health() component.HealthStatus  { return f.HealthStatus(true) }
func (f *fakeComponent) DataFlow() component.FlowMetrics { return f.FlowMetrics() }
func (f *fakeComponent) Initialize() error               { return nil }
func (f *fakeComponent) Start(ctx context.Context) error {
	_, err := f.Begin(ctx)
	return err
}
func (f *fakeComponent) Stop(timeout time.Duration) error { return f.End(timeout) }

func TestEmitter_FIFOPerSubscriber(t *testing.T) {
	p := New("test")
	defer p.Dispose(time.Second)

	e := NewEmitter[int](p, "numbers")
	var a, b collector[int]
	e.Subscribe(a.add)
	e.Subscribe(b.add)

	base := time.Unix(1000, 0)
	for i := range 100 {
		require.NoError(t, e.Post(i, base.Add(time.Duration(i)*time.Millisecond)))
	}

	require.Eventually(t, func() bool { return a.len() == 100 && b.len() == 100 }, 2*time.Second, 5*time.Millisecond)
	for i, m := range a.snapshot() {
		assert.Equal(t, i, m.Data)
		assert.Equal(t, int64(i+1), m.SequenceID)
		assert.Equal(t, e.ID(), m.SourceID)
		assert.Equal(t, base.Add(time.Duration(i)*time.Millisecond), m.OriginatingTime)
	}
	assert.Equal(t, int64(100), e.Posted())
	assert.Equal(t, "int", e.TypeName())
}

func TestEmitter_Unsubscribe(t *testing.T) {
	p := New("test")
	defer p.Dispose(time.Second)

	e := NewEmitter[string](p, "s")
	var c collector[string]
	unsubscribe := e.Subscribe(c.add)
	assert.Equal(t, 1, e.Subscribers())

	require.NoError(t, e.Post("a", time.Now()))
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, e.Subscribers())
	require.NoError(t, e.Post("b", time.Now()))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.len())
}

func TestEmitter_PostAfterDispose(t *testing.T) {
	p := New("test")
	e := NewEmitter[int](p, "n")
	require.NoError(t, p.Dispose(time.Second))

	err := e.Post(1, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDisposed)

	// subscribing on a disposed pipeline is harmless
	unsubscribe := e.Subscribe(func(Message[int]) {})
	unsubscribe()
	assert.Equal(t, 0, e.Subscribers())
}

func TestEmitter_SubscribeAny(t *testing.T) {
	p := New("test")
	defer p.Dispose(time.Second)

	e := NewEmitter[float64](p, "f")
	got := make(chan any, 1)
	e.SubscribeAny(func(v any, _ Envelope) { got <- v })

	require.NoError(t, e.Post(2.5, time.Now()))
	select {
	case v := <-got:
		assert.Equal(t, 2.5, v)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
}

func TestPipeline_RunStartsComponentsAndSubpipelines(t *testing.T) {
	p := New("root")
	defer p.Dispose(time.Second)

	rootComp := newFakeComponent("root-comp")
	require.NoError(t, p.Add(rootComp))

	sub := p.NewSubpipeline("sub")
	assert.Same(t, sub, p.NewSubpipeline("sub"))
	subComp := newFakeComponent("sub-comp")
	require.NoError(t, sub.Add(subComp))

	assert.False(t, rootComp.Started())
	require.NoError(t, p.RunAsync())
	require.NoError(t, p.RunAsync())

	assert.True(t, p.IsRunning())
	assert.True(t, sub.IsRunning())
	assert.True(t, rootComp.Running())
	assert.True(t, subComp.Running())

	late := newFakeComponent("late")
	require.NoError(t, sub.Add(late))
	assert.True(t, late.Running(), "added to a running pipeline")
}

func TestPipeline_DisposeSubpipeline(t *testing.T) {
	p := New("root")
	defer p.Dispose(time.Second)

	sub := p.NewSubpipeline("Alice")
	comp := newFakeComponent("tcp")
	require.NoError(t, sub.Add(comp))
	require.NoError(t, p.RunAsync())

	disposed := make(chan struct{})
	sub.OnDispose(func() { close(disposed) })

	require.NoError(t, sub.Dispose(time.Second))
	require.NoError(t, sub.Dispose(time.Second))

	<-disposed
	assert.Empty(t, p.Subpipelines())
	assert.True(t, sub.IsDisposed())
	assert.False(t, comp.Running())
	assert.Error(t, sub.Context().Err())
	assert.NoError(t, p.Context().Err())

	err := sub.Add(newFakeComponent("x"))
	assert.ErrorIs(t, err, errors.ErrDisposed)
}

func TestPipeline_DisposeRootDisposesChildren(t *testing.T) {
	p := New("root")
	a := p.NewSubpipeline("a")
	b := a.NewSubpipeline("b")

	require.NoError(t, p.Dispose(time.Second))
	assert.True(t, a.IsDisposed())
	assert.True(t, b.IsDisposed())
	assert.Error(t, p.RunAsync())

	late := p.NewSubpipeline("late")
	assert.True(t, late.IsDisposed())
}

func TestPipeline_ClockOffset(t *testing.T) {
	p := New("root")
	defer p.Dispose(time.Second)
	sub := p.NewSubpipeline("sub")

	sub.SetClockOffset(time.Hour)
	assert.Equal(t, time.Hour, p.ClockOffset())
	assert.WithinDuration(t, time.Now().Add(time.Hour), sub.Now(), time.Second)
}

func TestMap(t *testing.T) {
	p := New("root")
	defer p.Dispose(time.Second)

	src := NewEmitter[int](p, "in")
	sub := p.NewSubpipeline("sub")
	out := Map(sub, src, "doubled", func(v int, _ Envelope) int { return v * 2 })

	var c collector[int]
	out.Subscribe(c.add)

	ts := time.Unix(5, 0)
	require.NoError(t, src.Post(21, ts))
	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 42, c.snapshot()[0].Data)
	assert.Equal(t, ts, c.snapshot()[0].OriginatingTime)

	require.NoError(t, sub.Dispose(time.Second))
	assert.Equal(t, 0, src.Subscribers(), "disposing the receiver unsubscribes it")
}

func TestTimer(t *testing.T) {
	p := New("root")
	defer p.Dispose(time.Second)

	timer, err := NewTimer(p, "tick", 5*time.Millisecond)
	require.NoError(t, err)
	var c collector[time.Time]
	timer.Out.Subscribe(c.add)

	require.NoError(t, p.RunAsync())
	require.Eventually(t, func() bool { return c.len() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestTimer_Lifecycle(t *testing.T) {
	p := New("root")
	defer p.Dispose(time.Second)
	component.StandardLifecycleTests(t, func() component.LifecycleComponent {
		return &Timer{
			Runner:   component.NewRunner("tick"),
			name:     "tick",
			interval: time.Millisecond,
			pipeline: p,
			Out:      NewEmitter[time.Time](p, "tick"),
		}
	})
}

func TestDiagnostics(t *testing.T) {
	p := New("root", WithDiagnostics(10*time.Millisecond))
	defer p.Dispose(time.Second)

	sub := p.NewSubpipeline("Alice")
	NewEmitter[int](sub, "Head")
	require.NotNil(t, sub.Diagnostics())

	got := make(chan Diagnostics, 1)
	p.Diagnostics().Subscribe(func(m Message[Diagnostics]) {
		select {
		case got <- m.Data:
		default:
		}
	})
	require.NoError(t, p.RunAsync())

	select {
	case d := <-got:
		assert.Equal(t, "root", d.Pipeline)
		assert.True(t, d.Running)
		require.Len(t, d.Subpipelines, 1)
		assert.Equal(t, "Alice", d.Subpipelines[0].Pipeline)
		require.Len(t, d.Subpipelines[0].Emitters, 1)
		assert.Equal(t, "Head", d.Subpipelines[0].Emitters[0].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no diagnostics posted")
	}
}

func TestPipeline_Metrics(t *testing.T) {
	m := metric.NewMetrics()
	p := New("root", WithMetrics(m))

	e := NewEmitter[int](p, "n")
	require.NoError(t, e.Post(1, time.Now()))
	require.NoError(t, e.Post(2, time.Now()))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesPosted.WithLabelValues("root", "n")))

	require.NoError(t, p.RunAsync())
	assert.Equal(t, float64(StatusRunning), testutil.ToFloat64(m.PipelineStatus.WithLabelValues("root")))
	require.NoError(t, p.Dispose(time.Second))
	assert.Equal(t, float64(StatusStopped), testutil.ToFloat64(m.PipelineStatus.WithLabelValues("root")))
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "string", TypeName[string]())
	assert.Equal(t, "[]uint8", TypeName[[]byte]())
	assert.Equal(t, "pipeline.Diagnostics", TypeName[Diagnostics]())
}
