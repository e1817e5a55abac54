package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saacpsi/psistreams/command"
	"github.com/saacpsi/psistreams/config"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/pipeline"
	"github.com/saacpsi/psistreams/rendezvous"
	"github.com/saacpsi/psistreams/transport/tcp"
)

// serverConfig hosts the relay on a free port without clock, command or
// diagnostics streams.
func serverConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Name = "Server"
	cfg.Pipeline.RendezVousHost = "127.0.0.1"
	cfg.Pipeline.RendezVousPort = 0
	cfg.Pipeline.ClockPort = 0
	cfg.Pipeline.CommandPort = 0
	cfg.Pipeline.TopicsTypes = map[string]string{"Counter": "int32"}
	cfg.Pipeline.TypesSerializers = map[string]string{"int32": "int32"}
	cfg.Pipeline.DatasetPath = t.TempDir()
	cfg.Pipeline.DatasetName = "Recording"
	cfg.Pipeline.SessionName = "Run"
	return cfg
}

type processEvents struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (e *processEvents) onAdded(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.added = append(e.added, name)
}

func (e *processEvents) onRemoved(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = append(e.removed, name)
}

func (e *processEvents) snapshot() ([]string, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.added...), append([]string(nil), e.removed...)
}

// producer serves an int32 "Counter" stream from a pipeline of its own
func producer(t *testing.T) (*pipeline.Emitter[int32], *tcp.Writer) {
	t.Helper()
	p := pipeline.New("producer")
	t.Cleanup(func() { _ = p.Dispose(time.Second) })
	out := pipeline.NewEmitter[int32](p, "Counter")
	w, err := tcp.NewTypedWriter(p, tcp.WriterConfig{Host: "127.0.0.1"}, out, "int32", format.Int32())
	require.NoError(t, err)
	require.NoError(t, p.RunAsync())
	return out, w
}

func TestRendezvousPipeline_QueuesProcessesBeforeStart(t *testing.T) {
	r, err := NewRendezvousPipeline(serverConfig(t))
	require.NoError(t, err)

	proc := rendezvous.NewProcess("Sensor")
	assert.True(t, r.AddProcess(proc))
	assert.True(t, r.AddProcess(proc))
	assert.Empty(t, r.Rendezvous().Processes())
	assert.True(t, r.RemoveProcess("Sensor"))
	assert.False(t, r.RemoveProcess("Sensor"))
	assert.Equal(t, "not started", r.Status().State)

	require.NoError(t, r.Stop(time.Second))
}

func TestRendezvousPipeline_StartStop(t *testing.T) {
	r, err := NewRendezvousPipeline(serverConfig(t))
	require.NoError(t, err)

	r.AddProcess(rendezvous.NewProcess("Queued"))
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))

	st := r.Status()
	assert.Equal(t, "started", st.State)
	assert.True(t, st.Server)
	assert.True(t, st.RelayActive)
	assert.Contains(t, st.Processes, "Queued")
	assert.True(t, r.Health().IsHealthy())

	require.NoError(t, r.Stop(time.Second))
	assert.False(t, r.AddProcess(rendezvous.NewProcess("Late")))
	err = r.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStopped)
}

func TestRendezvousPipeline_AutomaticRunNeedsClock(t *testing.T) {
	cfg := serverConfig(t)
	cfg.Pipeline.AutomaticPipelineRun = true
	r, err := NewRendezvousPipeline(cfg)
	require.NoError(t, err)
	defer r.Stop(time.Second)

	err = r.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrClockPortRequired)
	assert.True(t, errors.IsFatal(err))
}

func TestRendezvousPipeline_InvalidTopicType(t *testing.T) {
	cfg := serverConfig(t)
	cfg.Pipeline.TopicsTypes = map[string]string{"Counter": "no.Such"}
	r, err := NewRendezvousPipeline(cfg)
	require.NoError(t, err)
	defer r.Stop(time.Second)

	assert.ErrorIs(t, r.Start(context.Background()), errors.ErrUnknownTopicType)
}

func TestRendezvousPipeline_SendCommandWithoutChannel(t *testing.T) {
	r, err := NewRendezvousPipeline(serverConfig(t))
	require.NoError(t, err)
	defer r.Stop(time.Second)

	_, err = r.CommandEmitter()
	assert.ErrorIs(t, err, errors.ErrNoCommandEmitter)
	assert.False(t, r.SendCommand(command.Run, "Sensor", ""))
}

func TestRendezvousPipeline_WiresAndRecordsProcess(t *testing.T) {
	r, err := NewRendezvousPipeline(serverConfig(t))
	require.NoError(t, err)
	var events processEvents
	r.OnNewProcess(events.onAdded)
	r.OnRemovedProcess(events.onRemoved)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.RunPipeline())

	out, w := producer(t)
	require.True(t, r.AddProcess(rendezvous.NewProcess("Sensor", w.Endpoint())))

	require.Eventually(t, func() bool {
		added, _ := events.snapshot()
		return len(added) == 1
	}, 5*time.Second, 10*time.Millisecond)

	info, ok := r.ConnectorManager().Connector("Sensor-Counter", "Counter")
	require.True(t, ok)
	assert.Equal(t, "Sensor", info.Process)
	assert.Equal(t, "RunSensor.000", info.Session)
	wired, ok := info.Source.(*pipeline.Emitter[int32])
	require.True(t, ok)

	var mu sync.Mutex
	var got []int32
	wired.Subscribe(func(m pipeline.Message[int32]) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m.Data)
	})
	require.Eventually(t, func() bool { return w.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_ = out.Post(7, time.Now())
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 5*time.Second, 20*time.Millisecond)

	st, ok := r.ConnectorManager().Store("RunSensor.000", "Sensor-Counter")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		info, err := st.Stream(context.Background(), "Counter")
		return err == nil && info.Count > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, r.RemoveProcess("Sensor"))
	require.Eventually(t, func() bool {
		_, removed := events.snapshot()
		return len(removed) == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, ok = r.ConnectorManager().Connector("Sensor-Counter", "Counter")
	assert.False(t, ok)
	_, ok = r.Pipeline().Subpipeline("Sensor")
	assert.False(t, ok)

	require.NoError(t, r.Stop(2*time.Second))
}

func TestRendezvousPipeline_IgnoresProcessWithoutTopics(t *testing.T) {
	r, err := NewRendezvousPipeline(serverConfig(t))
	require.NoError(t, err)
	defer r.Stop(time.Second)
	require.NoError(t, r.Start(context.Background()))

	p := pipeline.New("other")
	defer p.Dispose(time.Second)
	out := pipeline.NewEmitter[int32](p, "Unconfigured")
	w, err := tcp.NewTypedWriter(p, tcp.WriterConfig{Host: "127.0.0.1"}, out, "int32", format.Int32())
	require.NoError(t, err)

	require.True(t, r.AddProcess(rendezvous.NewProcess("Other", w.Endpoint())))
	require.Eventually(t, func() bool {
		return len(r.Rendezvous().Processes()) > 0
	}, time.Second, 10*time.Millisecond)

	// the empty session is dropped with the subpipeline
	assert.Eventually(t, func() bool {
		_, sub := r.Pipeline().Subpipeline("Other")
		_, session := r.GetSession("RunOther.000")
		return !sub && !session
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, r.Connectors())
}

func TestRendezvousPipeline_CommandProcess(t *testing.T) {
	type received struct {
		source string
		msg    pipeline.Message[command.Message]
	}
	commands := make(chan received, 4)
	r, err := NewRendezvousPipeline(serverConfig(t), WithCommandHandler(func(source string, m pipeline.Message[command.Message]) {
		commands <- received{source, m}
	}))
	require.NoError(t, err)
	defer r.Stop(time.Second)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.RunPipeline())

	// a second orchestrator announcing its command channel
	p := pipeline.New("controller")
	defer p.Dispose(time.Second)
	out := pipeline.NewEmitter[command.Message](p, command.StreamName)
	w, err := tcp.NewTypedWriter(p, tcp.WriterConfig{Host: "127.0.0.1"}, out, "command", command.Format())
	require.NoError(t, err)
	require.NoError(t, p.RunAsync())
	require.True(t, r.AddProcess(rendezvous.NewProcess(command.ProcessName("Controller"), w.Endpoint())))

	require.Eventually(t, func() bool { return w.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)
	sentAt := time.Now()
	require.NoError(t, out.Post(command.New(command.Run, "Server", ""), sentAt))

	select {
	case got := <-commands:
		assert.Equal(t, command.ProcessName("Controller"), got.source)
		assert.Equal(t, command.Run, got.msg.Data.Command)
		assert.True(t, got.msg.OriginatingTime.Equal(sentAt), "the envelope travels with the command")
	case <-time.After(5 * time.Second):
		t.Fatal("command not delivered")
	}
}
