package rendezvous

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/pkg/retry"
	"github.com/saacpsi/psistreams/transport"
)

func sampleProcess(name string) Process {
	return Process{
		Name:    name,
		Version: "1.0",
		Endpoints: []Endpoint{
			TCPSourceEndpoint{Host: "10.0.0.1", Port: 11411, Streams: []Stream{{Name: "Head", TypeName: "r3.Vec"}}},
			RemoteExporterEndpoint{Host: "10.0.0.1", Port: 11412, Transport: "tcp", Streams: []Stream{{Name: "Audio", TypeName: "[]uint8"}}},
			RemoteClockExporterEndpoint{Host: "10.0.0.1", Port: 11510},
			WebSocketSourceEndpoint{Host: "10.0.0.1", Port: 8765, Secure: true, Streams: []Stream{{Name: "Gaze", TypeName: "r3.Vec"}}},
		},
	}
}

func TestProcess_JSON(t *testing.T) {
	in := sampleProcess("Camera")
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"remote-clock-exporter"`)

	var out Process
	require.NoError(t, json.Unmarshal(data, &out))
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("process mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, out.Endpoints[2].StreamList())
}

func TestProcess_UnknownEndpointKind(t *testing.T) {
	var p Process
	err := json.Unmarshal([]byte(`{"name":"x","endpoints":[{"kind":"carrier-pigeon","endpoint":{}}]}`), &p)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownEndpoint)
}

type events struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (e *events) watch(r *Rendezvous) {
	r.OnProcessAdded(func(p Process) {
		e.mu.Lock()
		e.added = append(e.added, p.Name)
		e.mu.Unlock()
	})
	r.OnProcessRemoved(func(p Process) {
		e.mu.Lock()
		e.removed = append(e.removed, p.Name)
		e.mu.Unlock()
	})
}

func (e *events) has(added, name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.removed
	if added == "added" {
		list = e.added
	}
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

func TestRendezvous_AddRemove(t *testing.T) {
	r := New()
	var ev events
	ev.watch(r)

	assert.True(t, r.TryAddProcess(NewProcess("B")))
	assert.True(t, r.TryAddProcess(NewProcess("A")))
	assert.False(t, r.TryAddProcess(NewProcess("A")), "names are unique")

	names := []string{}
	for _, p := range r.Processes() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"A", "B"}, names)

	assert.True(t, r.TryRemoveProcess("A"))
	assert.False(t, r.TryRemoveProcess("A"))
	_, ok := r.Process("A")
	assert.False(t, ok)

	assert.Equal(t, []string{"B", "A"}, ev.added)
	assert.Equal(t, []string{"A"}, ev.removed)
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: retry.Unbounded, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
}

func startServer(t *testing.T) (*Server, *Rendezvous) {
	t.Helper()
	rdv := New()
	srv := NewServer(rdv, ServerConfig{Port: 0, AcceptRate: 1000})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, rdv
}

func startClient(t *testing.T, port int) (*Client, *Rendezvous) {
	t.Helper()
	rdv := New()
	c := NewClient(rdv, ClientConfig{Host: "127.0.0.1", Port: port, Retry: fastRetry()})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })
	return c, rdv
}

func TestRelay_ServerAndClientsConverge(t *testing.T) {
	srv, serverRdv := startServer(t)
	require.True(t, serverRdv.TryAddProcess(NewProcess("ServerProcess")))

	clientA, rdvA := startClient(t, srv.Port())
	_, rdvB := startClient(t, srv.Port())
	var evB events
	evB.watch(rdvB)

	require.Eventually(t, func() bool { return srv.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, a := rdvA.Process("ServerProcess")
		_, b := rdvB.Process("ServerProcess")
		return a && b
	}, 2*time.Second, 10*time.Millisecond, "snapshot reaches clients")

	require.True(t, rdvA.TryAddProcess(sampleProcess("Camera")))
	require.Eventually(t, func() bool { return evB.has("added", "Camera") }, 2*time.Second, 10*time.Millisecond)
	got, ok := rdvB.Process("Camera")
	require.True(t, ok)
	assert.Len(t, got.Endpoints, 4)
	_, ok = serverRdv.Process("Camera")
	assert.True(t, ok)

	require.True(t, rdvA.TryRemoveProcess("Camera"))
	require.Eventually(t, func() bool { return evB.has("removed", "Camera") }, 2*time.Second, 10*time.Millisecond)

	require.True(t, rdvA.TryAddProcess(NewProcess("Whisper")))
	require.Eventually(t, func() bool { return evB.has("added", "Whisper") }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, clientA.Stop())
	assert.Eventually(t, func() bool { return evB.has("removed", "Whisper") }, 2*time.Second, 10*time.Millisecond,
		"a disconnected client's processes are removed")
}

func TestRelay_ClientReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	client, rdv := startClient(t, port)
	require.True(t, rdv.TryAddProcess(NewProcess("Early")))
	assert.True(t, client.IsActive())
	assert.False(t, client.Connected())

	serverRdv := New()
	srv := NewServer(serverRdv, ServerConfig{Port: port, AcceptRate: 1000})
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	assert.Eventually(t, func() bool {
		_, ok := serverRdv.Process("Early")
		return ok
	}, 3*time.Second, 20*time.Millisecond, "processes added before connecting are sent on connect")
}

func TestServer_RejectsMalformedMessages(t *testing.T) {
	reported := make(chan error, 1)
	rdv := New()
	srv := NewServer(rdv, ServerConfig{AcceptRate: 1000, OnError: func(err error) {
		select {
		case reported <- err:
		default:
		}
	}})
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.Port())))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, transport.WriteFrame(conn, []byte(`{"type":"add"}`)))

	select {
	case err := <-reported:
		assert.True(t, errors.IsInvalid(err))
	case <-time.After(2 * time.Second):
		t.Fatal("malformed message not reported")
	}
	assert.Empty(t, rdv.Processes())
}

func TestServer_DoubleStart(t *testing.T) {
	srv, _ := startServer(t)
	assert.ErrorIs(t, srv.Start(context.Background()), errors.ErrAlreadyStarted)
	assert.True(t, srv.IsActive())
	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsActive())
	assert.NoError(t, srv.Stop())
}

func TestKeyOf(t *testing.T) {
	name := "Sess 1/Alice.Positions"
	key := KeyOf(name)
	assert.NotContains(t, key, ".")
	assert.NotContains(t, key, " ")
	back, err := nameOf(key)
	require.NoError(t, err)
	assert.Equal(t, name, back)
}
