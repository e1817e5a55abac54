package remote

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/pipeline"
	"github.com/saacpsi/psistreams/rendezvous"
)

func TestExportImport(t *testing.T) {
	server := pipeline.New("server")
	defer server.Dispose(2 * time.Second)

	heads := pipeline.NewEmitter[r3.Vec](server, "Head")
	labels := pipeline.NewEmitter[string](server, "Label")

	exp, err := NewExporter(server, ExporterConfig{})
	require.NoError(t, err)
	require.NoError(t, exp.AddStream(heads, format.Erase("vec3", format.Vec3())))
	require.NoError(t, exp.AddStream(labels, format.Erase("string", format.String())))
	require.Error(t, exp.AddStream(heads, format.Erase("vec3", format.Vec3())), "duplicate stream")
	require.NoError(t, server.RunAsync())

	ep := exp.Endpoint()
	assert.Equal(t, rendezvous.KindRemoteExporter, ep.Kind())
	assert.Equal(t, []rendezvous.Stream{{Name: "Head", TypeName: "r3.Vec"}, {Name: "Label", TypeName: "string"}}, ep.Streams)

	client := pipeline.New("client")
	defer client.Dispose(2 * time.Second)

	imp, err := Connect(context.Background(), client, ImporterConfig{Host: "127.0.0.1", Port: exp.Port(), Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, ep.Streams, imp.Streams())

	out, err := Open(imp, client, "Head", format.Vec3())
	require.NoError(t, err)
	_, err = Open(imp, client, "Missing", format.Vec3())
	assert.ErrorIs(t, err, errors.ErrStreamNotFound)

	var mu sync.Mutex
	var got []r3.Vec
	out.Subscribe(func(m pipeline.Message[r3.Vec]) {
		mu.Lock()
		got = append(got, m.Data)
		mu.Unlock()
	})
	require.NoError(t, client.RunAsync())

	_, err = Open(imp, client, "Label", format.String())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted, "open after start")

	// Wait for the subscription to reach the exporter, then send.
	require.Eventually(t, func() bool {
		_ = labels.Post("ignored", time.Now())
		_ = heads.Post(r3.Vec{X: 1, Y: 2, Z: 3}, time.Now())
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, got[0])
}

func TestConnect_TimesOut(t *testing.T) {
	// A listener that never answers the handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			time.Sleep(time.Second)
		}
	}()

	p := pipeline.New("client")
	defer p.Dispose(time.Second)

	start := time.Now()
	_, err = Connect(context.Background(), p, ImporterConfig{
		Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrImporterTimeout)
	assert.True(t, errors.IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnect_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	p := pipeline.New("client")
	defer p.Dispose(time.Second)

	_, err = Connect(context.Background(), p, ImporterConfig{Host: "127.0.0.1", Port: port, Timeout: time.Second})
	assert.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
