package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saacpsi/psistreams/dataset"
	"github.com/saacpsi/psistreams/rendezvous"
)

func recordedDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ds, err := dataset.Create(dir, "Study")
	require.NoError(t, err)
	session, err := ds.CreateSession("Run.000")
	require.NoError(t, err)

	storeDir := ds.StorePath(session.Name(), "Tracker")
	st, err := dataset.CreateStore("Tracker", storeDir)
	require.NoError(t, err)
	require.NoError(t, st.AddStream("Bodies", "groups.Frame", "json"))
	base := time.Unix(1_700_000_000, 0)
	for i := range 3 {
		_, err := st.Write("Bodies", base.Add(time.Duration(i)*time.Second), base, []byte("{}"))
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())
	session.AddPartition(dataset.Partition{Name: "Tracker", StoreName: "Tracker", StorePath: storeDir})
	require.NoError(t, ds.Save())
	return filepath.Join(dir, "Study")
}

func TestDatasetCommand(t *testing.T) {
	path := recordedDataset(t)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"dataset", "--json", path})
	require.NoError(t, rootCmd.Execute())
	jsonOutput = false

	var sessions []sessionSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "Run.000", sessions[0].Name)
	require.Len(t, sessions[0].Stores, 1)
	store := sessions[0].Stores[0]
	assert.Empty(t, store.Error)
	require.Len(t, store.Streams, 1)
	assert.Equal(t, "Bodies", store.Streams[0].Name)
	assert.Equal(t, int64(3), store.Streams[0].Count)
	assert.Equal(t, 2*time.Second, store.Streams[0].Last.Sub(store.Streams[0].First))
}

func TestDatasetCommand_MissingManifest(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"dataset", filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, rootCmd.Execute())
}

func TestPrintProcesses(t *testing.T) {
	var out bytes.Buffer
	printProcesses(&out, []rendezvous.Process{
		rendezvous.NewProcess("Tracker", rendezvous.TCPSourceEndpoint{
			Host: "10.0.0.2", Port: 11411,
			Streams: []rendezvous.Stream{{Name: "Bodies", TypeName: "groups.Frame"}},
		}),
		rendezvous.NewProcess("Idle"),
	})

	text := out.String()
	assert.Contains(t, text, "10.0.0.2:11411")
	assert.Contains(t, text, "Bodies:groups.Frame")
	assert.Contains(t, text, "tcp-source")
	assert.Contains(t, text, "Idle")
}

func TestAddress(t *testing.T) {
	tests := []struct {
		ep   rendezvous.Endpoint
		want string
	}{
		{rendezvous.TCPSourceEndpoint{Host: "h", Port: 1}, "h:1"},
		{rendezvous.RemoteExporterEndpoint{Host: "h", Port: 2, Transport: "tcp"}, "h:2/tcp"},
		{rendezvous.RemoteClockExporterEndpoint{Host: "h", Port: 3}, "h:3"},
		{rendezvous.WebSocketSourceEndpoint{Host: "h", Port: 4, Secure: true}, "wss://h:4"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, address(tt.ep))
	}
}
