//go:build integration

package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saacpsi/psistreams/command"
	"github.com/saacpsi/psistreams/config"
	"github.com/saacpsi/psistreams/natsclient"
	"github.com/saacpsi/psistreams/pipeline"
)

func TestRendezvousPipeline_CommandsOverNATS(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithKVBuckets("processes"))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const subject = "psistreams.commands"
	cfg := serverConfig(t)
	cfg.Relay.Kind = config.RelayNATS
	cfg.Relay.Bucket = "processes"
	cfg.NATS.CommandSubject = subject

	got := make(chan receivedCommand, 1)
	r, err := NewRendezvousPipeline(cfg,
		WithNATS(tc.Client),
		WithCommandHandler(func(source string, m pipeline.Message[command.Message]) {
			got <- receivedCommand{source, m}
		}))
	require.NoError(t, err)
	defer r.Stop(time.Second)

	published := make(chan natsCommand, 1)
	require.NoError(t, tc.Client.Subscribe(ctx, subject, func(_ context.Context, data []byte) {
		var nc natsCommand
		if json.Unmarshal(data, &nc) == nil && nc.Source == "Server" {
			published <- nc
		}
	}))
	require.NoError(t, r.Start(ctx))

	assert.True(t, r.SendCommand(command.Run, "Sensor", "fast"), "NATS carries commands without a command port")
	select {
	case nc := <-published:
		assert.Equal(t, command.Run, nc.Command)
		assert.Equal(t, "Sensor;fast", nc.Args)
	case <-ctx.Done():
		t.Fatal("command not published")
	}

	data, err := json.Marshal(natsCommand{Source: "Remote", Command: command.Status, Args: "*;", OriginatingTime: time.Now()})
	require.NoError(t, err)
	require.NoError(t, tc.Client.Publish(ctx, subject, data))
	select {
	case c := <-got:
		assert.Equal(t, "Remote", c.source)
		assert.Equal(t, command.Status, c.msg.Data.Command)
	case <-ctx.Done():
		t.Fatal("command not received")
	}
	assert.Empty(t, got, "own commands are not delivered back")
}
