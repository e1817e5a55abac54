package command

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/metric"
	"github.com/saacpsi/psistreams/pipeline"
)

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "Run", Run.String())
	assert.Equal(t, "Status", Status.String())
	assert.Equal(t, "Command(9)", Command(9).String())

	c, err := Parse("restart")
	require.NoError(t, err)
	assert.Equal(t, Restart, c)

	_, err = Parse("reboot")
	assert.ErrorIs(t, err, errors.ErrUnknownCommand)
}

func TestFormat_WireLayout(t *testing.T) {
	data, err := Format().Marshal(New(Stop, "Camera", "now"))
	require.NoError(t, err)

	assert.Equal(t, uint32(Stop), binary.LittleEndian.Uint32(data[0:4]))
	assert.Equal(t, uint32(len("Camera;now")), binary.LittleEndian.Uint32(data[4:8]))
	assert.Equal(t, "Camera;now", string(data[8:]))
}

func TestFormat_RoundTripWithTime(t *testing.T) {
	ts := time.Unix(100, 5)
	payload, err := format.Encode(Format(), New(Status, "*", ""), ts)
	require.NoError(t, err)

	m, gotTime, err := format.Decode(Format(), payload)
	require.NoError(t, err)
	assert.Equal(t, Status, m.Command)
	assert.Equal(t, "*;", m.Args)
	assert.True(t, ts.Equal(gotTime))
}

func TestFormat_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short", []byte{1, 0, 0}},
		{"length overflow", []byte{1, 0, 0, 0, 10, 0, 0, 0, 'a'}},
		{"unknown command", []byte{42, 0, 0, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Format().Unmarshal(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestMessage_Addressing(t *testing.T) {
	tests := []struct {
		name   string
		msg    Message
		app    string
		accept bool
	}{
		{"wildcard", New(Run, "*", ""), "Camera", true},
		{"exact", New(Run, "Camera", "fast"), "Camera", true},
		{"other app", New(Run, "Whisper", ""), "Camera", false},
		{"prefix is not a match", New(Run, "Cam", ""), "Camera", false},
		{"no separator", Message{Command: Run, Args: "Camera"}, "Camera", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.accept, tt.msg.Accepts(tt.app))
		})
	}

	m := New(Initialize, "Camera", "a;b")
	assert.Equal(t, []string{"Camera", "a", "b"}, m.Fields())
	assert.Equal(t, "a;b", m.Arguments())
}

func TestStatusReply(t *testing.T) {
	assert.Equal(t, "Running", StatusReply(true))
	assert.Equal(t, "Waiting", StatusReply(false))
	assert.Equal(t, "Camera-Command", ProcessName("Camera"))
}

func TestDispatcher(t *testing.T) {
	m := metric.NewMetrics()
	d := NewDispatcher("Camera", nil, m)

	var sequences []int64
	d.Handle(Run, func(source string, msg pipeline.Message[Message]) {
		assert.Equal(t, "Server-Command", source)
		sequences = append(sequences, msg.SequenceID)
	})

	at := time.Unix(1_700_000_000, 0)
	msg := func(seq int64, c Command, target string) pipeline.Message[Message] {
		return pipeline.Message[Message]{
			Data:     New(c, target, ""),
			Envelope: pipeline.Envelope{OriginatingTime: at, SequenceID: seq},
		}
	}
	assert.True(t, d.Dispatch("Server-Command", msg(1, Run, "*")))
	assert.True(t, d.Dispatch("Server-Command", msg(2, Run, "Camera")))
	assert.False(t, d.Dispatch("Server-Command", msg(3, Run, "Whisper")), "not addressed to us")
	assert.False(t, d.Dispatch("Server-Command", msg(4, Stop, "Camera")), "no handler")

	assert.Equal(t, []int64{1, 2}, sequences)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommandsDelivered.WithLabelValues("Run")))
}
