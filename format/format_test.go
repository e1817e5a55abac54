package format

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/saacpsi/psistreams/errors"
)

func TestEncode_Layout(t *testing.T) {
	ts := time.Unix(0, 1_700_000_000_123_456_789)
	payload, err := Encode(Int32(), 7, ts)
	require.NoError(t, err)

	require.Len(t, payload, 12)
	assert.Equal(t, uint64(ts.UnixNano()), binary.LittleEndian.Uint64(payload[:8]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(payload[8:]))
}

func TestVec3_WireLayout(t *testing.T) {
	data, err := Vec3().Marshal(r3.Vec{X: 1, Y: -2, Z: 0.5})
	require.NoError(t, err)
	require.Len(t, data, 24)
	assert.Equal(t, -2.0, math.Float64frombits(binary.LittleEndian.Uint64(data[8:16])))
}

func TestDecode(t *testing.T) {
	ts := time.Unix(42, 0)

	tests := []struct {
		name  string
		codec Codec
		value any
	}{
		{"bool", Erase("bool", Bool()), true},
		{"int64", Erase("int64", Int64()), int64(-99)},
		{"float64", Erase("float64", Float64()), 3.25},
		{"string", Erase("string", String()), "héllo"},
		{"bytes", Erase("bytes", Bytes()), []byte{1, 2, 3}},
		{"pose", Erase("pose", PoseFormat()), Pose{Position: r3.Vec{X: 1}, Orientation: r3.Vec{Z: 2}}},
		{"json", Erase("json", JSON[map[string]int]()), map[string]int{"a": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := tt.codec.Encode(tt.value, ts)
			require.NoError(t, err)

			got, gotTime, err := tt.codec.Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
			assert.True(t, ts.Equal(gotTime))
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	_, _, err := Decode(Int32(), []byte{1, 2, 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidData)
	assert.True(t, errors.IsInvalid(err))

	payload := make([]byte, TimeSize+3)
	_, _, err = Decode(Vec3(), payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrParsingFailed)
}

func TestCodec_EncodeWrongType(t *testing.T) {
	c := Erase("vec3", Vec3())
	assert.Equal(t, "r3.Vec", c.TypeName())

	_, err := c.Encode("not a vector", time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestRegistry(t *testing.T) {
	r := Builtin()
	assert.Contains(t, r.Names(), "vec3")

	c, ok := r.Get("string")
	require.True(t, ok)
	assert.Equal(t, "string", c.TypeName())

	assert.Error(t, r.Register(Erase("string", String())))
	require.NoError(t, r.Register(Erase("custom", JSON[[]float64]())))
	_, ok = r.Get("custom")
	assert.True(t, ok)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}
