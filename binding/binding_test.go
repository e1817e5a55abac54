package binding

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/pipeline"
	"github.com/saacpsi/psistreams/pkg/retry"
	"github.com/saacpsi/psistreams/transport/tcp"
)

func TestRegistry_Resolve(t *testing.T) {
	r := Builtin()
	topics := map[string]string{
		"Head":    "r3.Vec",
		"Gaze":    "r3.Vec",
		"Unknown": "kinect.Body",
		"Audio":   "[]uint8",
	}
	serializers := map[string]string{"r3.Vec": "vec3", "kinect.Body": "body"}

	tests := []struct {
		name        string
		topic       string
		wantOK      bool
		wantErr     error
		wantTypeStr string
	}{
		{"configured", "Head", true, nil, "r3.Vec"},
		{"not a topic", "Pose", false, nil, ""},
		{"unregistered type", "Unknown", true, errors.ErrUnknownTopicType, ""},
		{"no serializer", "Audio", true, errors.ErrMissingSerializer, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok, err := r.Resolve(topics, serializers, tt.topic)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, errors.IsFatal(err))
				return
			}
			require.NoError(t, err)
			if ok {
				assert.Equal(t, tt.wantTypeStr, res.Type.Name())
				assert.Equal(t, "vec3", res.Serializer)
			}
		})
	}
}

func TestRegistry_ResolveTypeDefaultsSerializer(t *testing.T) {
	r := Builtin()
	res, err := r.ResolveType(nil, "Head", "r3.Vec")
	require.NoError(t, err)
	assert.Equal(t, "vec3", res.Serializer)

	res, err = r.ResolveType(map[string]string{"r3.Vec": "json"}, "Head", "r3.Vec")
	require.NoError(t, err)
	assert.Equal(t, "json", res.Serializer)

	_, err = r.ResolveType(nil, "Body", "kinect.Body")
	assert.ErrorIs(t, err, errors.ErrUnknownTopicType)
}

func TestRegistry_Validate(t *testing.T) {
	r := Builtin()
	require.NoError(t, r.RegisterTransformer(Map("Norm", func(v r3.Vec) float64 { return r3.Norm(v) })))
	assert.Error(t, r.RegisterTransformer(Map("Norm", func(v r3.Vec) float64 { return 0 })))

	topics := map[string]string{"Head": "r3.Vec"}
	serializers := map[string]string{"r3.Vec": "vec3"}
	assert.NoError(t, r.Validate(topics, serializers, map[string]string{"Head": "Norm"}))

	err := r.Validate(topics, serializers, map[string]string{"Head": "Smooth"})
	assert.ErrorIs(t, err, errors.ErrUnknownTransformer)
	assert.True(t, errors.IsFatal(err))

	err = Register(r, Serializer[r3.Vec]{"vec3", format.Vec3()})
	assert.True(t, errors.IsInvalid(err), "a type is registered once")
}

func TestMap_AppliesToTypedSource(t *testing.T) {
	p := pipeline.New("map-test")
	defer p.Dispose(time.Second)
	src := pipeline.NewEmitter[r3.Vec](p, "Head")

	out, err := Map("Norm", func(v r3.Vec) float64 { return r3.Norm(v) }).Apply(p, "HeadNorm", src)
	require.NoError(t, err)
	assert.Equal(t, "float64", out.TypeName())
	assert.Equal(t, "HeadNorm", out.Name())

	var mu sync.Mutex
	var got []float64
	out.SubscribeAny(func(v any, _ pipeline.Envelope) {
		mu.Lock()
		got = append(got, v.(float64))
		mu.Unlock()
	})
	require.NoError(t, src.Post(r3.Vec{X: 3, Y: 4}, time.Unix(1, 0)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == 5
	}, time.Second, 5*time.Millisecond)

	_, err = Map("Norm", func(v r3.Vec) float64 { return 0 }).Apply(p, "Bad", pipeline.NewEmitter[int32](p, "Count"))
	assert.ErrorIs(t, err, errors.ErrUnknownTransformer)
}

func TestType_OpenTCP(t *testing.T) {
	r := Builtin()
	vec, ok := r.Type("r3.Vec")
	require.True(t, ok)

	p := pipeline.New("binding-test")
	defer p.Dispose(2 * time.Second)
	src := pipeline.NewEmitter[r3.Vec](p, "Head")
	codec, err := vec.Codec("vec3")
	require.NoError(t, err)
	w, err := tcp.NewWriter(p, tcp.WriterConfig{}, src, codec)
	require.NoError(t, err)

	quick := retry.Config{MaxAttempts: retry.Unbounded, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	out, err := vec.OpenTCP(p, tcp.SourceConfig{Host: "127.0.0.1", Port: w.Port(), Stream: "Head", Retry: quick}, "vec3")
	require.NoError(t, err)
	assert.Equal(t, "r3.Vec", out.TypeName())

	received := make(chan r3.Vec, 1)
	out.SubscribeAny(func(v any, _ pipeline.Envelope) { received <- v.(r3.Vec) })
	require.NoError(t, p.RunAsync())
	require.Eventually(t, func() bool { return w.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, src.Post(r3.Vec{X: 1, Y: 2, Z: 3}, time.Unix(10, 0)))
	select {
	case v := <-received:
		assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, v)
	case <-time.After(2 * time.Second):
		t.Fatal("no value received")
	}

	_, err = vec.OpenTCP(p, tcp.SourceConfig{Host: "127.0.0.1", Port: w.Port()}, "protobuf")
	assert.ErrorIs(t, err, errors.ErrMissingSerializer)
}

func TestType_Emitter(t *testing.T) {
	vec, _ := Builtin().Type("r3.Vec")
	p := pipeline.New("emitter-test")
	defer p.Dispose(time.Second)

	out, post, err := vec.Emitter(p, "Head", "vec3")
	require.NoError(t, err)
	received := make(chan pipeline.Envelope, 1)
	out.SubscribeAny(func(_ any, env pipeline.Envelope) { received <- env })

	payload, err := format.Encode(format.Vec3(), r3.Vec{X: 1}, time.Unix(42, 0))
	require.NoError(t, err)
	require.NoError(t, post(payload))
	select {
	case env := <-received:
		assert.True(t, env.OriginatingTime.Equal(time.Unix(42, 0)))
	case <-time.After(time.Second):
		t.Fatal("no value posted")
	}
	assert.Error(t, post([]byte{1, 2}))
}
