package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActor_SerializesInputs(t *testing.T) {
	p := New("actor")
	defer p.Dispose(time.Second)
	a := NewActor(p, "Sum", "sums two streams")
	left := NewEmitter[int](p, "Left")
	right := NewEmitter[int](p, "Right")
	out := NewEmitter[int](p, "Total")

	total := 0
	add := func(m Message[int]) {
		total += m.Data
		Emit(a, out, total, m.OriginatingTime)
	}
	ReceiveOn(a, left, add)
	ReceiveOn(a, right, add)
	require.NoError(t, p.Add(a))

	var got collector[int]
	out.Subscribe(got.add)
	require.NoError(t, p.RunAsync())
	assert.True(t, a.Health().Healthy)

	now := time.Now()
	for i := 1; i <= 50; i++ {
		require.NoError(t, left.Post(1, now))
		require.NoError(t, right.Post(2, now))
	}
	require.Eventually(t, func() bool { return got.len() == 100 }, 2*time.Second, 10*time.Millisecond)
	msgs := got.snapshot()
	assert.Equal(t, 150, msgs[len(msgs)-1].Data)
	assert.Eventually(t, func() bool { return a.Messages() == 100 }, time.Second, 10*time.Millisecond)
}

func TestActor_EnqueueAfterDispose(t *testing.T) {
	p := New("actor")
	a := NewActor(p, "Idle", "")
	require.NoError(t, p.Dispose(time.Second))

	done := make(chan struct{})
	go func() {
		for range actorInboxSize + 1 {
			a.Enqueue(func() {})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a disposed pipeline")
	}
}
