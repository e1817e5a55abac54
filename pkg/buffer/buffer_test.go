package buffer

import (
	"sync"
	"testing"

	cerrors "github.com/saacpsi/psistreams/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircularBufferBasicOperations(t *testing.T) {
	buf := NewCircularBuffer[string](3)
	defer buf.Close()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 3, buf.Capacity())

	require.NoError(t, buf.Write("first"))
	require.NoError(t, buf.Write("second"))
	assert.Equal(t, 2, buf.Size())

	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, "first", item)
	assert.Equal(t, 1, buf.Size())

	_, _ = buf.Read()
	_, ok = buf.Read()
	assert.False(t, ok)
}

func TestCircularBufferEvictsOldest(t *testing.T) {
	buf := NewCircularBuffer[int](3)
	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}
	assert.Equal(t, []int{3, 4, 5}, buf.Items())
	assert.True(t, buf.IsFull())
	assert.Equal(t, int64(2), buf.Stats().Drops())
	assert.InDelta(t, 2.0/7.0, buf.Stats().DropRate(), 1e-9)
}

func TestCircularBufferItemsWrapAround(t *testing.T) {
	buf := NewCircularBuffer[int](4)
	for i := range 10 {
		require.NoError(t, buf.Write(i))
	}
	assert.Equal(t, []int{6, 7, 8, 9}, buf.Items())

	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 6, item)
	assert.Equal(t, []int{7, 8, 9}, buf.Items())
	assert.Equal(t, int64(1), buf.Stats().Reads())
}

func TestCircularBufferMinimumCapacity(t *testing.T) {
	buf := NewCircularBuffer[int](0)
	assert.Equal(t, 1, buf.Capacity())
}

func TestCircularBufferWriteAfterClose(t *testing.T) {
	buf := NewCircularBuffer[int](2)
	require.NoError(t, buf.Close())

	err := buf.Write(1)
	require.Error(t, err)
	assert.True(t, cerrors.IsInvalid(err))
	assert.ErrorIs(t, err, cerrors.ErrAlreadyStopped)
}

func TestCircularBufferThreadSafety(t *testing.T) {
	buf := NewCircularBuffer[int](64)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := range 100 {
				_ = buf.Write(base*1000 + i)
				if i%3 == 0 {
					buf.Read()
				}
			}
		}(w)
	}
	wg.Wait()

	stats := buf.Stats()
	assert.Equal(t, int64(800), stats.Writes())
	assert.LessOrEqual(t, buf.Size(), 64)
	assert.Equal(t, int64(64), stats.MaxSize())
}
