package buffer

import (
	"sync"

	"github.com/saacpsi/psistreams/errors"
)

type circularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	closed   bool
}

func newCircularBuffer[T any](capacity int) *circularBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    &Statistics{},
	}
}

func (cb *circularBuffer[T]) Write(item T) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}
	if cb.size == cb.capacity {
		cb.popLocked()
		cb.stats.drops.Add(1)
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++
	cb.stats.writes.Add(1)
	cb.stats.observeSize(cb.size)
	return nil
}

func (cb *circularBuffer[T]) popLocked() (T, bool) {
	var zero T
	if cb.size == 0 {
		return zero, false
	}
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	return item, true
}

func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	item, ok := cb.popLocked()
	if ok {
		cb.stats.reads.Add(1)
	}
	return item, ok
}

func (cb *circularBuffer[T]) Items() []T {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	out := make([]T, cb.size)
	for i := range cb.size {
		out[i] = cb.items[(cb.tail+i)%cb.capacity]
	}
	return out
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == cb.capacity
}

func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == 0
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	cb.closed = true
	cb.mu.Unlock()
	return nil
}
