// Package buffer provides a generic, thread-safe ring buffer that keeps the
// most recent items.
//
// Detectors use it as bounded per-body history: once full, every write
// evicts the oldest item.
package buffer

// Buffer is a bounded FIFO of T.
type Buffer[T any] interface {
	// Write appends an item, evicting the oldest one when full.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// Items returns a copy of the contents, oldest first.
	Items() []T

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool
	Stats() *Statistics
	Close() error
}

// NewCircularBuffer creates a ring buffer. Capacity below 1 is raised to 1.
func NewCircularBuffer[T any](capacity int) Buffer[T] {
	return newCircularBuffer[T](capacity)
}
