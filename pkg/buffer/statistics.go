package buffer

import "sync/atomic"

// Statistics counts buffer operations.
type Statistics struct {
	writes  atomic.Int64
	reads   atomic.Int64
	drops   atomic.Int64
	maxSize atomic.Int64
}

// Writes returns the number of accepted writes.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of items removed by Read.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Drops returns the number of items evicted by a write to a full buffer.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// MaxSize returns the high-water mark.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// DropRate returns drops over attempted writes.
func (s *Statistics) DropRate() float64 {
	total := s.writes.Load() + s.drops.Load()
	if total == 0 {
		return 0
	}
	return float64(s.drops.Load()) / float64(total)
}

func (s *Statistics) observeSize(size int) {
	for {
		cur := s.maxSize.Load()
		if int64(size) <= cur || s.maxSize.CompareAndSwap(cur, int64(size)) {
			return
		}
	}
}
