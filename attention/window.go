package attention

import (
	"cmp"
	"slices"
	"time"
)

type entry struct {
	movement EyeMovement
	at       time.Time
}

// Window keeps the eye movements received during the last Length
type Window struct {
	Length  time.Duration
	entries []entry
}

// NewWindow creates an empty window
func NewWindow(length time.Duration) *Window {
	return &Window{Length: length}
}

// Add appends a movement received at t
func (w *Window) Add(m EyeMovement, t time.Time) {
	w.entries = append(w.entries, entry{movement: m, at: t})
}

// Evict drops the movements received before now-Length and returns how many
// remain
func (w *Window) Evict(now time.Time) int {
	cutoff := now.Add(-w.Length)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	w.entries = slices.Delete(w.entries, 0, i)
	return len(w.entries)
}

// Len returns the number of movements in the window
func (w *Window) Len() int { return len(w.entries) }

func (w *Window) each(fn func(EyeMovement)) {
	for _, e := range w.entries {
		fn(e.movement)
	}
}

// FixCount counts the fixations
func FixCount(w *Window) int {
	n := 0
	w.each(func(m EyeMovement) {
		if m.IsFixation {
			n++
		}
	})
	return n
}

// ObjectCount is the number of fixations on an object
type ObjectCount struct {
	Object ObjectKey `json:"object"`
	Count  int       `json:"count"`
}

// FixCountByObjects counts the fixations per fixed object, ordered by object
// id then name
func FixCountByObjects(w *Window) []ObjectCount {
	counts := make(map[ObjectKey]int)
	w.each(func(m EyeMovement) {
		if m.IsFixation {
			counts[m.FixedObject]++
		}
	})
	out := make([]ObjectCount, 0, len(counts))
	for o, n := range counts {
		out = append(out, ObjectCount{Object: o, Count: n})
	}
	slices.SortFunc(out, func(a, b ObjectCount) int {
		return cmp.Or(cmp.Compare(a.Object.ID, b.Object.ID), cmp.Compare(a.Object.Name, b.Object.Name))
	})
	return out
}

// MeanFixDuration averages the fixation durations, zero without fixations
func MeanFixDuration(w *Window) time.Duration {
	var total time.Duration
	n := 0
	w.each(func(m EyeMovement) {
		if m.IsFixation {
			total += m.Duration()
			n++
		}
	})
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// RatioSaccFix divides the total saccade time by the total fixation time,
// zero without fixation time
func RatioSaccFix(w *Window) float64 {
	var sacc, fix time.Duration
	w.each(func(m EyeMovement) {
		if m.IsFixation {
			fix += m.Duration()
		} else {
			sacc += m.Duration()
		}
	})
	if fix <= 0 {
		return 0
	}
	return sacc.Seconds() / fix.Seconds()
}

// SaccRate is the number of saccades per second of window
func SaccRate(w *Window) float64 {
	if w.Length <= 0 {
		return 0
	}
	n := 0
	w.each(func(m EyeMovement) {
		if !m.IsFixation {
			n++
		}
	})
	return float64(n) / w.Length.Seconds()
}
