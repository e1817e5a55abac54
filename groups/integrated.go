package groups

import (
	"maps"
	"math"
	"slices"
	"time"
)

// IntegratedConfig configures IntegratedDetector
type IntegratedConfig struct {
	// IncreaseWeightFactor is the exponent applied to the elapsed milliseconds
	// when a body is seen in a group. It is also the weight of a new body.
	IncreaseWeightFactor float64
	// DecreaseWeightFactor is the exponent applied to the elapsed milliseconds
	// for the other groups of the body
	DecreaseWeightFactor float64
	// IntersectionPercentage is the share of a known group that must be
	// found in a larger instant group for the known group to be absorbed
	IntersectionPercentage float64
}

// DefaultIntegratedConfig returns factors 3 and 2 with an 80% intersection
func DefaultIntegratedConfig() IntegratedConfig {
	return IntegratedConfig{
		IncreaseWeightFactor:   3,
		DecreaseWeightFactor:   2,
		IntersectionPercentage: 0.8,
	}
}

// IntegratedDetector assigns every body to the group it has been seen in the
// most over time
type IntegratedDetector struct {
	cfg      IntegratedConfig
	pairing  map[uint64]uint64 // absorbed group -> absorbing group
	lastSeen map[uint64]time.Time
	known    Groups
	weights  map[uint64]map[uint64]float64 // body -> group -> weight
	removed  map[uint64]struct{}
}

// NewIntegratedDetector creates a detector
func NewIntegratedDetector(cfg IntegratedConfig) *IntegratedDetector {
	return &IntegratedDetector{
		cfg:      cfg,
		pairing:  make(map[uint64]uint64),
		lastSeen: make(map[uint64]time.Time),
		known:    make(Groups),
		weights:  make(map[uint64]map[uint64]float64),
		removed:  make(map[uint64]struct{}),
	}
}

// Process integrates the instant groups of the frame at t and returns the
// integrated groups
func (d *IntegratedDetector) Process(instant Groups, t time.Time) Groups {
	d.absorb(instant)

	for _, id := range instant.IDs() {
		members := instant[id]
		if d.containsRemoved(members) {
			continue
		}
		if _, ok := d.known[id]; !ok {
			d.known[id] = slices.Clone(members)
		}
		for _, body := range members {
			d.reinforce(body, id, t)
		}
	}
	return d.Integrated()
}

// absorb retires known groups mostly contained in a larger instant group
func (d *IntegratedDetector) absorb(instant Groups) {
	retired := make(map[uint64][]uint64)
	for _, id := range instant.IDs() {
		members := instant[id]
		for _, known := range d.known.IDs() {
			group := d.known[known]
			if len(members) <= len(group) {
				continue
			}
			shared := intersection(group, members)
			if shared > 0 && float64(shared)/float64(len(group)) >= d.cfg.IntersectionPercentage {
				retired[id] = append(retired[id], known)
			}
		}
	}

	for by, groups := range retired {
		for _, group := range groups {
			d.pairing[group] = by
			delete(d.known, group)
			for _, w := range d.weights {
				delete(w, group)
			}
		}
	}
}

func (d *IntegratedDetector) reinforce(body, group uint64, t time.Time) {
	w, ok := d.weights[body]
	if !ok {
		d.weights[body] = map[uint64]float64{group: d.cfg.IncreaseWeightFactor}
		d.lastSeen[body] = t
		return
	}

	span := float64(t.Sub(d.lastSeen[body])) / float64(time.Millisecond)
	increase := math.Pow(span, d.cfg.IncreaseWeightFactor)
	decrease := math.Pow(span, d.cfg.DecreaseWeightFactor)

	w[group] += increase
	if by, ok := d.pairing[group]; ok {
		if _, tracked := w[by]; tracked {
			w[by] += increase
		}
	}
	for other := range w {
		if other != group {
			w[other] -= decrease
		}
	}
	d.lastSeen[body] = t
}

// Integrated returns each body under its highest weighted group. Ties go to
// the smallest group id.
func (d *IntegratedDetector) Integrated() Groups {
	out := make(Groups)
	for _, body := range slices.Sorted(maps.Keys(d.weights)) {
		w := d.weights[body]
		if len(w) == 0 {
			continue
		}
		best, bestWeight := uint64(0), math.Inf(-1)
		for _, group := range slices.Sorted(maps.Keys(w)) {
			if w[group] > bestWeight {
				best, bestWeight = group, w[group]
			}
		}
		out[best] = append(out[best], body)
	}
	return out
}

// Weight returns the weight of body toward group
func (d *IntegratedDetector) Weight(body, group uint64) (float64, bool) {
	v, ok := d.weights[body][group]
	return v, ok
}

// RemoveBodies forgets bodies. A group tracked by a single remaining body is
// dropped with it. Groups holding a removed body are ignored afterwards.
func (d *IntegratedDetector) RemoveBodies(ids []uint64) {
	for _, id := range ids {
		delete(d.lastSeen, id)
		for group := range d.weights[id] {
			var others []uint64
			for body, w := range d.weights {
				if body == id {
					continue
				}
				if _, ok := w[group]; ok {
					others = append(others, body)
				}
			}
			if len(others) == 1 {
				delete(d.weights[others[0]], group)
			}
			if len(others) <= 1 {
				delete(d.known, group)
			}
		}
		delete(d.weights, id)
		d.removed[id] = struct{}{}
	}
}

func (d *IntegratedDetector) containsRemoved(members []uint64) bool {
	for _, body := range members {
		if _, ok := d.removed[body]; ok {
			return true
		}
	}
	return false
}

func intersection(a, b []uint64) int {
	n := 0
	for _, id := range canonical(a) {
		if slices.Contains(b, id) {
			n++
		}
	}
	return n
}
