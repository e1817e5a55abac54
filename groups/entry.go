package groups

import (
	"slices"
	"time"
)

// EntryConfig configures EntryDetector
type EntryConfig struct {
	// FormationDelay is how long an instant group must persist to be formed
	FormationDelay time.Duration
}

// DefaultEntryConfig returns a two second formation delay
func DefaultEntryConfig() EntryConfig {
	return EntryConfig{FormationDelay: 2 * time.Second}
}

// EntryDetector promotes instant groups that persist longer than the
// formation delay. Bodies of a formed group stay in it until removed.
type EntryDetector struct {
	cfg       EntryConfig
	firstSeen map[uint64]time.Time
	formed    Groups
	fixed     map[uint64]uint64 // body -> formed group
}

// NewEntryDetector creates a detector
func NewEntryDetector(cfg EntryConfig) *EntryDetector {
	return &EntryDetector{
		cfg:       cfg,
		firstSeen: make(map[uint64]time.Time),
		formed:    make(Groups),
		fixed:     make(map[uint64]uint64),
	}
}

// Process applies the instant groups of the frame at t and returns the
// formed groups
func (d *EntryDetector) Process(instant Groups, t time.Time) Groups {
	// groups that vanished before forming restart their delay
	for id := range d.firstSeen {
		if _, present := instant[id]; present {
			continue
		}
		if _, formed := d.formed[id]; !formed {
			delete(d.firstSeen, id)
		}
	}

	for _, id := range instant.IDs() {
		members := instant[id]
		since, seen := d.firstSeen[id]
		if !seen {
			if !d.collides(members) {
				d.firstSeen[id] = t
			}
			continue
		}
		if _, formed := d.formed[id]; formed || d.collides(members) {
			continue
		}
		if t.Sub(since) > d.cfg.FormationDelay {
			d.formed[id] = slices.Clone(members)
			for _, body := range members {
				d.fixed[body] = id
			}
		}
	}
	return d.formed.Clone()
}

// RemoveBodies takes bodies out of their formed group. A group left with a
// single member is dissolved.
func (d *EntryDetector) RemoveBodies(ids []uint64) {
	for _, body := range ids {
		group, ok := d.fixed[body]
		if !ok {
			continue
		}
		delete(d.fixed, body)
		remaining := slices.DeleteFunc(d.formed[group], func(id uint64) bool { return id == body })
		if len(remaining) > 1 {
			d.formed[group] = remaining
			continue
		}
		for _, id := range remaining {
			delete(d.fixed, id)
		}
		delete(d.formed, group)
		delete(d.firstSeen, group)
	}
}

// Formed returns the formed groups
func (d *EntryDetector) Formed() Groups {
	return d.formed.Clone()
}

func (d *EntryDetector) collides(members []uint64) bool {
	for _, body := range members {
		if _, fixed := d.fixed[body]; fixed {
			return true
		}
	}
	return false
}
