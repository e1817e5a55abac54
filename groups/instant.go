package groups

import (
	"maps"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"
)

// InstantConfig configures InstantDetector
type InstantConfig struct {
	// DistanceThreshold is the largest distance between two bodies of a group
	DistanceThreshold float64
}

// DefaultInstantConfig returns a 0.8 distance threshold
func DefaultInstantConfig() InstantConfig {
	return InstantConfig{DistanceThreshold: 0.8}
}

// InstantDetector groups the bodies of a single frame by distance
type InstantDetector struct {
	cfg InstantConfig
}

// NewInstantDetector creates a detector
func NewInstantDetector(cfg InstantConfig) *InstantDetector {
	return &InstantDetector{cfg: cfg}
}

// Detect links every pair of bodies closer than the threshold and returns the
// connected groups of at least two bodies
func (d *InstantDetector) Detect(frame Frame) Groups {
	ids := slices.Sorted(maps.Keys(frame))
	raw := pairs(ids, func(a, b uint64) bool {
		return r3.Norm(r3.Sub(frame[a], frame[b])) <= d.cfg.DistanceThreshold
	})
	return GenerateGroups(raw)
}
