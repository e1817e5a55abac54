package groups

import (
	"maps"
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/stat"

	"github.com/saacpsi/psistreams/pkg/buffer"
)

// FlockConfig configures FlockDetector
type FlockConfig struct {
	// QueueMaxCount is the number of ground positions kept per body. Means
	// are taken over blocks of QueueMaxCount/2 positions.
	QueueMaxCount   int
	DistanceWeight  float64
	VelocityWeight  float64
	DirectionWeight float64
	// ModelThreshold is the weighted score a pair needs to be grouped
	ModelThreshold float64
}

// DefaultFlockConfig groups on distance only
func DefaultFlockConfig() FlockConfig {
	return FlockConfig{
		QueueMaxCount:  60,
		DistanceWeight: 1,
		ModelThreshold: 0.8,
	}
}

// FlockGroup describes bodies moving together on the ground plane
type FlockGroup struct {
	ID        uint64   `json:"id"`
	Members   []uint64 `json:"members"`
	Center    r2.Vec   `json:"center"`
	Radius    float64  `json:"radius"`
	Direction r2.Vec   `json:"direction"`
	Velocity  float64  `json:"velocity"`
}

// FlockGroups maps a group id to its description
type FlockGroups map[uint64]FlockGroup

// Intersection scores two groups heading to a common point. The ratio grows
// with the speeds and shrinks with the distances to the meeting point.
type Intersection struct {
	A     uint64  `json:"a"`
	B     uint64  `json:"b"`
	Point r2.Vec  `json:"point"`
	Ratio float64 `json:"ratio"`
}

// motion is the smoothed state of one body
type motion struct {
	position  r2.Vec
	velocity  float64
	direction r2.Vec
}

// FlockDetector groups bodies by smoothed position, speed and heading
type FlockDetector struct {
	cfg    FlockConfig
	memory map[uint64]buffer.Buffer[r2.Vec]
}

// NewFlockDetector creates a detector
func NewFlockDetector(cfg FlockConfig) *FlockDetector {
	return &FlockDetector{cfg: cfg, memory: make(map[uint64]buffer.Buffer[r2.Vec])}
}

// Process records the frame and returns the flock groups. It reports false
// for an empty frame, which leaves the memory untouched.
func (d *FlockDetector) Process(frame Frame) (FlockGroups, bool) {
	if len(frame) == 0 {
		return nil, false
	}
	for id, p := range frame {
		queue, ok := d.memory[id]
		if !ok {
			queue = buffer.NewCircularBuffer[r2.Vec](d.cfg.QueueMaxCount)
			d.memory[id] = queue
		}
		_ = queue.Write(r2.Vec{X: p.X, Y: p.Z})
	}

	motions := make(map[uint64]motion)
	for id, queue := range d.memory {
		if m, ok := d.motion(queue.Items()); ok {
			motions[id] = m
		}
	}

	ids := slices.Sorted(maps.Keys(motions))
	raw := pairs(ids, func(a, b uint64) bool {
		return d.score(motions[a], motions[b]) >= d.cfg.ModelThreshold
	})

	out := make(FlockGroups)
	for id, members := range GenerateGroups(raw) {
		out[id] = describe(id, members, motions)
	}
	return out, true
}

// motion derives speed and heading from the two most recent block means
func (d *FlockDetector) motion(queue []r2.Vec) (motion, bool) {
	means := blockMeans(queue, max(1, d.cfg.QueueMaxCount/2))
	if len(means) < 2 {
		return motion{}, false
	}
	newest, previous := means[len(means)-1], means[len(means)-2]
	delta := r2.Sub(newest, previous)
	m := motion{position: newest, velocity: r2.Norm(delta)}
	if m.velocity > 0 {
		m.direction = r2.Scale(1/m.velocity, delta)
	}
	return m, true
}

func (d *FlockDetector) score(a, b motion) float64 {
	distance := r2.Norm(r2.Sub(a.position, b.position))
	velocity := math.Abs(a.velocity - b.velocity)
	direction := angle(a.direction, b.direction)
	return d.cfg.DistanceWeight*damp(distance) +
		d.cfg.VelocityWeight*damp(velocity) +
		d.cfg.DirectionWeight*damp(direction)
}

// blockMeans averages consecutive blocks of n positions, oldest first. A
// trailing partial block is averaged too.
func blockMeans(queue []r2.Vec, n int) []r2.Vec {
	var means []r2.Vec
	for chunk := range slices.Chunk(queue, n) {
		var sum r2.Vec
		for _, p := range chunk {
			sum = r2.Add(sum, p)
		}
		means = append(means, r2.Scale(1/float64(len(chunk)), sum))
	}
	return means
}

func describe(id uint64, members []uint64, motions map[uint64]motion) FlockGroup {
	n := len(members)
	xs, ys := make([]float64, n), make([]float64, n)
	dxs, dys := make([]float64, n), make([]float64, n)
	velocities := make([]float64, n)
	radius := 0.0
	for i, body := range members {
		m := motions[body]
		xs[i], ys[i] = m.position.X, m.position.Y
		dxs[i], dys[i] = m.direction.X, m.direction.Y
		velocities[i] = m.velocity
		for _, other := range members[:i] {
			radius = max(radius, r2.Norm(r2.Sub(m.position, motions[other].position)))
		}
	}
	return FlockGroup{
		ID:        id,
		Members:   slices.Clone(members),
		Center:    r2.Vec{X: stat.Mean(xs, nil), Y: stat.Mean(ys, nil)},
		Radius:    radius,
		Direction: r2.Vec{X: stat.Mean(dxs, nil), Y: stat.Mean(dys, nil)},
		Velocity:  stat.Mean(velocities, nil),
	}
}

// Intersections scores every pair of groups whose headings cross. Parallel
// headings, motionless groups and meeting points on a group center are
// skipped.
func Intersections(groups FlockGroups) []Intersection {
	var out []Intersection
	ids := slices.Sorted(maps.Keys(groups))
	for i, a := range ids {
		ga := groups[a]
		for _, b := range ids[i+1:] {
			gb := groups[b]
			point, ok := meet(ga.Center, ga.Direction, gb.Center, gb.Direction)
			if !ok {
				continue
			}
			da := r2.Norm(r2.Sub(point, ga.Center))
			db := r2.Norm(r2.Sub(point, gb.Center))
			if da == 0 || db == 0 {
				continue
			}
			out = append(out, Intersection{
				A:     a,
				B:     b,
				Point: point,
				Ratio: ga.Velocity / da * gb.Velocity / db,
			})
		}
	}
	return out
}

// meet intersects the lines p+s*u and q+t*v
func meet(p, u, q, v r2.Vec) (r2.Vec, bool) {
	cross := u.X*v.Y - u.Y*v.X
	if math.Abs(cross) < 1e-12 {
		return r2.Vec{}, false
	}
	w := r2.Sub(q, p)
	s := (w.X*v.Y - w.Y*v.X) / cross
	return r2.Add(p, r2.Scale(s, u)), true
}

// damp maps a non-negative difference to (0, 1], favoring small values
func damp(x float64) float64 {
	return min(1, math.Exp(-x))
}

// angle returns the angle between a and b in radians, zero when either is
// the zero vector
func angle(a, b r2.Vec) float64 {
	na, nb := r2.Norm(a), r2.Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	c := r2.Dot(a, b) / (na * nb)
	return math.Acos(max(-1, min(1, c)))
}
