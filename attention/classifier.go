package attention

import (
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// ClassifierConfig configures Classifier
type ClassifierConfig struct {
	// VelocityThreshold separates fixations from saccades, in degrees per second
	VelocityThreshold float64
	// SampleRate converts the angle between two samples to a velocity
	SampleRate float64
	// UseElapsedTime divides by the time between samples instead
	UseElapsedTime bool
}

// DefaultClassifierConfig assumes 60 Hz samples and a 100 deg/s threshold
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{VelocityThreshold: 100, SampleRate: 60}
}

// Classifier splits a gaze stream into fixations and saccades
type Classifier struct {
	cfg ClassifierConfig

	last     *GazeSample
	lastTime time.Time
	current  *EyeMovement

	directions []r3.Vec
	objects    []ObjectKey
}

// NewClassifier creates a classifier
func NewClassifier(cfg ClassifierConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Add classifies the sample taken at t. When the sample starts a new
// movement the finished one is returned. A sample equal to the previous one
// is ignored.
func (c *Classifier) Add(s GazeSample, t time.Time) (EyeMovement, bool) {
	if c.last != nil && *c.last == s {
		c.lastTime = t
		return EyeMovement{}, false
	}

	var previous r3.Vec
	if c.last != nil {
		previous = unit(c.last.AverageGaze)
	}
	gaze := unit(s.AverageGaze)
	fixation := c.velocity(previous, gaze, t) < c.cfg.VelocityThreshold

	var finished EyeMovement
	done := false
	switch {
	case c.current == nil:
		c.begin(fixation, previous, t)
	case c.current.IsFixation == fixation:
		c.current.MessagesCount++
	default:
		finished, done = c.finish(t), true
		c.begin(fixation, previous, t)
	}
	c.directions = append(c.directions, gaze)
	c.objects = append(c.objects, s.Object())

	c.last = &s
	c.lastTime = t
	return finished, done
}

// Current returns the movement in progress
func (c *Classifier) Current() (EyeMovement, bool) {
	if c.current == nil {
		return EyeMovement{}, false
	}
	return *c.current, true
}

// velocity returns the angular velocity between two samples in deg/s
func (c *Classifier) velocity(previous, gaze r3.Vec, t time.Time) float64 {
	angle := angleDegrees(previous, gaze)
	if c.cfg.UseElapsedTime && c.last != nil {
		if elapsed := t.Sub(c.lastTime).Seconds(); elapsed > 0 {
			return angle / elapsed
		}
	}
	return angle * c.cfg.SampleRate
}

func (c *Classifier) begin(fixation bool, previous r3.Vec, t time.Time) {
	c.current = &EyeMovement{IsFixation: fixation, FirstTime: t, MessagesCount: 1}
	if !fixation {
		c.current.SaccStart = previous
	}
	c.directions = c.directions[:0]
	c.objects = c.objects[:0]
}

func (c *Classifier) finish(t time.Time) EyeMovement {
	m := *c.current
	m.LastTime = t
	if m.IsFixation {
		m.FixDirection = c.meanDirection()
		m.FixedObject = c.mostGazed()
	} else {
		m.SaccEnd = c.meanDirection()
	}
	return m
}

func (c *Classifier) meanDirection() r3.Vec {
	if len(c.directions) == 0 {
		return r3.Vec{}
	}
	var sum r3.Vec
	for _, d := range c.directions {
		sum = r3.Add(sum, d)
	}
	return r3.Scale(1/float64(len(c.directions)), sum)
}

// mostGazed returns the most frequent object. Ties go to the object gazed
// first.
func (c *Classifier) mostGazed() ObjectKey {
	counts := make(map[ObjectKey]int, len(c.objects))
	best, bestCount := NothingGazed, 0
	for _, o := range c.objects {
		counts[o]++
	}
	for _, o := range c.objects {
		if counts[o] > bestCount {
			best, bestCount = o, counts[o]
		}
	}
	return best
}
