// Package attention classifies eye movements from gaze samples and derives
// windowed attention measures from them.
package attention

import (
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// ObjectKey identifies a gazed object
type ObjectKey struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// NothingGazed is the key of samples not hitting any object
var NothingGazed = ObjectKey{ID: 0, Name: "NothingGazed"}

// GazeSample is one eye tracking frame
type GazeSample struct {
	AverageGaze r3.Vec `json:"average_gaze"`
	// Gazing reports whether the gaze hits an object
	Gazing     bool   `json:"gazing"`
	ObjectID   int    `json:"object_id"`
	ObjectName string `json:"object_name"`
}

// Object returns the gazed object, or NothingGazed
func (s GazeSample) Object() ObjectKey {
	if !s.Gazing {
		return NothingGazed
	}
	return ObjectKey{ID: s.ObjectID, Name: s.ObjectName}
}

// EyeMovement is a fixation or a saccade spanning one or more samples
type EyeMovement struct {
	IsFixation    bool      `json:"is_fixation"`
	FirstTime     time.Time `json:"first_time"`
	LastTime      time.Time `json:"last_time"`
	MessagesCount int       `json:"messages_count"`

	// fixations only
	FixDirection r3.Vec    `json:"fix_direction"`
	FixedObject  ObjectKey `json:"fixed_object"`

	// saccades only
	SaccStart r3.Vec `json:"sacc_start"`
	SaccEnd   r3.Vec `json:"sacc_end"`
}

// Duration returns the span of the movement
func (m EyeMovement) Duration() time.Duration {
	return m.LastTime.Sub(m.FirstTime)
}

// SaccAmplitude returns the angle between the saccade start and end, in
// degrees
func (m EyeMovement) SaccAmplitude() float64 {
	return angleDegrees(m.SaccStart, m.SaccEnd)
}

func unit(v r3.Vec) r3.Vec {
	n := r3.Norm(v)
	if n == 0 {
		return r3.Vec{}
	}
	return r3.Scale(1/n, v)
}

// angleDegrees is the angle between two directions. A zero vector gives 0.
func angleDegrees(a, b r3.Vec) float64 {
	a, b = unit(a), unit(b)
	if a == (r3.Vec{}) || b == (r3.Vec{}) {
		return 0
	}
	dot := r3.Dot(a, b)
	return math.Acos(max(-1, min(1, dot))) * 180 / math.Pi
}
