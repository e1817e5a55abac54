package attention

import (
	stderrors "errors"
	"time"

	"github.com/saacpsi/psistreams/binding"
	"github.com/saacpsi/psistreams/config"
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/pipeline"
)

// ClassifierStage emits every finished eye movement of a gaze stream
type ClassifierStage struct {
	*pipeline.Actor
	classifier *Classifier
	Out        *pipeline.Emitter[EyeMovement]
}

// NewClassifierStage connects in to a new Classifier and adds the stage to p
func NewClassifierStage(p *pipeline.Pipeline, name string, cfg ClassifierConfig, in pipeline.Source[GazeSample]) (*ClassifierStage, error) {
	s := &ClassifierStage{
		Actor:      pipeline.NewActor(p, name, "Eye movement classification"),
		classifier: NewClassifier(cfg),
		Out:        pipeline.NewEmitter[EyeMovement](p, name),
	}
	pipeline.ReceiveOn(s.Actor, in, func(m pipeline.Message[GazeSample]) {
		if movement, done := s.classifier.Add(m.Data, m.OriginatingTime); done {
			pipeline.Emit(s.Actor, s.Out, movement, m.OriginatingTime)
		}
	})
	if err := p.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}

// WindowStage computes a measure over a sliding window of eye movements. On
// each tick it evicts old movements, posts the window size on QueueCount and
// then the measure on Out.
type WindowStage[T any] struct {
	*pipeline.Actor
	window     *Window
	QueueCount *pipeline.Emitter[int]
	Out        *pipeline.Emitter[T]
}

// NewWindowStage connects movements and ticks to a new window and adds the
// stage to p
func NewWindowStage[T any](p *pipeline.Pipeline, name string, length time.Duration, measure func(*Window) T, movements pipeline.Source[EyeMovement], ticks pipeline.Source[time.Time]) (*WindowStage[T], error) {
	s := &WindowStage[T]{
		Actor:      pipeline.NewActor(p, name, "Sliding window attention measure"),
		window:     NewWindow(length),
		QueueCount: pipeline.NewEmitter[int](p, name+"-QueueCount"),
		Out:        pipeline.NewEmitter[T](p, name),
	}
	pipeline.ReceiveOn(s.Actor, movements, func(m pipeline.Message[EyeMovement]) {
		s.window.Add(m.Data, m.OriginatingTime)
	})
	pipeline.ReceiveOn(s.Actor, ticks, func(m pipeline.Message[time.Time]) {
		count := s.window.Evict(m.OriginatingTime)
		pipeline.Emit(s.Actor, s.QueueCount, count, m.OriginatingTime)
		pipeline.Emit(s.Actor, s.Out, measure(s.window), m.OriginatingTime)
	})
	if err := p.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}

// RankerStage scores gazed objects and posts the ranking on each tick
type RankerStage struct {
	*pipeline.Actor
	ranker *ObjectsRanker
	Out    *pipeline.Emitter[[]ObjectScore]
}

// NewRankerStage connects gaze and ticks to a new ObjectsRanker and adds the
// stage to p
func NewRankerStage(p *pipeline.Pipeline, name string, cfg RankerConfig, gaze pipeline.Source[GazeSample], ticks pipeline.Source[time.Time]) (*RankerStage, error) {
	s := &RankerStage{
		Actor:  pipeline.NewActor(p, name, "Gazed objects ranking"),
		ranker: NewObjectsRanker(cfg),
		Out:    pipeline.NewEmitter[[]ObjectScore](p, name),
	}
	pipeline.ReceiveOn(s.Actor, gaze, func(m pipeline.Message[GazeSample]) {
		s.ranker.Add(m.Data)
	})
	pipeline.ReceiveOn(s.Actor, ticks, func(m pipeline.Message[time.Time]) {
		pipeline.Emit(s.Actor, s.Out, s.ranker.Ranking(), m.OriginatingTime)
	})
	if err := p.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Measures are the streams built by Attach
type Measures struct {
	Movements         *pipeline.Emitter[EyeMovement]
	FixCount          *WindowStage[int]
	FixCountByObjects *WindowStage[[]ObjectCount]
	MeanFixDuration   *WindowStage[time.Duration]
	RatioSaccFix      *WindowStage[float64]
	SaccRate          *WindowStage[float64]
	Ranking           *pipeline.Emitter[[]ObjectScore]
}

// Producers lists the measure streams, queue counts excluded
func (m *Measures) Producers() []pipeline.Producer {
	return []pipeline.Producer{
		m.Movements,
		m.FixCount.Out,
		m.FixCountByObjects.Out,
		m.MeanFixDuration.Out,
		m.RatioSaccFix.Out,
		m.SaccRate.Out,
		m.Ranking,
	}
}

// Attach builds the classifier, the window measures and the ranker on a
// gaze stream. A timer of cfg.TickInterval drives the windows and the
// ranking.
func Attach(p *pipeline.Pipeline, cfg config.AttentionConfig, gaze pipeline.Source[GazeSample]) (*Measures, error) {
	classifier, err := NewClassifierStage(p, "EyeMovements", ClassifierConfig{
		VelocityThreshold: cfg.VelocityThreshold,
		SampleRate:        cfg.SampleRate,
		UseElapsedTime:    cfg.UseElapsedTime,
	}, gaze)
	if err != nil {
		return nil, err
	}
	timer, err := pipeline.NewTimer(p, "AttentionTick", cfg.TickInterval.Std())
	if err != nil {
		return nil, err
	}

	m := &Measures{Movements: classifier.Out}
	window := cfg.Window.Std()
	var errs []error
	m.FixCount, err = NewWindowStage(p, "FixCount", window, FixCount, classifier.Out, timer.Out)
	errs = append(errs, err)
	m.FixCountByObjects, err = NewWindowStage(p, "FixCountByObjects", window, FixCountByObjects, classifier.Out, timer.Out)
	errs = append(errs, err)
	m.MeanFixDuration, err = NewWindowStage(p, "MeanFixDuration", window, MeanFixDuration, classifier.Out, timer.Out)
	errs = append(errs, err)
	m.RatioSaccFix, err = NewWindowStage(p, "RatioSaccFix", window, RatioSaccFix, classifier.Out, timer.Out)
	errs = append(errs, err)
	m.SaccRate, err = NewWindowStage(p, "SaccRate", window, SaccRate, classifier.Out, timer.Out)
	errs = append(errs, err)
	ranker, err := NewRankerStage(p, "ObjectsRanking", RankerConfig{Increase: cfg.RankIncrease, Decrease: cfg.RankDecrease}, gaze, timer.Out)
	errs = append(errs, err)
	if err := stderrors.Join(errs...); err != nil {
		return nil, err
	}
	m.Ranking = ranker.Out
	return m, nil
}

// Register binds the gaze, movement and measure types to JSON serializers
func Register(r *binding.Registry) error {
	return stderrors.Join(
		binding.Register(r, binding.Serializer[GazeSample]{Name: "json", Format: format.JSON[GazeSample]()}),
		binding.Register(r, binding.Serializer[EyeMovement]{Name: "json", Format: format.JSON[EyeMovement]()}),
		binding.Register(r, binding.Serializer[int]{Name: "json", Format: format.JSON[int]()}),
		binding.Register(r, binding.Serializer[time.Duration]{Name: "json", Format: format.JSON[time.Duration]()}),
		binding.Register(r, binding.Serializer[[]ObjectCount]{Name: "json", Format: format.JSON[[]ObjectCount]()}),
		binding.Register(r, binding.Serializer[[]ObjectScore]{Name: "json", Format: format.JSON[[]ObjectScore]()}),
	)
}
