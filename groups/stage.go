package groups

import (
	"github.com/saacpsi/psistreams/pipeline"
)

// InstantStage runs an InstantDetector on a frame stream
type InstantStage struct {
	*pipeline.Actor
	detector *InstantDetector
	Out      *pipeline.Emitter[Groups]
}

// NewInstantStage connects in to a new InstantDetector and adds the stage to p
func NewInstantStage(p *pipeline.Pipeline, name string, cfg InstantConfig, in pipeline.Source[Frame]) (*InstantStage, error) {
	s := &InstantStage{
		Actor:    pipeline.NewActor(p, name, "Instant group detection"),
		detector: NewInstantDetector(cfg),
		Out:      pipeline.NewEmitter[Groups](p, name),
	}
	pipeline.ReceiveOn(s.Actor, in, func(m pipeline.Message[Frame]) {
		pipeline.Emit(s.Actor, s.Out, s.detector.Detect(m.Data), m.OriginatingTime)
	})
	if err := p.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}

// EntryStage runs an EntryDetector on instant groups
type EntryStage struct {
	*pipeline.Actor
	detector *EntryDetector
	Out      *pipeline.Emitter[Groups]
}

// NewEntryStage connects in and the optional removed stream to a new
// EntryDetector and adds the stage to p
func NewEntryStage(p *pipeline.Pipeline, name string, cfg EntryConfig, in pipeline.Source[Groups], removed pipeline.Source[[]uint64]) (*EntryStage, error) {
	s := &EntryStage{
		Actor:    pipeline.NewActor(p, name, "Entry group detection"),
		detector: NewEntryDetector(cfg),
		Out:      pipeline.NewEmitter[Groups](p, name),
	}
	pipeline.ReceiveOn(s.Actor, in, func(m pipeline.Message[Groups]) {
		pipeline.Emit(s.Actor, s.Out, s.detector.Process(m.Data, m.OriginatingTime), m.OriginatingTime)
	})
	if removed != nil {
		pipeline.ReceiveOn(s.Actor, removed, func(m pipeline.Message[[]uint64]) {
			s.detector.RemoveBodies(m.Data)
		})
	}
	if err := p.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}

// IntegratedStage runs an IntegratedDetector on instant groups
type IntegratedStage struct {
	*pipeline.Actor
	detector *IntegratedDetector
	Out      *pipeline.Emitter[Groups]
}

// NewIntegratedStage connects in and the optional removed stream to a new
// IntegratedDetector and adds the stage to p
func NewIntegratedStage(p *pipeline.Pipeline, name string, cfg IntegratedConfig, in pipeline.Source[Groups], removed pipeline.Source[[]uint64]) (*IntegratedStage, error) {
	s := &IntegratedStage{
		Actor:    pipeline.NewActor(p, name, "Integrated group detection"),
		detector: NewIntegratedDetector(cfg),
		Out:      pipeline.NewEmitter[Groups](p, name),
	}
	pipeline.ReceiveOn(s.Actor, in, func(m pipeline.Message[Groups]) {
		pipeline.Emit(s.Actor, s.Out, s.detector.Process(m.Data, m.OriginatingTime), m.OriginatingTime)
	})
	if removed != nil {
		pipeline.ReceiveOn(s.Actor, removed, func(m pipeline.Message[[]uint64]) {
			s.detector.RemoveBodies(m.Data)
		})
	}
	if err := p.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}

// FlockStage runs a FlockDetector on a frame stream. Intersections carries
// the crossing headings of the groups of each frame, when there are any.
type FlockStage struct {
	*pipeline.Actor
	detector      *FlockDetector
	Out           *pipeline.Emitter[FlockGroups]
	Intersections *pipeline.Emitter[[]Intersection]
}

// NewFlockStage connects in to a new FlockDetector and adds the stage to p
func NewFlockStage(p *pipeline.Pipeline, name string, cfg FlockConfig, in pipeline.Source[Frame]) (*FlockStage, error) {
	s := &FlockStage{
		Actor:         pipeline.NewActor(p, name, "Flock group detection"),
		detector:      NewFlockDetector(cfg),
		Out:           pipeline.NewEmitter[FlockGroups](p, name),
		Intersections: pipeline.NewEmitter[[]Intersection](p, name+"-Intersections"),
	}
	pipeline.ReceiveOn(s.Actor, in, func(m pipeline.Message[Frame]) {
		flocks, ok := s.detector.Process(m.Data)
		if !ok {
			return
		}
		pipeline.Emit(s.Actor, s.Out, flocks, m.OriginatingTime)
		if crossings := Intersections(flocks); len(crossings) > 0 {
			pipeline.Emit(s.Actor, s.Intersections, crossings, m.OriginatingTime)
		}
	})
	if err := p.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}
