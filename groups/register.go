package groups

import (
	stderrors "errors"
	"fmt"

	"github.com/saacpsi/psistreams/binding"
	"github.com/saacpsi/psistreams/config"
	"github.com/saacpsi/psistreams/errors"
	"github.com/saacpsi/psistreams/format"
	"github.com/saacpsi/psistreams/pipeline"
)

// Register binds the frame, group and removal types to JSON serializers
func Register(r *binding.Registry) error {
	return stderrors.Join(
		binding.Register(r, binding.Serializer[Frame]{Name: "json", Format: format.JSON[Frame]()}),
		binding.Register(r, binding.Serializer[Groups]{Name: "json", Format: format.JSON[Groups]()}),
		binding.Register(r, binding.Serializer[[]uint64]{Name: "json", Format: format.JSON[[]uint64]()}),
		binding.Register(r, binding.Serializer[FlockGroups]{Name: "json", Format: format.JSON[FlockGroups]()}),
		binding.Register(r, binding.Serializer[[]Intersection]{Name: "json", Format: format.JSON[[]Intersection]()}),
	)
}

// Attach builds the detector chain selected by cfg on frames and returns the
// stream of its result. removed may be nil.
func Attach(p *pipeline.Pipeline, cfg config.GroupsConfig, frames pipeline.Source[Frame], removed pipeline.Source[[]uint64]) (pipeline.Producer, error) {
	switch cfg.Detector {
	case config.DetectorInstant, config.DetectorEntry, config.DetectorIntegrated, config.DetectorFlock:
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: group detector %q", errors.ErrInvalidConfig, cfg.Detector),
			"groups", "Attach", "select detector")
	}

	if cfg.Detector == config.DetectorFlock {
		s, err := NewFlockStage(p, "Groups-Flock", FlockConfig{
			QueueMaxCount:   cfg.QueueMaxCount,
			DistanceWeight:  cfg.DistanceWeight,
			VelocityWeight:  cfg.VelocityWeight,
			DirectionWeight: cfg.DirectionWeight,
			ModelThreshold:  cfg.ModelThreshold,
		}, frames)
		if err != nil {
			return nil, err
		}
		return s.Out, nil
	}

	instant, err := NewInstantStage(p, "Groups-Instant", InstantConfig{DistanceThreshold: cfg.DistanceThreshold}, frames)
	if err != nil {
		return nil, err
	}
	switch cfg.Detector {
	case config.DetectorEntry:
		s, err := NewEntryStage(p, "Groups-Entry", EntryConfig{FormationDelay: cfg.FormationDelay.Std()}, instant.Out, removed)
		if err != nil {
			return nil, err
		}
		return s.Out, nil
	case config.DetectorIntegrated:
		s, err := NewIntegratedStage(p, "Groups-Integrated", IntegratedConfig{
			IncreaseWeightFactor:   cfg.IncreaseWeightFactor,
			DecreaseWeightFactor:   cfg.DecreaseWeightFactor,
			IntersectionPercentage: cfg.IntersectionPercentage,
		}, instant.Out, removed)
		if err != nil {
			return nil, err
		}
		return s.Out, nil
	}
	return instant.Out, nil
}
