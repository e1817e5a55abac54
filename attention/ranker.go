package attention

import (
	"cmp"
	"slices"
)

// RankerConfig configures ObjectsRanker
type RankerConfig struct {
	// Increase is added to the score of the gazed object on each sample
	Increase float64
	// Decrease is added to every other score, which never drops below zero
	Decrease float64
}

// DefaultRankerConfig returns +10 for the gazed object and -1 for the others
func DefaultRankerConfig() RankerConfig {
	return RankerConfig{Increase: 10, Decrease: -1}
}

// ObjectScore is the attention score of an object
type ObjectScore struct {
	Object ObjectKey `json:"object"`
	Score  float64   `json:"score"`
}

// ObjectsRanker scores objects by how steadily they are gazed at
type ObjectsRanker struct {
	cfg    RankerConfig
	scores map[ObjectKey]float64
}

// NewObjectsRanker creates a ranker holding NothingGazed at zero
func NewObjectsRanker(cfg RankerConfig) *ObjectsRanker {
	return &ObjectsRanker{cfg: cfg, scores: map[ObjectKey]float64{NothingGazed: 0}}
}

// Add updates the scores for one sample
func (r *ObjectsRanker) Add(s GazeSample) {
	gazed := s.Object()
	if _, ok := r.scores[gazed]; !ok {
		r.scores[gazed] = 0
	}
	for o, score := range r.scores {
		if o == gazed {
			r.scores[o] = score + r.cfg.Increase
			continue
		}
		r.scores[o] = max(score+r.cfg.Decrease, 0)
	}
}

// Score returns the score of an object
func (r *ObjectsRanker) Score(o ObjectKey) float64 {
	return r.scores[o]
}

// Ranking returns every known object, highest score first. Equal scores are
// ordered by object id then name.
func (r *ObjectsRanker) Ranking() []ObjectScore {
	out := make([]ObjectScore, 0, len(r.scores))
	for o, score := range r.scores {
		out = append(out, ObjectScore{Object: o, Score: score})
	}
	slices.SortFunc(out, func(a, b ObjectScore) int {
		return cmp.Or(
			cmp.Compare(b.Score, a.Score),
			cmp.Compare(a.Object.ID, b.Object.ID),
			cmp.Compare(a.Object.Name, b.Object.Name),
		)
	})
	return out
}
