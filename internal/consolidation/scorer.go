// Package consolidation implements the background process that bounds
// memory growth: it rescores every node's importance, merges near-duplicate
// low-value nodes, and prunes the store back to its configured capacity.
package consolidation

import (
	"math"
	"time"

	"cortex-engine/internal/errors"
)

// Weights distributes importance across the three scoring signals. They are
// normalized to sum to one at validation time.
type Weights struct {
	Recency      float64 `yaml:"recency" validate:"gte=0"`
	Frequency    float64 `yaml:"frequency" validate:"gte=0"`
	Connectivity float64 `yaml:"connectivity" validate:"gte=0"`
}

// DefaultWeights favors recency, as forgetting curves do.
func DefaultWeights() Weights {
	return Weights{Recency: 0.5, Frequency: 0.3, Connectivity: 0.2}
}

// Normalize scales the weights to sum to one.
func (w Weights) Normalize() (Weights, error) {
	sum := w.Recency + w.Frequency + w.Connectivity
	if sum <= 0 {
		return Weights{}, errors.NewValidation("importance weights must have a positive sum")
	}
	return Weights{
		Recency:      w.Recency / sum,
		Frequency:    w.Frequency / sum,
		Connectivity: w.Connectivity / sum,
	}, nil
}

// DefaultHalfLife is the recency half-life: a week without access halves the
// recency signal (Ebbinghaus-style exponential decay).
const DefaultHalfLife = 7 * 24 * time.Hour

// frequencySaturation is the access count at which the frequency signal
// saturates to one.
const frequencySaturation = 1000

// Scorer computes importance = w_r*recency + w_f*frequency + w_c*connectivity.
type Scorer struct {
	weights Weights
	lambda  float64 // decay constant, ln2 / half-life
}

// NewScorer builds a scorer from (possibly unnormalized) weights and a
// recency half-life. A non-positive half-life selects the default.
func NewScorer(weights Weights, halfLife time.Duration) (*Scorer, error) {
	normalized, err := weights.Normalize()
	if err != nil {
		return nil, err
	}
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	return &Scorer{
		weights: normalized,
		lambda:  math.Ln2 / halfLife.Seconds(),
	}, nil
}

// Score computes a node's importance in [0, 1] from its access stats and
// graph degree. maxDegree normalizes connectivity across the store; when the
// graph is empty the connectivity signal is zero for everyone.
func (s *Scorer) Score(lastAccessedAt time.Time, accessCount uint64, degree, maxDegree int, now time.Time) float64 {
	score := s.weights.Recency*s.recency(lastAccessedAt, now) +
		s.weights.Frequency*frequency(accessCount) +
		s.weights.Connectivity*connectivity(degree, maxDegree)
	return clamp01(score)
}

// SeedScore is the recency-only default for nodes that have never been
// through a consolidation pass.
func (s *Scorer) SeedScore(lastAccessedAt time.Time, now time.Time) float64 {
	return clamp01(s.recency(lastAccessedAt, now))
}

func (s *Scorer) recency(lastAccessedAt, now time.Time) float64 {
	age := now.Sub(lastAccessedAt).Seconds()
	if age < 0 {
		age = 0
	}
	return math.Exp(-s.lambda * age)
}

// frequency saturates with log1p so heavy access counts stop dominating.
func frequency(accessCount uint64) float64 {
	return clamp01(math.Log1p(float64(accessCount)) / math.Log1p(frequencySaturation))
}

func connectivity(degree, maxDegree int) float64 {
	if maxDegree <= 0 {
		return 0
	}
	return clamp01(float64(degree) / float64(maxDegree))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
