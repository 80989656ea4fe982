package consolidation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightsNormalize(t *testing.T) {
	t.Run("scales to unit sum", func(t *testing.T) {
		w, err := Weights{Recency: 2, Frequency: 1, Connectivity: 1}.Normalize()
		require.NoError(t, err)
		assert.InDelta(t, 0.5, w.Recency, 1e-9)
		assert.InDelta(t, 0.25, w.Frequency, 1e-9)
		assert.InDelta(t, 0.25, w.Connectivity, 1e-9)
	})

	t.Run("rejects a non-positive sum", func(t *testing.T) {
		_, err := Weights{}.Normalize()
		assert.Error(t, err)
	})
}

func TestScorerRecency(t *testing.T) {
	s, err := NewScorer(Weights{Recency: 1}, 7*24*time.Hour)
	require.NoError(t, err)
	now := time.Now()

	t.Run("fresh access scores near one", func(t *testing.T) {
		assert.InDelta(t, 1.0, s.Score(now, 1, 0, 0, now), 0.01)
	})

	t.Run("one half-life halves the signal", func(t *testing.T) {
		weekAgo := now.Add(-7 * 24 * time.Hour)
		assert.InDelta(t, 0.5, s.Score(weekAgo, 1, 0, 0, now), 0.01)
	})

	t.Run("monotonically decays with age", func(t *testing.T) {
		newer := s.Score(now.Add(-time.Hour), 1, 0, 0, now)
		older := s.Score(now.Add(-48*time.Hour), 1, 0, 0, now)
		assert.Greater(t, newer, older)
	})

	t.Run("future timestamps clamp to now", func(t *testing.T) {
		assert.InDelta(t, 1.0, s.Score(now.Add(time.Hour), 1, 0, 0, now), 1e-9)
	})
}

func TestScorerFrequency(t *testing.T) {
	s, err := NewScorer(Weights{Frequency: 1}, 0)
	require.NoError(t, err)
	now := time.Now()

	low := s.Score(now, 1, 0, 0, now)
	mid := s.Score(now, 100, 0, 0, now)
	high := s.Score(now, 100000, 0, 0, now)

	assert.Greater(t, mid, low)
	assert.GreaterOrEqual(t, high, mid)
	assert.LessOrEqual(t, high, 1.0, "frequency saturates instead of growing unbounded")
}

func TestScorerConnectivity(t *testing.T) {
	s, err := NewScorer(Weights{Connectivity: 1}, 0)
	require.NoError(t, err)
	now := time.Now()

	t.Run("normalized by the max degree", func(t *testing.T) {
		assert.InDelta(t, 0.5, s.Score(now, 1, 5, 10, now), 1e-9)
		assert.InDelta(t, 1.0, s.Score(now, 1, 10, 10, now), 1e-9)
	})

	t.Run("empty graph zeroes the signal", func(t *testing.T) {
		assert.Zero(t, s.Score(now, 1, 0, 0, now))
	})
}

func TestSeedScore(t *testing.T) {
	s, err := NewScorer(DefaultWeights(), DefaultHalfLife)
	require.NoError(t, err)
	now := time.Now()

	assert.InDelta(t, 1.0, s.SeedScore(now, now), 0.01)
	assert.InDelta(t, 0.5, s.SeedScore(now.Add(-DefaultHalfLife), now), 0.01)
}

func TestScoreBounds(t *testing.T) {
	s, err := NewScorer(DefaultWeights(), DefaultHalfLife)
	require.NoError(t, err)
	now := time.Now()

	score := s.Score(now, 1<<40, 1000, 1000, now)
	assert.LessOrEqual(t, score, 1.0)
	assert.GreaterOrEqual(t, score, 0.0)
}
