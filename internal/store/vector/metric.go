// Package vector implements similarity search over node embeddings. Two
// index implementations share one contract: an exact flat scan and an
// approximate partitioned index. Which one backs a store is a construction
// choice; only recall and latency differ, never the result shape.
package vector

import (
	"math"

	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
)

// Metric selects the similarity function for an index.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
	MetricManhattan Metric = "manhattan"
)

// ParseMetric validates a configured metric name.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, MetricEuclidean, MetricManhattan:
		return Metric(s), nil
	case "":
		return MetricCosine, nil
	default:
		return "", errors.NewValidation("unknown similarity metric %q", s)
	}
}

// Similarity returns a score in which higher means more similar, regardless
// of metric. Cosine is the raw cosine; the distance metrics are mapped
// through 1/(1+d) so all three share the "descending is best" ordering.
func (m Metric) Similarity(a, b shared.Vector) float64 {
	switch m {
	case MetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return 1.0 / (1.0 + math.Sqrt(sum))
	case MetricManhattan:
		var sum float64
		for i := range a {
			sum += math.Abs(float64(a[i]) - float64(b[i]))
		}
		return 1.0 / (1.0 + sum)
	default:
		return cosine(a, b)
	}
}

func cosine(a, b shared.Vector) float64 {
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Match pairs a node id with its similarity to a query.
type Match struct {
	ID         shared.NodeID
	Similarity float64
}

// Index is the contract shared by the exact and approximate implementations.
type Index interface {
	// Upsert inserts or replaces the vector for a node.
	Upsert(id shared.NodeID, v shared.Vector) error
	// Remove drops a node's vector. Removing an absent id is a no-op.
	Remove(id shared.NodeID)
	// Contains reports whether the index holds a vector for the id.
	Contains(id shared.NodeID) bool
	// Search returns up to k matches ranked by descending similarity,
	// ties broken by smaller node id.
	Search(query shared.Vector, k int) ([]Match, error)
	// RangeSearch returns every match with similarity >= minSimilarity.
	// The result is unordered.
	RangeSearch(query shared.Vector, minSimilarity float64) ([]Match, error)
	// Rebuild recomputes any approximate structure from live vectors.
	Rebuild()
	// Len returns the number of live vectors.
	Len() int
	// DeletedFraction reports the fraction of stale entries accumulated
	// since the last rebuild; the engine schedules rebuilds above a
	// configured threshold.
	DeletedFraction() float64
}
