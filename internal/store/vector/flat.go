package vector

import (
	"sort"

	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
)

// FlatIndex is the exact-mode index: a brute-force scan over all live
// vectors. It is the correctness reference for the approximate index and the
// right choice for small stores.
type FlatIndex struct {
	dimension int
	metric    Metric
	vectors   map[string]entry
}

type entry struct {
	id     shared.NodeID
	vector shared.Vector
}

// NewFlatIndex creates an exact index over vectors of the given dimension.
func NewFlatIndex(dimension int, metric Metric) *FlatIndex {
	return &FlatIndex{
		dimension: dimension,
		metric:    metric,
		vectors:   make(map[string]entry),
	}
}

// Upsert inserts or replaces a node's vector.
func (idx *FlatIndex) Upsert(id shared.NodeID, v shared.Vector) error {
	if v.Dimension() != idx.dimension {
		return errors.NewDimensionMismatch(idx.dimension, v.Dimension())
	}
	idx.vectors[id.String()] = entry{id: id, vector: v.Clone()}
	return nil
}

// Remove drops a node's vector.
func (idx *FlatIndex) Remove(id shared.NodeID) {
	delete(idx.vectors, id.String())
}

// Contains reports whether the index holds a vector for the id.
func (idx *FlatIndex) Contains(id shared.NodeID) bool {
	_, ok := idx.vectors[id.String()]
	return ok
}

// Search scans every vector and returns the true top-k.
func (idx *FlatIndex) Search(query shared.Vector, k int) ([]Match, error) {
	if query.Dimension() != idx.dimension {
		return nil, errors.NewDimensionMismatch(idx.dimension, query.Dimension())
	}
	if k <= 0 {
		return nil, nil
	}
	matches := make([]Match, 0, len(idx.vectors))
	for _, e := range idx.vectors {
		matches = append(matches, Match{ID: e.id, Similarity: idx.metric.Similarity(query, e.vector)})
	}
	RankMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// RangeSearch returns all vectors with similarity at or above the floor.
func (idx *FlatIndex) RangeSearch(query shared.Vector, minSimilarity float64) ([]Match, error) {
	if query.Dimension() != idx.dimension {
		return nil, errors.NewDimensionMismatch(idx.dimension, query.Dimension())
	}
	var matches []Match
	for _, e := range idx.vectors {
		if sim := idx.metric.Similarity(query, e.vector); sim >= minSimilarity {
			matches = append(matches, Match{ID: e.id, Similarity: sim})
		}
	}
	return matches, nil
}

// Rebuild is a no-op: the flat index has no derived structure.
func (idx *FlatIndex) Rebuild() {}

// Len returns the number of live vectors.
func (idx *FlatIndex) Len() int {
	return len(idx.vectors)
}

// DeletedFraction is always zero: deletes are applied immediately.
func (idx *FlatIndex) DeletedFraction() float64 {
	return 0
}

// RankMatches sorts matches by descending similarity, breaking ties with the
// smaller node id so results are deterministic.
func RankMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID.Less(matches[j].ID)
	})
}
