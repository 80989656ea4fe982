package vector

import (
	"math"
	"sort"

	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
)

// exactScanFloor is the live-vector count below which the partitioned index
// answers queries with an exact scan. Partitioning tiny sets costs more than
// it saves and would only reduce recall.
const exactScanFloor = 256

// PartitionedIndex is the approximate-mode index. Vectors are bucketed under
// k-means-style centroids; a query probes only the closest partitions. Recall
// degrades as deletions accumulate stale member entries, so the engine calls
// Rebuild once DeletedFraction crosses its threshold.
type PartitionedIndex struct {
	dimension int
	metric    Metric
	nprobe    int

	vectors map[string]entry
	// partitions hold member id lists that may go stale after Remove;
	// assignment tracks which partition currently claims an id.
	partitions  []partition
	assignment  map[string]int
	staleCount  int
	memberCount int
}

type partition struct {
	centroid shared.Vector
	members  []shared.NodeID
}

// NewPartitionedIndex creates an approximate index over vectors of the given
// dimension. nprobe controls how many partitions a query scans; values below
// one default to two.
func NewPartitionedIndex(dimension int, metric Metric, nprobe int) *PartitionedIndex {
	if nprobe < 1 {
		nprobe = 2
	}
	return &PartitionedIndex{
		dimension:  dimension,
		metric:     metric,
		nprobe:     nprobe,
		vectors:    make(map[string]entry),
		assignment: make(map[string]int),
	}
}

// Upsert inserts or replaces a node's vector, assigning new ids to the
// nearest existing partition.
func (idx *PartitionedIndex) Upsert(id shared.NodeID, v shared.Vector) error {
	if v.Dimension() != idx.dimension {
		return errors.NewDimensionMismatch(idx.dimension, v.Dimension())
	}
	_, existed := idx.vectors[id.String()]
	idx.vectors[id.String()] = entry{id: id, vector: v.Clone()}
	if existed || len(idx.partitions) == 0 {
		// A replaced vector keeps its member slot; before the first
		// rebuild every query is an exact scan anyway.
		return nil
	}
	best := idx.nearestPartitions(v, 1)
	p := best[0]
	idx.partitions[p].members = append(idx.partitions[p].members, id)
	idx.assignment[id.String()] = p
	idx.memberCount++
	return nil
}

// Remove drops a node's vector. The member entry in its partition goes stale
// until the next rebuild.
func (idx *PartitionedIndex) Remove(id shared.NodeID) {
	if _, ok := idx.vectors[id.String()]; !ok {
		return
	}
	delete(idx.vectors, id.String())
	if _, assigned := idx.assignment[id.String()]; assigned {
		delete(idx.assignment, id.String())
		idx.staleCount++
	}
}

// Contains reports whether the index holds a vector for the id.
func (idx *PartitionedIndex) Contains(id shared.NodeID) bool {
	_, ok := idx.vectors[id.String()]
	return ok
}

// Search probes the nprobe nearest partitions and ranks their live members.
func (idx *PartitionedIndex) Search(query shared.Vector, k int) ([]Match, error) {
	if query.Dimension() != idx.dimension {
		return nil, errors.NewDimensionMismatch(idx.dimension, query.Dimension())
	}
	if k <= 0 {
		return nil, nil
	}
	matches := idx.candidates(query)
	RankMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// RangeSearch returns probed matches with similarity at or above the floor.
func (idx *PartitionedIndex) RangeSearch(query shared.Vector, minSimilarity float64) ([]Match, error) {
	if query.Dimension() != idx.dimension {
		return nil, errors.NewDimensionMismatch(idx.dimension, query.Dimension())
	}
	var out []Match
	for _, m := range idx.candidates(query) {
		if m.Similarity >= minSimilarity {
			out = append(out, m)
		}
	}
	return out, nil
}

func (idx *PartitionedIndex) candidates(query shared.Vector) []Match {
	if len(idx.partitions) == 0 || len(idx.vectors) <= exactScanFloor {
		matches := make([]Match, 0, len(idx.vectors))
		for _, e := range idx.vectors {
			matches = append(matches, Match{ID: e.id, Similarity: idx.metric.Similarity(query, e.vector)})
		}
		return matches
	}

	var matches []Match
	seen := make(map[string]struct{})
	for _, p := range idx.nearestPartitions(query, idx.nprobe) {
		for _, id := range idx.partitions[p].members {
			key := id.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			e, live := idx.vectors[key]
			if !live {
				continue // stale member awaiting rebuild
			}
			matches = append(matches, Match{ID: e.id, Similarity: idx.metric.Similarity(query, e.vector)})
		}
	}
	return matches
}

// nearestPartitions returns the indexes of the n partitions whose centroids
// are most similar to the query.
func (idx *PartitionedIndex) nearestPartitions(query shared.Vector, n int) []int {
	type ranked struct {
		index      int
		similarity float64
	}
	all := make([]ranked, len(idx.partitions))
	for i, p := range idx.partitions {
		all[i] = ranked{index: i, similarity: idx.metric.Similarity(query, p.centroid)}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].similarity != all[j].similarity {
			return all[i].similarity > all[j].similarity
		}
		return all[i].index < all[j].index
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].index
	}
	return out
}

// Rebuild recomputes partitions from live vectors, clearing all stale member
// entries. Partition count scales with sqrt(N).
func (idx *PartitionedIndex) Rebuild() {
	idx.partitions = nil
	idx.assignment = make(map[string]int)
	idx.staleCount = 0
	idx.memberCount = 0

	n := len(idx.vectors)
	if n <= exactScanFloor {
		return
	}

	// Deterministic seeding: spread initial centroids across the id-sorted
	// live set, then run a fixed number of Lloyd iterations.
	ids := make([]string, 0, n)
	for key := range idx.vectors {
		ids = append(ids, key)
	}
	sort.Strings(ids)

	k := int(math.Ceil(math.Sqrt(float64(n))))
	centroids := make([]shared.Vector, k)
	for i := 0; i < k; i++ {
		centroids[i] = idx.vectors[ids[i*n/k]].vector.Clone()
	}

	assign := make([]int, n)
	const maxIterations = 8
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, key := range ids {
			v := idx.vectors[key].vector
			best, bestSim := 0, math.Inf(-1)
			for c, centroid := range centroids {
				if sim := idx.metric.Similarity(v, centroid); sim > bestSim {
					best, bestSim = c, sim
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}
		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, idx.dimension)
		}
		for i, key := range ids {
			v := idx.vectors[key].vector
			c := assign[i]
			counts[c]++
			for d := 0; d < idx.dimension; d++ {
				sums[c][d] += float64(v[d])
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue // empty partition keeps its previous centroid
			}
			centroid := make(shared.Vector, idx.dimension)
			for d := 0; d < idx.dimension; d++ {
				centroid[d] = float32(sums[c][d] / float64(counts[c]))
			}
			centroids[c] = centroid
		}
	}

	idx.partitions = make([]partition, k)
	for c := 0; c < k; c++ {
		idx.partitions[c] = partition{centroid: centroids[c]}
	}
	for i, key := range ids {
		c := assign[i]
		idx.partitions[c].members = append(idx.partitions[c].members, idx.vectors[key].id)
		idx.assignment[key] = c
		idx.memberCount++
	}
}

// Len returns the number of live vectors.
func (idx *PartitionedIndex) Len() int {
	return len(idx.vectors)
}

// DeletedFraction reports the share of stale member entries.
func (idx *PartitionedIndex) DeletedFraction() float64 {
	if idx.memberCount == 0 {
		return 0
	}
	return float64(idx.staleCount) / float64(idx.memberCount)
}
