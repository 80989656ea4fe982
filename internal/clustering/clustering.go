// Package clustering groups node embeddings on demand, to narrow search
// scope and to summarize memory contents. All algorithms operate on an
// immutable snapshot of embeddings and never mutate the store; results are
// cacheable by the engine.
package clustering

import (
	"math"
	"math/rand"
	"sort"

	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
)

// Algorithm names accepted by the engine's Cluster operation.
const (
	AlgorithmKMeans       = "kmeans"
	AlgorithmDBSCAN       = "dbscan"
	AlgorithmHierarchical = "hierarchical"
)

// Noise is the cluster id assigned to DBSCAN outliers.
const Noise = -1

// Point pairs a node id with its embedding snapshot.
type Point struct {
	ID     shared.NodeID
	Vector shared.Vector
}

// Params carries the per-algorithm knobs.
type Params struct {
	// K and MaxIterations configure k-means. Seed makes runs reproducible.
	K             int
	MaxIterations int
	Seed          int64
	// Eps and MinPoints configure DBSCAN.
	Eps       float64
	MinPoints int
	// CutDistance is where the hierarchical dendrogram is cut.
	CutDistance float64
}

// Cluster dispatches to the named algorithm and returns a mapping from node
// id to cluster id.
func Cluster(algorithm string, points []Point, params Params) (map[string]int, error) {
	switch algorithm {
	case AlgorithmKMeans:
		return KMeans(points, params.K, params.MaxIterations, params.Seed)
	case AlgorithmDBSCAN:
		return DBSCAN(points, params.Eps, params.MinPoints)
	case AlgorithmHierarchical:
		return Hierarchical(points, params.CutDistance)
	default:
		return nil, errors.NewValidation("unknown clustering algorithm %q", algorithm)
	}
}

// sortPoints fixes iteration order so every algorithm is deterministic for a
// given snapshot.
func sortPoints(points []Point) []Point {
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID.Less(sorted[j].ID) })
	return sorted
}

func euclidean(a, b shared.Vector) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// KMeans runs Lloyd's algorithm with seeded random initialization and a
// fixed iteration cap, so identical inputs produce identical clusterings.
func KMeans(points []Point, k, maxIterations int, seed int64) (map[string]int, error) {
	if k <= 0 {
		return nil, errors.NewValidation("kmeans requires k > 0, got %d", k)
	}
	if maxIterations <= 0 {
		maxIterations = 25
	}
	points = sortPoints(points)
	if len(points) == 0 {
		return map[string]int{}, nil
	}
	if k > len(points) {
		k = len(points)
	}

	// Seeded initialization: sample distinct points as starting centroids.
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(len(points))
	dim := points[0].Vector.Dimension()
	centroids := make([]shared.Vector, k)
	for i := 0; i < k; i++ {
		centroids[i] = points[perm[i]].Vector.Clone()
	}

	assign := make([]int, len(points))
	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				if d := euclidean(p.Vector, centroid); d < bestDist {
					best, bestDist = c, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, p := range points {
			c := assign[i]
			counts[c]++
			for d := 0; d < dim; d++ {
				sums[c][d] += float64(p.Vector[d])
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue // empty cluster keeps its centroid
			}
			centroid := make(shared.Vector, dim)
			for d := 0; d < dim; d++ {
				centroid[d] = float32(sums[c][d] / float64(counts[c]))
			}
			centroids[c] = centroid
		}
	}

	result := make(map[string]int, len(points))
	for i, p := range points {
		result[p.ID.String()] = assign[i]
	}
	return result, nil
}

// DBSCAN performs density-based clustering: points with at least minPoints
// neighbors within eps become cores, cores chain into clusters, and points
// reachable from no core are labeled Noise (-1).
func DBSCAN(points []Point, eps float64, minPoints int) (map[string]int, error) {
	if eps <= 0 {
		return nil, errors.NewValidation("dbscan requires eps > 0, got %v", eps)
	}
	if minPoints <= 0 {
		return nil, errors.NewValidation("dbscan requires minPoints > 0, got %d", minPoints)
	}
	points = sortPoints(points)

	const unvisited = -2
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = unvisited
	}

	neighborsOf := func(i int) []int {
		var out []int
		for j := range points {
			if j != i && euclidean(points[i].Vector, points[j].Vector) <= eps {
				out = append(out, j)
			}
		}
		return out
	}

	cluster := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		neighbors := neighborsOf(i)
		if len(neighbors)+1 < minPoints {
			labels[i] = Noise
			continue
		}

		labels[i] = cluster
		queue := append([]int(nil), neighbors...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == Noise {
				labels[j] = cluster // border point adopted by the cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if expanded := neighborsOf(j); len(expanded)+1 >= minPoints {
				queue = append(queue, expanded...)
			}
		}
		cluster++
	}

	result := make(map[string]int, len(points))
	for i, p := range points {
		result[p.ID.String()] = labels[i]
	}
	return result, nil
}

// Hierarchical performs single-linkage agglomerative clustering and cuts the
// dendrogram at cutDistance: clusters merge bottom-up until the closest pair
// of clusters is farther apart than the cut.
func Hierarchical(points []Point, cutDistance float64) (map[string]int, error) {
	if cutDistance < 0 {
		return nil, errors.NewValidation("hierarchical cut distance cannot be negative, got %v", cutDistance)
	}
	points = sortPoints(points)
	n := len(points)
	if n == 0 {
		return map[string]int{}, nil
	}

	// Union-find over points; single linkage means merging the globally
	// closest pair of clusters each round.
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	type pair struct {
		i, j int
		dist float64
	}
	pairs := make([]pair, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pairs = append(pairs, pair{i: i, j: j, dist: euclidean(points[i].Vector, points[j].Vector)})
		}
	}
	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].dist != pairs[b].dist {
			return pairs[a].dist < pairs[b].dist
		}
		if pairs[a].i != pairs[b].i {
			return pairs[a].i < pairs[b].i
		}
		return pairs[a].j < pairs[b].j
	})

	// Processing pairs in ascending distance is exactly single linkage;
	// stopping at the cut leaves the dendrogram's components at that level.
	for _, p := range pairs {
		if p.dist > cutDistance {
			break
		}
		ri, rj := find(p.i), find(p.j)
		if ri != rj {
			parent[rj] = ri
		}
	}

	// Relabel roots to dense cluster ids in id order.
	result := make(map[string]int, n)
	labelOf := make(map[int]int)
	next := 0
	for i, p := range points {
		root := find(i)
		label, ok := labelOf[root]
		if !ok {
			label = next
			labelOf[root] = label
			next++
		}
		result[p.ID.String()] = label
	}
	return result, nil
}
