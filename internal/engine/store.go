// Package engine composes the content store, graph index, vector index,
// query cache and consolidation engine into the memory store facade. The
// facade owns the lock discipline: a single RWMutex guards the three
// storage structures, so every mutation (which may span all three) is
// atomic to readers. No reader ever sees a node in the content store that
// is missing from the vector index, or an edge referencing a deleted node.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"cortex-engine/internal/cache"
	"cortex-engine/internal/clustering"
	"cortex-engine/internal/config"
	"cortex-engine/internal/consolidation"
	"cortex-engine/internal/domain/edge"
	"cortex-engine/internal/domain/node"
	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
	"cortex-engine/internal/observability"
	"cortex-engine/internal/store/content"
	"cortex-engine/internal/store/graph"
	"cortex-engine/internal/store/vector"
)

// Cache invalidation tags. Per-node tags (the node id) cover results a node
// contributed to; the embeddings tag covers every similarity/clustering
// result, because a newly attached embedding can surface in searches that
// never saw the node before; the graph tag covers traversal results.
const (
	tagEmbeddings = "embeddings"
	tagGraph      = "graph"
)

// autoConsolidateTimeout bounds a background pass triggered by insert.
const autoConsolidateTimeout = 30 * time.Second

// Store is the memory store facade. Construct with New, dispose with Close;
// there is no process-wide singleton.
type Store struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Collector

	mu        sync.RWMutex
	content   *content.Store
	graph     *graph.Index
	vectors   vector.Index
	metric    vector.Metric
	corrupted bool

	queryCache   *cache.Cache
	consolidator *consolidation.Engine

	background sync.WaitGroup
	closed     bool
}

// Option customizes store construction.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	metrics     *observability.Collector
	mergePolicy consolidation.MergePolicy
}

// WithLogger sets the store's logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(collector *observability.Collector) Option {
	return func(o *options) { o.metrics = collector }
}

// WithMergePolicy overrides the content merge policy used by consolidation.
func WithMergePolicy(policy consolidation.MergePolicy) Option {
	return func(o *options) { o.mergePolicy = policy }
}

// New constructs a store from validated configuration.
func New(cfg *config.Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewValidation("store configuration rejected: %v", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	metric, err := vector.ParseMetric(cfg.SimilarityMetric)
	if err != nil {
		return nil, err
	}

	var index vector.Index
	switch cfg.IndexMode {
	case "approximate":
		index = vector.NewPartitionedIndex(cfg.Dimension, metric, cfg.IndexNProbe)
	default:
		index = vector.NewFlatIndex(cfg.Dimension, metric)
	}

	consolidator, err := consolidation.NewEngine(consolidation.Config{
		Capacity:              cfg.Capacity,
		MergeThreshold:        cfg.Consolidation.MergeThreshold,
		KeepDistinctThreshold: cfg.Consolidation.KeepDistinctThreshold,
		HalfLife:              cfg.Consolidation.RecencyHalfLife,
		Weights: consolidation.Weights{
			Recency:      cfg.Consolidation.RecencyWeight,
			Frequency:    cfg.Consolidation.FrequencyWeight,
			Connectivity: cfg.Consolidation.ConnectivityWeight,
		},
	}, o.mergePolicy, o.logger.Named("consolidation"))
	if err != nil {
		return nil, err
	}

	return &Store{
		cfg:          cfg,
		logger:       o.logger,
		metrics:      o.metrics,
		content:      content.New(),
		graph:        graph.New(),
		vectors:      index,
		metric:       metric,
		queryCache:   cache.New(cfg.CacheCapacity, cfg.CacheDefaultTTL, cfg.CacheSweepInterval),
		consolidator: consolidator,
	}, nil
}

// InsertResult reports the outcome of an InsertContent call.
type InsertResult struct {
	ID    shared.NodeID
	IsNew bool
}

// InsertContent stores content, deduplicating per (content hash, node type).
// A duplicate returns the existing node's id with IsNew=false and counts as
// an access. When the store is full and auto-consolidation is disabled, new
// content is rejected with CapacityExceeded; with it enabled, a background
// consolidation pass is triggered instead.
func (s *Store) InsertContent(ctx context.Context, payload string, nodeType shared.NodeType, metadata map[string]string) (InsertResult, error) {
	_, span := observability.StartSpan(ctx, "store.InsertContent",
		attribute.String("node_type", string(nodeType)))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	s.mu.Lock()
	if err = s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return InsertResult{}, err
	}

	n, isNew, insertErr := s.content.Insert(payload, nodeType, metadata)
	if insertErr != nil {
		s.noteCorruption(insertErr)
		s.mu.Unlock()
		err = insertErr
		return InsertResult{}, err
	}

	overCapacity := false
	if isNew {
		if s.content.Len() > s.cfg.Capacity && !s.cfg.AutoConsolidate {
			// Roll back inside the critical section; the rejected node
			// was never observable.
			_ = s.content.Delete(n.ID())
			s.mu.Unlock()
			err = errors.NewCapacityExceeded(s.cfg.Capacity)
			return InsertResult{}, err
		}
		s.graph.AddNode(n.ID())
		overCapacity = s.content.Len() > s.cfg.Capacity
	}
	id := n.ID()
	s.mu.Unlock()

	if isNew {
		s.recordNodeCreated()
	} else {
		s.recordNodeDeduped()
	}
	s.queryCache.InvalidateTag(id.String())

	if overCapacity {
		s.triggerAutoConsolidation()
	}
	return InsertResult{ID: id, IsNew: isNew}, nil
}

// AttachEmbedding sets a node's embedding, making it visible to similarity
// search. Fails with NotFound if the node was deleted or pruned in the
// interim, and with DimensionMismatch on a wrong-length vector.
func (s *Store) AttachEmbedding(ctx context.Context, id shared.NodeID, components []float32) error {
	_, span := observability.StartSpan(ctx, "store.AttachEmbedding",
		attribute.String("node_id", id.String()))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	var v shared.Vector
	v, err = shared.NewVector(components, s.cfg.Dimension)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err = s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	n, peekErr := s.content.Peek(id)
	if peekErr != nil {
		s.mu.Unlock()
		err = peekErr
		return err
	}
	// Index before publishing on the node: a reader holding the lock next
	// either sees both or neither.
	if err = s.vectors.Upsert(id, v); err != nil {
		s.mu.Unlock()
		return err
	}
	n.AttachEmbedding(v)
	s.mu.Unlock()

	s.queryCache.InvalidateTag(id.String())
	s.queryCache.InvalidateTag(tagEmbeddings)
	return nil
}

// GetNode returns a copy of the node and records the access. The returned
// entity is a snapshot: mutating it does not affect the store.
func (s *Store) GetNode(ctx context.Context, id shared.NodeID) (*node.Node, error) {
	_, span := observability.StartSpan(ctx, "store.GetNode",
		attribute.String("node_id", id.String()))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	// Get mutates access stats, so it takes the write lock; the critical
	// section is a map lookup plus a counter bump.
	s.mu.Lock()
	n, getErr := s.content.Get(id)
	if getErr != nil {
		s.mu.Unlock()
		err = getErr
		return nil, err
	}
	clone := n.Clone()
	s.mu.Unlock()

	if !clone.Scored() {
		clone.SetImportance(s.consolidator.Scorer().SeedScore(clone.LastAccessedAt(), time.Now()))
	}
	return clone, nil
}

// DeleteNode removes a node, cascading to its incident edges and its vector.
// The cascade happens inside one critical section, so no reader ever
// observes a dangling edge or an orphaned vector.
func (s *Store) DeleteNode(ctx context.Context, id shared.NodeID) error {
	_, span := observability.StartSpan(ctx, "store.DeleteNode",
		attribute.String("node_id", id.String()))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	s.mu.Lock()
	if err = s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.content.Contains(id) {
		s.mu.Unlock()
		err = errors.NewNotFound("node %s not found", id)
		return err
	}
	s.vectors.Remove(id)
	removedEdges := s.graph.RemoveNode(id)
	if err = s.content.Delete(id); err != nil {
		s.noteCorruption(err)
		s.mu.Unlock()
		return err
	}
	s.maybeRebuildLocked()
	s.mu.Unlock()

	s.recordNodeDeleted(len(removedEdges))
	s.invalidateAfterNodeRemoval(id, removedEdgeIDs(removedEdges))
	return nil
}

// Link creates an edge between two live nodes.
func (s *Store) Link(ctx context.Context, source, target shared.NodeID, weight float64, relationshipType string, directed bool) (shared.EdgeID, error) {
	_, span := observability.StartSpan(ctx, "store.Link")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	s.mu.Lock()
	if err = s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return shared.EdgeID{}, err
	}
	e, linkErr := s.graph.Link(source, target, weight, relationshipType, directed)
	if linkErr != nil {
		s.mu.Unlock()
		err = linkErr
		return shared.EdgeID{}, err
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.EdgesCreated.Inc()
	}
	s.queryCache.InvalidateTag(tagGraph)
	s.queryCache.InvalidateTag(source.String())
	s.queryCache.InvalidateTag(target.String())
	return e.ID(), nil
}

// Unlink removes a single edge.
func (s *Store) Unlink(ctx context.Context, id shared.EdgeID) error {
	_, span := observability.StartSpan(ctx, "store.Unlink")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	s.mu.Lock()
	if err = s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	err = s.graph.Unlink(id)
	s.mu.Unlock()

	if err == nil {
		if s.metrics != nil {
			s.metrics.EdgesDeleted.Inc()
		}
		s.queryCache.InvalidateTag(tagGraph)
	}
	return err
}

// SearchResult is one ranked similarity match.
type SearchResult struct {
	ID         shared.NodeID `json:"id"`
	Similarity float64       `json:"similarity"`
}

// SearchSimilar returns up to k nodes ranked by descending similarity to the
// query vector, ties broken by smaller node id. Results are cached keyed on
// (query, k) and invalidated by any embedding mutation.
func (s *Store) SearchSimilar(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	_, span := observability.StartSpan(ctx, "store.SearchSimilar",
		attribute.Int("k", k))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	var q shared.Vector
	q, err = shared.NewVector(query, s.cfg.Dimension)
	if err != nil {
		return nil, err
	}

	key := cache.Key("search", vectorKey(q), strconv.Itoa(k))
	if cached, ok := s.queryCache.Get(key); ok {
		s.recordCacheHit()
		return cached.([]SearchResult), nil
	}
	s.recordCacheMiss()
	// Captured before the search so a mutation landing between the unlock
	// below and the cache write advances it, voiding the write.
	version := s.queryCache.VersionOf(tagEmbeddings)

	started := time.Now()
	s.mu.RLock()
	matches, searchErr := s.vectors.Search(q, k)
	s.mu.RUnlock()
	if searchErr != nil {
		err = searchErr
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ObserveSearch(time.Since(started))
	}

	results := make([]SearchResult, len(matches))
	tags := make([]string, 0, len(matches)+1)
	tags = append(tags, tagEmbeddings)
	for i, m := range matches {
		results[i] = SearchResult{ID: m.ID, Similarity: m.Similarity}
		tags = append(tags, m.ID.String())
	}
	s.queryCache.PutChecked(version, key, results, 0, tags...)
	return results, nil
}

// SearchWithinRadius returns all nodes with similarity at or above radius.
// The result is unordered.
func (s *Store) SearchWithinRadius(ctx context.Context, query []float32, radius float64) ([]SearchResult, error) {
	_, span := observability.StartSpan(ctx, "store.SearchWithinRadius")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	var q shared.Vector
	q, err = shared.NewVector(query, s.cfg.Dimension)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	matches, searchErr := s.vectors.RangeSearch(q, radius)
	s.mu.RUnlock()
	if searchErr != nil {
		err = searchErr
		return nil, err
	}

	results := make([]SearchResult, len(matches))
	for i, m := range matches {
		results[i] = SearchResult{ID: m.ID, Similarity: m.Similarity}
	}
	return results, nil
}

// Neighbors returns node ids reachable from id within depth hops, cached
// until the graph mutates.
func (s *Store) Neighbors(ctx context.Context, id shared.NodeID, depth int, relationshipFilter string) ([]shared.NodeID, error) {
	_, span := observability.StartSpan(ctx, "store.Neighbors",
		attribute.String("node_id", id.String()), attribute.Int("depth", depth))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	key := cache.Key("neighbors", id.String(), strconv.Itoa(depth), relationshipFilter)
	if cached, ok := s.queryCache.Get(key); ok {
		s.recordCacheHit()
		return cached.([]shared.NodeID), nil
	}
	s.recordCacheMiss()
	// Every mutation that can change a traversal result invalidates the
	// graph tag or the start node's tag; either voids this version.
	version := s.queryCache.VersionOf(tagGraph, id.String())

	s.mu.RLock()
	neighbors, nErr := s.graph.Neighbors(id, depth, relationshipFilter)
	s.mu.RUnlock()
	if nErr != nil {
		err = nErr
		return nil, err
	}

	tags := make([]string, 0, len(neighbors)+2)
	tags = append(tags, tagGraph, id.String())
	for _, n := range neighbors {
		tags = append(tags, n.String())
	}
	s.queryCache.PutChecked(version, key, neighbors, 0, tags...)
	return neighbors, nil
}

// ShortestPath returns the minimum-hop (or, when weighted, minimum-cost)
// path between two nodes.
func (s *Store) ShortestPath(ctx context.Context, source, target shared.NodeID, maxHops int, weighted bool) ([]shared.NodeID, error) {
	_, span := observability.StartSpan(ctx, "store.ShortestPath")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	var path []shared.NodeID
	if weighted {
		path, err = s.graph.WeightedShortestPath(source, target, maxHops)
	} else {
		path, err = s.graph.ShortestPath(source, target, maxHops)
	}
	return path, err
}

// Consolidate runs one synchronous consolidation pass: rescore every node,
// merge near-duplicates, prune back to capacity. A second call while one is
// running is rejected with ConsolidationInProgress.
func (s *Store) Consolidate(ctx context.Context) (consolidation.Report, error) {
	_, span := observability.StartSpan(ctx, "store.Consolidate")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	var report consolidation.Report
	report, err = s.consolidator.Consolidate(ctx, (*consolidationTarget)(s))
	if err != nil {
		return report, err
	}

	s.mu.Lock()
	s.maybeRebuildLocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveConsolidation(report.Duration)
		s.metrics.NodesLive.Set(float64(s.NodeCount()))
	}
	return report, nil
}

// Cluster groups current embeddings with the named algorithm. The snapshot
// is taken under a read lock; clustering itself runs unlocked and the result
// is cached until any embedding changes.
func (s *Store) Cluster(ctx context.Context, algorithm string, params clustering.Params) (map[string]int, error) {
	_, span := observability.StartSpan(ctx, "store.Cluster",
		attribute.String("algorithm", algorithm))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	key := cache.Key("cluster", algorithm, clusterParamsKey(params))
	if cached, ok := s.queryCache.Get(key); ok {
		s.recordCacheHit()
		return cached.(map[string]int), nil
	}
	s.recordCacheMiss()
	version := s.queryCache.VersionOf(tagEmbeddings)

	s.mu.RLock()
	points := make([]clustering.Point, 0, s.content.Len())
	s.content.ForEach(func(n *node.Node) bool {
		if n.HasEmbedding() {
			points = append(points, clustering.Point{ID: n.ID(), Vector: n.Embedding()})
		}
		return true
	})
	s.mu.RUnlock()

	var result map[string]int
	result, err = clustering.Cluster(algorithm, points, params)
	if err != nil {
		return nil, err
	}
	s.queryCache.PutChecked(version, key, result, 0, tagEmbeddings)
	return result, nil
}

// RebuildIndex recomputes the vector index's approximate structure from live
// vectors and clears the corruption flag, restoring mutability after an
// IndexCorruption error.
func (s *Store) RebuildIndex(ctx context.Context) error {
	_, span := observability.StartSpan(ctx, "store.RebuildIndex")
	defer observability.EndSpan(span, nil)

	s.mu.Lock()
	s.vectors.Rebuild()
	s.corrupted = false
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IndexRebuilds.Inc()
	}
	s.logger.Info("vector index rebuilt")
	return nil
}

// ApplyConsolidationConfig hot-swaps the runtime-tunable consolidation knobs.
// Capacity and the other construction-time settings are unaffected.
func (s *Store) ApplyConsolidationConfig(cfg config.ConsolidationConfig) error {
	return s.consolidator.UpdateTuning(consolidation.Config{
		MergeThreshold:        cfg.MergeThreshold,
		KeepDistinctThreshold: cfg.KeepDistinctThreshold,
		HalfLife:              cfg.RecencyHalfLife,
		Weights: consolidation.Weights{
			Recency:      cfg.RecencyWeight,
			Frequency:    cfg.FrequencyWeight,
			Connectivity: cfg.ConnectivityWeight,
		},
	})
}

// NodeCount returns the current live-node count.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content.Len()
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Nodes           int     `json:"nodes"`
	Edges           int     `json:"edges"`
	Vectors         int     `json:"vectors"`
	CacheEntries    int     `json:"cache_entries"`
	CacheHits       uint64  `json:"cache_hits"`
	CacheMisses     uint64  `json:"cache_misses"`
	DeletedFraction float64 `json:"index_deleted_fraction"`
	Consolidating   bool    `json:"consolidating"`
}

// Stats reports store counters without touching access stats.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	st := Stats{
		Nodes:           s.content.Len(),
		Edges:           s.graph.EdgeCount(),
		Vectors:         s.vectors.Len(),
		DeletedFraction: s.vectors.DeletedFraction(),
	}
	s.mu.RUnlock()

	st.CacheEntries = s.queryCache.Len()
	st.CacheHits, st.CacheMisses = s.queryCache.Stats()
	st.Consolidating = s.consolidator.Running()
	return st
}

// Close stops background goroutines and waits for any in-flight
// auto-consolidation. The store must not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.background.Wait()
	s.queryCache.Close()
	return nil
}

// mutableLocked rejects mutations on a closed or corrupted store. Callers
// hold the write lock.
func (s *Store) mutableLocked() error {
	if s.closed {
		return errors.NewValidation("store is closed")
	}
	if s.corrupted {
		return errors.NewIndexCorruption("store is corrupted; rebuild required before further mutation")
	}
	return nil
}

// noteCorruption latches the corruption flag when an internal invariant
// violation surfaces. Callers hold the write lock.
func (s *Store) noteCorruption(err error) {
	if errors.IsIndexCorruption(err) {
		s.corrupted = true
		s.logger.Error("index corruption detected; store is read-only until rebuild", zap.Error(err))
	}
}

// maybeRebuildLocked schedules an immediate rebuild when tombstones from
// deletes have degraded the approximate index past the configured fraction.
// Callers hold the write lock.
func (s *Store) maybeRebuildLocked() {
	if s.vectors.DeletedFraction() > s.cfg.RebuildThreshold {
		s.vectors.Rebuild()
		if s.metrics != nil {
			s.metrics.IndexRebuilds.Inc()
		}
		s.logger.Info("vector index rebuilt after heavy churn")
	}
}

// triggerAutoConsolidation starts a background pass after an insert pushed
// the store above capacity. An already-running pass makes this a no-op.
func (s *Store) triggerAutoConsolidation() {
	// The Add must happen under the same lock as the closed check: Close
	// sets closed under the write lock before it Waits, so the pass is
	// either counted by that Wait or never started.
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.background.Add(1)
	s.mu.RUnlock()

	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), autoConsolidateTimeout)
		defer cancel()
		if _, err := s.Consolidate(ctx); err != nil && !errors.IsConsolidationInProgress(err) {
			s.logger.Warn("auto-consolidation failed", zap.Error(err))
		}
	}()
}

func (s *Store) invalidateAfterNodeRemoval(id shared.NodeID, edgeIDs []shared.EdgeID) {
	s.queryCache.InvalidateTag(id.String())
	s.queryCache.InvalidateTag(tagEmbeddings)
	if len(edgeIDs) > 0 {
		s.queryCache.InvalidateTag(tagGraph)
	}
}

func (s *Store) recordNodeCreated() {
	if s.metrics != nil {
		s.metrics.NodesCreated.Inc()
		s.metrics.NodesLive.Set(float64(s.NodeCount()))
	}
}

func (s *Store) recordNodeDeduped() {
	if s.metrics != nil {
		s.metrics.NodesDeduped.Inc()
	}
}

func (s *Store) recordNodeDeleted(removedEdges int) {
	if s.metrics != nil {
		s.metrics.NodesDeleted.Inc()
		s.metrics.NodesLive.Set(float64(s.NodeCount()))
		s.metrics.EdgesDeleted.Add(float64(removedEdges))
	}
}

func (s *Store) recordCacheHit() {
	if s.metrics != nil {
		s.metrics.CacheHits.Inc()
	}
}

func (s *Store) recordCacheMiss() {
	if s.metrics != nil {
		s.metrics.CacheMisses.Inc()
	}
}

func vectorKey(v shared.Vector) string {
	out := make([]byte, 0, len(v)*9)
	for _, c := range v {
		out = strconv.AppendFloat(out, float64(c), 'g', -1, 32)
		out = append(out, ',')
	}
	return string(out)
}

func clusterParamsKey(p clustering.Params) string {
	return fmt.Sprintf("k=%d,iter=%d,seed=%d,eps=%g,min=%d,cut=%g",
		p.K, p.MaxIterations, p.Seed, p.Eps, p.MinPoints, p.CutDistance)
}

func removedEdgeIDs(edges []*edge.Edge) []shared.EdgeID {
	out := make([]shared.EdgeID, len(edges))
	for i, e := range edges {
		out[i] = e.ID()
	}
	return out
}
