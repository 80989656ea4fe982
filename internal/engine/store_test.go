package engine

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex-engine/internal/cache"
	"cortex-engine/internal/clustering"
	"cortex-engine/internal/config"
	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Environment = "test"
	cfg.Dimension = 8
	cfg.Capacity = 100
	cfg.AutoConsolidate = false
	cfg.CacheSweepInterval = 0
	return cfg
}

func newTestStore(t *testing.T, cfg *config.Config) *Store {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func TestInsertContentDedup(t *testing.T) {
	s := newTestStore(t, testConfig())
	ctx := context.Background()

	first, err := s.InsertContent(ctx, "remember the milk", "note", nil)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := s.InsertContent(ctx, "remember the milk", "note", nil)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.True(t, first.ID.Equals(second.ID))

	// Normalized duplicate: case and whitespace differences collapse.
	third, err := s.InsertContent(ctx, "  Remember   THE milk ", "note", nil)
	require.NoError(t, err)
	assert.False(t, third.IsNew)
	assert.True(t, first.ID.Equals(third.ID))

	assert.Equal(t, 1, s.NodeCount())

	// Three inserts plus this read: four accesses total.
	n, err := s.GetNode(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n.AccessCount())

	t.Run("fresh nodes get a recency-seeded importance", func(t *testing.T) {
		assert.Greater(t, n.Importance(), 0.9)
	})

	t.Run("different type is a different node", func(t *testing.T) {
		doc, err := s.InsertContent(ctx, "remember the milk", "doc", nil)
		require.NoError(t, err)
		assert.True(t, doc.IsNew)
		assert.Equal(t, 2, s.NodeCount())
	})

	t.Run("empty content is rejected", func(t *testing.T) {
		_, err := s.InsertContent(ctx, "", "note", nil)
		assert.True(t, errors.IsValidation(err))
	})
}

func TestAttachEmbeddingAndSearch(t *testing.T) {
	s := newTestStore(t, testConfig())
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))

	type stored struct {
		id  shared.NodeID
		vec []float32
	}
	nodes := make([]stored, 100)
	for i := range nodes {
		result, err := s.InsertContent(ctx, fmt.Sprintf("searchable content %03d", i), "note", nil)
		require.NoError(t, err)
		vec := randomVector(rng, 8)
		require.NoError(t, s.AttachEmbedding(ctx, result.ID, vec))
		nodes[i] = stored{id: result.ID, vec: vec}
	}

	query := randomVector(rng, 8)
	results, err := s.SearchSimilar(ctx, query, 5)
	require.NoError(t, err)
	require.Len(t, results, 5)

	t.Run("results are ranked by descending similarity", func(t *testing.T) {
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
		}
	})

	t.Run("the cut-off dominates everything excluded", func(t *testing.T) {
		q, err := shared.NewVector(query, 8)
		require.NoError(t, err)
		inResult := make(map[string]struct{})
		for _, r := range results {
			inResult[r.ID.String()] = struct{}{}
		}
		floor := results[4].Similarity
		for _, n := range nodes {
			if _, ok := inResult[n.id.String()]; ok {
				continue
			}
			v, err := shared.NewVector(n.vec, 8)
			require.NoError(t, err)
			assert.LessOrEqual(t, q.Dot(v)/(q.Norm()*v.Norm()), floor+1e-9)
		}
	})

	t.Run("radius search honors the floor", func(t *testing.T) {
		within, err := s.SearchWithinRadius(ctx, query, results[2].Similarity)
		require.NoError(t, err)
		require.NotEmpty(t, within)
		for _, r := range within {
			assert.GreaterOrEqual(t, r.Similarity, results[2].Similarity)
		}
	})

	t.Run("wrong dimension is rejected", func(t *testing.T) {
		_, err := s.SearchSimilar(ctx, []float32{1, 2}, 5)
		assert.True(t, errors.IsDimensionMismatch(err))
		err = s.AttachEmbedding(ctx, nodes[0].id, []float32{1, 2})
		assert.True(t, errors.IsDimensionMismatch(err))
	})

	t.Run("attaching to a missing node fails", func(t *testing.T) {
		err := s.AttachEmbedding(ctx, shared.NewNodeID(), randomVector(rng, 8))
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestSearchCacheCoherence(t *testing.T) {
	s := newTestStore(t, testConfig())
	ctx := context.Background()

	a, err := s.InsertContent(ctx, "first", "note", nil)
	require.NoError(t, err)
	require.NoError(t, s.AttachEmbedding(ctx, a.ID, []float32{1, 0, 0, 0, 0, 0, 0, 0}))

	query := []float32{1, 0, 0, 0, 0, 0, 0, 0}

	first, err := s.SearchSimilar(ctx, query, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := s.SearchSimilar(ctx, query, 10)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.CacheHits, "the repeat query is served from cache")

	t.Run("a new embedding invalidates cached searches", func(t *testing.T) {
		b, err := s.InsertContent(ctx, "second", "note", nil)
		require.NoError(t, err)
		require.NoError(t, s.AttachEmbedding(ctx, b.ID, []float32{0.9, 0.1, 0, 0, 0, 0, 0, 0}))

		refreshed, err := s.SearchSimilar(ctx, query, 10)
		require.NoError(t, err)
		assert.Len(t, refreshed, 2, "the stale one-node result must not be served")
	})

	t.Run("deleting a node invalidates results it fed", func(t *testing.T) {
		before, err := s.SearchSimilar(ctx, query, 10)
		require.NoError(t, err)
		require.Len(t, before, 2)

		require.NoError(t, s.DeleteNode(ctx, a.ID))
		after, err := s.SearchSimilar(ctx, query, 10)
		require.NoError(t, err)
		assert.Len(t, after, 1)
		assert.False(t, after[0].ID.Equals(a.ID))
	})
}

func TestOvertakenSearchResultNotCached(t *testing.T) {
	s := newTestStore(t, testConfig())
	ctx := context.Background()

	a, err := s.InsertContent(ctx, "only match", "note", nil)
	require.NoError(t, err)
	require.NoError(t, s.AttachEmbedding(ctx, a.ID, []float32{1, 0, 0, 0, 0, 0, 0, 0}))

	query := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	stale, err := s.SearchSimilar(ctx, query, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	// A search computed before the mutation below must not be able to
	// publish its result afterwards.
	version := s.queryCache.VersionOf(tagEmbeddings)

	require.NoError(t, s.DeleteNode(ctx, a.ID))

	q, err := shared.NewVector(query, 8)
	require.NoError(t, err)
	key := cache.Key("search", vectorKey(q), strconv.Itoa(10))
	landed := s.queryCache.PutChecked(version, key, stale, 0, tagEmbeddings, a.ID.String())
	assert.False(t, landed, "the write raced a mutation and must be rejected")

	fresh, err := s.SearchSimilar(ctx, query, 10)
	require.NoError(t, err)
	assert.Empty(t, fresh, "the deleted node must not reappear via the cache")
}

func TestDeleteNodeCascade(t *testing.T) {
	s := newTestStore(t, testConfig())
	ctx := context.Background()

	a, err := s.InsertContent(ctx, "node a", "note", nil)
	require.NoError(t, err)
	b, err := s.InsertContent(ctx, "node b", "note", nil)
	require.NoError(t, err)
	c, err := s.InsertContent(ctx, "node c", "note", nil)
	require.NoError(t, err)

	_, err = s.Link(ctx, a.ID, b.ID, 1, "related", false)
	require.NoError(t, err)
	_, err = s.Link(ctx, b.ID, c.ID, 1, "related", false)
	require.NoError(t, err)
	require.NoError(t, s.AttachEmbedding(ctx, b.ID, []float32{1, 0, 0, 0, 0, 0, 0, 0}))

	require.NoError(t, s.DeleteNode(ctx, b.ID))

	t.Run("the node is gone", func(t *testing.T) {
		_, err := s.GetNode(ctx, b.ID)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("incident edges are gone", func(t *testing.T) {
		neighbors, err := s.Neighbors(ctx, a.ID, 5, "")
		require.NoError(t, err)
		assert.Empty(t, neighbors)
		assert.Zero(t, s.Stats().Edges)
	})

	t.Run("the vector is gone", func(t *testing.T) {
		results, err := s.SearchSimilar(ctx, []float32{1, 0, 0, 0, 0, 0, 0, 0}, 10)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("deleting again reports not found", func(t *testing.T) {
		assert.True(t, errors.IsNotFound(s.DeleteNode(ctx, b.ID)))
	})
}

func TestLinkValidation(t *testing.T) {
	s := newTestStore(t, testConfig())
	ctx := context.Background()

	a, err := s.InsertContent(ctx, "node a", "note", nil)
	require.NoError(t, err)

	t.Run("unknown endpoint", func(t *testing.T) {
		_, err := s.Link(ctx, a.ID, shared.NewNodeID(), 1, "", false)
		assert.True(t, errors.IsUnknownNode(err))
	})

	t.Run("self-loop", func(t *testing.T) {
		_, err := s.Link(ctx, a.ID, a.ID, 1, "", false)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("unlink missing edge", func(t *testing.T) {
		assert.True(t, errors.IsNotFound(s.Unlink(ctx, shared.NewEdgeID())))
	})
}

func TestShortestPathFacade(t *testing.T) {
	s := newTestStore(t, testConfig())
	ctx := context.Background()

	a, _ := s.InsertContent(ctx, "a", "note", nil)
	b, _ := s.InsertContent(ctx, "b", "note", nil)
	c, _ := s.InsertContent(ctx, "c", "note", nil)

	_, err := s.Link(ctx, a.ID, b.ID, 1, "", false)
	require.NoError(t, err)
	_, err = s.Link(ctx, b.ID, c.ID, 1, "", false)
	require.NoError(t, err)
	_, err = s.Link(ctx, a.ID, c.ID, 10, "", false)
	require.NoError(t, err)

	hops, err := s.ShortestPath(ctx, a.ID, c.ID, 10, false)
	require.NoError(t, err)
	assert.Equal(t, []shared.NodeID{a.ID, c.ID}, hops)

	weighted, err := s.ShortestPath(ctx, a.ID, c.ID, 10, true)
	require.NoError(t, err)
	assert.Equal(t, []shared.NodeID{a.ID, b.ID, c.ID}, weighted)
}

func TestCapacityRejection(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 2
	s := newTestStore(t, cfg)
	ctx := context.Background()

	_, err := s.InsertContent(ctx, "one", "note", nil)
	require.NoError(t, err)
	_, err = s.InsertContent(ctx, "two", "note", nil)
	require.NoError(t, err)

	_, err = s.InsertContent(ctx, "three", "note", nil)
	assert.True(t, errors.IsCapacityExceeded(err))
	assert.Equal(t, 2, s.NodeCount(), "the rejected insert leaves no trace")

	t.Run("duplicates still land at capacity", func(t *testing.T) {
		result, err := s.InsertContent(ctx, "one", "note", nil)
		require.NoError(t, err)
		assert.False(t, result.IsNew)
	})
}

func TestAutoConsolidation(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 10
	cfg.AutoConsolidate = true
	s := newTestStore(t, cfg)
	ctx := context.Background()

	contents := []string{
		"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf",
		"hotel", "india", "juliett", "kilo", "lima", "mike", "november", "oscar",
	}
	for _, text := range contents {
		_, err := s.InsertContent(ctx, text, "note", nil)
		require.NoError(t, err, "inserts over capacity must not fail with auto-consolidation on")
	}

	// A trigger racing the final insert can lose to single-flight; an explicit
	// pass settles it either way.
	require.Eventually(t, func() bool {
		if s.NodeCount() <= 10 {
			return true
		}
		_, _ = s.Consolidate(ctx)
		return s.NodeCount() <= 10
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCloseRacesAutoConsolidationTrigger(t *testing.T) {
	// Closing right behind an over-capacity insert must never panic: the
	// trigger either registers with the waitgroup before Close waits, or it
	// sees the store closed and never starts.
	for i := 0; i < 20; i++ {
		cfg := testConfig()
		cfg.Capacity = 1
		cfg.AutoConsolidate = true
		s, err := New(cfg)
		require.NoError(t, err)

		ctx := context.Background()
		_, err = s.InsertContent(ctx, "resident", "note", nil)
		require.NoError(t, err)
		_, err = s.InsertContent(ctx, "overflow", "note", nil)
		require.NoError(t, err)

		require.NoError(t, s.Close())
	}
}

func TestConsolidateMergesDuplicates(t *testing.T) {
	cfg := testConfig()
	cfg.Consolidation.KeepDistinctThreshold = 1.9
	s := newTestStore(t, cfg)
	ctx := context.Background()

	a, err := s.InsertContent(ctx, "the cat sat on the mat", "note", nil)
	require.NoError(t, err)
	b, err := s.InsertContent(ctx, "a cat was sitting on a mat", "note", nil)
	require.NoError(t, err)
	c, err := s.InsertContent(ctx, "unrelated topic entirely", "note", nil)
	require.NoError(t, err)

	// Identical embeddings make the pair a certain merge candidate.
	emb := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	require.NoError(t, s.AttachEmbedding(ctx, a.ID, emb))
	require.NoError(t, s.AttachEmbedding(ctx, b.ID, emb))

	_, err = s.Link(ctx, b.ID, c.ID, 1, "cites", false)
	require.NoError(t, err)

	report, err := s.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Merged)
	assert.Equal(t, 2, s.NodeCount())

	// Exactly one of the pair survives, holding the merged content and the
	// redirected edge.
	survivorID := a.ID
	if _, err := s.GetNode(ctx, survivorID); err != nil {
		survivorID = b.ID
	}
	survivor, err := s.GetNode(ctx, survivorID)
	require.NoError(t, err)
	assert.Contains(t, survivor.Content(), "cat sat on the mat")
	assert.Contains(t, survivor.Content(), "sitting on a mat")

	neighbors, err := s.Neighbors(ctx, survivorID, 1, "")
	require.NoError(t, err)
	assert.Equal(t, []shared.NodeID{c.ID}, neighbors)
}

func TestMergeSkippedOnContentCollision(t *testing.T) {
	cfg := testConfig()
	cfg.Consolidation.KeepDistinctThreshold = 1.9
	s := newTestStore(t, cfg)
	ctx := context.Background()

	// Both concatenation orders of the candidate pair already exist as live
	// nodes, so either merge direction would land on an occupied dedup key.
	_, err := s.InsertContent(ctx, "aaa\n\nbbb", "note", nil)
	require.NoError(t, err)
	_, err = s.InsertContent(ctx, "bbb\n\naaa", "note", nil)
	require.NoError(t, err)

	a, err := s.InsertContent(ctx, "aaa", "note", nil)
	require.NoError(t, err)
	b, err := s.InsertContent(ctx, "bbb", "note", nil)
	require.NoError(t, err)

	// Identical embeddings make the pair a certain merge candidate.
	emb := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	require.NoError(t, s.AttachEmbedding(ctx, a.ID, emb))
	require.NoError(t, s.AttachEmbedding(ctx, b.ID, emb))

	report, err := s.Consolidate(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Merged, "a colliding merge is skipped, not forced")
	assert.Equal(t, 4, s.NodeCount())

	t.Run("all four nodes stay live and distinct", func(t *testing.T) {
		for _, id := range []shared.NodeID{a.ID, b.ID} {
			_, err := s.GetNode(ctx, id)
			require.NoError(t, err)
		}
		concat, err := s.InsertContent(ctx, "aaa\n\nbbb", "note", nil)
		require.NoError(t, err)
		assert.False(t, concat.IsNew, "the occupied dedup key still resolves")
		assert.Equal(t, 4, s.NodeCount())
	})
}

func TestClusterFacade(t *testing.T) {
	s := newTestStore(t, testConfig())
	ctx := context.Background()

	blobs := [][]float32{
		{1, 0, 0, 0, 0, 0, 0, 0},
		{0.9, 0.1, 0, 0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0, 0, 0, 1},
		{0, 0, 0, 0, 0, 0, 0.1, 0.9},
	}
	for i, vec := range blobs {
		result, err := s.InsertContent(ctx, "cluster content "+string(rune('a'+i)), "note", nil)
		require.NoError(t, err)
		require.NoError(t, s.AttachEmbedding(ctx, result.ID, vec))
	}
	// A node without an embedding is excluded from clustering.
	_, err := s.InsertContent(ctx, "no embedding here", "note", nil)
	require.NoError(t, err)

	params := clustering.Params{Eps: 0.5, MinPoints: 2}
	first, err := s.Cluster(ctx, clustering.AlgorithmDBSCAN, params)
	require.NoError(t, err)
	assert.Len(t, first, 4)

	second, err := s.Cluster(ctx, clustering.AlgorithmDBSCAN, params)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = s.Cluster(ctx, "spectral", params)
	assert.True(t, errors.IsValidation(err))
}

func TestStoreClose(t *testing.T) {
	s := newTestStore(t, testConfig())
	ctx := context.Background()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	_, err := s.InsertContent(ctx, "too late", "note", nil)
	assert.Error(t, err)
}

func TestConsolidationHaltsOnCorruption(t *testing.T) {
	ctx := context.Background()

	donor := newTestStore(t, testConfig())
	for i := 0; i < 15; i++ {
		_, err := donor.InsertContent(ctx, fmt.Sprintf("memory %02d", i), "note", nil)
		require.NoError(t, err)
	}
	data, err := donor.Export(ctx)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Capacity = 10
	s := newTestStore(t, cfg)
	require.NoError(t, s.Import(ctx, data))

	s.mu.Lock()
	s.corrupted = true
	s.mu.Unlock()

	_, err = s.Consolidate(ctx)
	require.True(t, errors.IsIndexCorruption(err))
	assert.Equal(t, 15, s.NodeCount(), "a halted pass removes nothing")

	t.Run("a rebuild clears the latch and the pass completes", func(t *testing.T) {
		require.NoError(t, s.RebuildIndex(ctx))
		report, err := s.Consolidate(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, report.Pruned)
		assert.Equal(t, 10, s.NodeCount())
	})
}

func TestApplyConsolidationConfig(t *testing.T) {
	s := newTestStore(t, testConfig())

	knobs := config.Default().Consolidation
	knobs.MergeThreshold = 0.8
	assert.NoError(t, s.ApplyConsolidationConfig(knobs))

	knobs.MergeThreshold = 5
	assert.Error(t, s.ApplyConsolidationConfig(knobs))
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Dimension = -1
	_, err := New(cfg)
	assert.Error(t, err)
}
