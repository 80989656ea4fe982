package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
)

func newNodes(g *Index, count int) []shared.NodeID {
	ids := make([]shared.NodeID, count)
	for i := range ids {
		ids[i] = shared.NewNodeID()
		g.AddNode(ids[i])
	}
	return ids
}

func TestLink(t *testing.T) {
	t.Run("links registered nodes", func(t *testing.T) {
		g := New()
		ids := newNodes(g, 2)
		e, err := g.Link(ids[0], ids[1], 1, "related", false)
		require.NoError(t, err)
		assert.Equal(t, 1, g.EdgeCount())
		assert.Equal(t, 1, g.Degree(ids[0]))
		assert.Equal(t, 1, g.Degree(ids[1]))

		got, err := g.Edge(e.ID())
		require.NoError(t, err)
		assert.Equal(t, e.ID(), got.ID())
	})

	t.Run("rejects unknown endpoints", func(t *testing.T) {
		g := New()
		ids := newNodes(g, 1)
		_, err := g.Link(ids[0], shared.NewNodeID(), 1, "", false)
		assert.True(t, errors.IsUnknownNode(err))
		_, err = g.Link(shared.NewNodeID(), ids[0], 1, "", false)
		assert.True(t, errors.IsUnknownNode(err))
	})
}

func TestUnlink(t *testing.T) {
	g := New()
	ids := newNodes(g, 2)
	e, err := g.Link(ids[0], ids[1], 1, "", false)
	require.NoError(t, err)

	require.NoError(t, g.Unlink(e.ID()))
	assert.Equal(t, 0, g.EdgeCount())
	assert.Equal(t, 0, g.Degree(ids[0]))
	assert.True(t, errors.IsNotFound(g.Unlink(e.ID())))
}

func TestRemoveNodeCascade(t *testing.T) {
	g := New()
	ids := newNodes(g, 4)
	// Star around ids[0].
	for _, other := range ids[1:] {
		_, err := g.Link(ids[0], other, 1, "", false)
		require.NoError(t, err)
	}

	removed := g.RemoveNode(ids[0])
	assert.Len(t, removed, 3)
	assert.Equal(t, 0, g.EdgeCount())
	assert.False(t, g.ContainsNode(ids[0]))
	for _, other := range ids[1:] {
		assert.Equal(t, 0, g.Degree(other), "no dangling edge may survive the cascade")
	}
}

func TestNeighbors(t *testing.T) {
	// Chain: a - b - c - d, plus a directed edge b -> e.
	g := New()
	ids := newNodes(g, 5)
	a, b, c, d, e := ids[0], ids[1], ids[2], ids[3], ids[4]
	for _, pair := range [][2]shared.NodeID{{a, b}, {b, c}, {c, d}} {
		_, err := g.Link(pair[0], pair[1], 1, "chain", false)
		require.NoError(t, err)
	}
	_, err := g.Link(b, e, 1, "aside", true)
	require.NoError(t, err)

	t.Run("depth bounds the traversal", func(t *testing.T) {
		got, err := g.Neighbors(a, 1, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []shared.NodeID{b}, got)

		got, err = g.Neighbors(a, 2, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []shared.NodeID{b, c, e}, got)

		got, err = g.Neighbors(a, 10, "")
		require.NoError(t, err)
		assert.ElementsMatch(t, []shared.NodeID{b, c, d, e}, got)
	})

	t.Run("relationship filter restricts edges", func(t *testing.T) {
		got, err := g.Neighbors(a, 10, "chain")
		require.NoError(t, err)
		assert.ElementsMatch(t, []shared.NodeID{b, c, d}, got)
	})

	t.Run("directed edges are not traversed backwards", func(t *testing.T) {
		got, err := g.Neighbors(e, 10, "")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("depth zero returns nothing", func(t *testing.T) {
		got, err := g.Neighbors(a, 0, "")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("unknown start node", func(t *testing.T) {
		_, err := g.Neighbors(shared.NewNodeID(), 1, "")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("cycles terminate", func(t *testing.T) {
		_, err := g.Link(d, a, 1, "chain", false)
		require.NoError(t, err)
		got, err := g.Neighbors(a, 100, "")
		require.NoError(t, err)
		assert.Len(t, got, 4)
	})
}

func TestShortestPath(t *testing.T) {
	// a - b - c with a long direct a - c detour via weights.
	g := New()
	ids := newNodes(g, 3)
	a, b, c := ids[0], ids[1], ids[2]
	_, err := g.Link(a, b, 1, "", false)
	require.NoError(t, err)
	_, err = g.Link(b, c, 1, "", false)
	require.NoError(t, err)
	_, err = g.Link(a, c, 10, "", false)
	require.NoError(t, err)

	t.Run("unweighted BFS minimizes hops", func(t *testing.T) {
		path, err := g.ShortestPath(a, c, 10)
		require.NoError(t, err)
		assert.Equal(t, []shared.NodeID{a, c}, path)
	})

	t.Run("weighted search minimizes cost", func(t *testing.T) {
		path, err := g.WeightedShortestPath(a, c, 10)
		require.NoError(t, err)
		assert.Equal(t, []shared.NodeID{a, b, c}, path)
	})

	t.Run("source equals target", func(t *testing.T) {
		path, err := g.ShortestPath(a, a, 10)
		require.NoError(t, err)
		assert.Equal(t, []shared.NodeID{a}, path)
	})

	t.Run("unreachable within hop bound", func(t *testing.T) {
		_, err := g.WeightedShortestPath(a, c, 1)
		// One hop still reaches c directly, so tighten: disconnect first.
		require.NoError(t, err)

		lonely := shared.NewNodeID()
		g.AddNode(lonely)
		_, err = g.ShortestPath(a, lonely, 10)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestRedirectEdges(t *testing.T) {
	t.Run("rewires and deduplicates", func(t *testing.T) {
		g := New()
		ids := newNodes(g, 3)
		survivor, consumed, other := ids[0], ids[1], ids[2]

		// Parallel-after-redirect pair: both nodes link to other the same way.
		_, err := g.Link(survivor, other, 1, "related", false)
		require.NoError(t, err)
		_, err = g.Link(consumed, other, 1, "related", false)
		require.NoError(t, err)
		// Edge between the pair collapses.
		between, err := g.Link(survivor, consumed, 1, "related", false)
		require.NoError(t, err)

		dropped, err := g.RedirectEdges(consumed, survivor)
		require.NoError(t, err)
		assert.Len(t, dropped, 2)
		assert.Contains(t, dropped, between.ID())
		assert.Equal(t, 1, g.EdgeCount())
		assert.False(t, g.ContainsNode(consumed))
	})

	t.Run("distinct relationship types survive", func(t *testing.T) {
		g := New()
		ids := newNodes(g, 3)
		survivor, consumed, other := ids[0], ids[1], ids[2]

		_, err := g.Link(survivor, other, 1, "cites", false)
		require.NoError(t, err)
		_, err = g.Link(consumed, other, 1, "mentions", false)
		require.NoError(t, err)

		dropped, err := g.RedirectEdges(consumed, survivor)
		require.NoError(t, err)
		assert.Empty(t, dropped)
		assert.Equal(t, 2, g.EdgeCount())
		assert.Equal(t, 2, g.Degree(survivor))
	})

	t.Run("unknown redirect target", func(t *testing.T) {
		g := New()
		ids := newNodes(g, 1)
		_, err := g.RedirectEdges(ids[0], shared.NewNodeID())
		assert.True(t, errors.IsUnknownNode(err))
	})
}
