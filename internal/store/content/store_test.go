package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex-engine/internal/domain/node"
	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
)

func TestInsertDedup(t *testing.T) {
	t.Run("identical content collapses onto one node", func(t *testing.T) {
		s := New()

		first, isNew, err := s.Insert("the quick brown fox", "note", nil)
		require.NoError(t, err)
		assert.True(t, isNew)

		second, isNew, err := s.Insert("the quick brown fox", "note", nil)
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.True(t, first.ID().Equals(second.ID()))

		third, isNew, err := s.Insert("The  Quick   Brown Fox", "note", nil)
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.True(t, first.ID().Equals(third.ID()))

		assert.Equal(t, 1, s.Len())
		assert.Equal(t, uint64(3), first.AccessCount())
	})

	t.Run("dedup is scoped per node type", func(t *testing.T) {
		s := New()

		doc, isNew, err := s.Insert("same text", "doc", nil)
		require.NoError(t, err)
		assert.True(t, isNew)

		note, isNew, err := s.Insert("same text", "note", nil)
		require.NoError(t, err)
		assert.True(t, isNew)

		assert.False(t, doc.ID().Equals(note.ID()))
		assert.Equal(t, 2, s.Len())
	})

	t.Run("deleted content can be re-inserted as a new node", func(t *testing.T) {
		s := New()
		n, _, err := s.Insert("ephemeral", "note", nil)
		require.NoError(t, err)
		require.NoError(t, s.Delete(n.ID()))

		again, isNew, err := s.Insert("ephemeral", "note", nil)
		require.NoError(t, err)
		assert.True(t, isNew)
		assert.False(t, n.ID().Equals(again.ID()))
	})
}

func TestGetVsPeek(t *testing.T) {
	s := New()
	n, _, err := s.Insert("content", "note", nil)
	require.NoError(t, err)

	_, err = s.Peek(n.ID())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n.AccessCount(), "peek must not count as an access")

	got, err := s.Get(n.ID())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.AccessCount())

	_, err = s.Get(shared.NewNodeID())
	assert.True(t, errors.IsNotFound(err))
}

func TestDelete(t *testing.T) {
	s := New()
	n, _, err := s.Insert("content", "note", nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(n.ID()))
	assert.False(t, s.Contains(n.ID()))
	assert.Equal(t, 0, s.Len())

	assert.True(t, errors.IsNotFound(s.Delete(n.ID())))
}

func TestReplaceContent(t *testing.T) {
	s := New()
	n, _, err := s.Insert("before", "note", nil)
	require.NoError(t, err)

	require.NoError(t, s.ReplaceContent(n.ID(), "after"))

	// The old hash slot is freed, the new one is claimed.
	again, isNew, err := s.Insert("before", "note", nil)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.False(t, again.ID().Equals(n.ID()))

	dup, isNew, err := s.Insert("after", "note", nil)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.True(t, dup.ID().Equals(n.ID()))
}

func TestReplaceContentCollision(t *testing.T) {
	s := New()
	a, _, err := s.Insert("first text", "note", nil)
	require.NoError(t, err)
	b, _, err := s.Insert("second text", "note", nil)
	require.NoError(t, err)

	// Rewriting a onto b's dedup key would leave two live nodes behind one
	// key; the replacement must be refused with both nodes intact.
	err = s.ReplaceContent(a.ID(), "Second   TEXT")
	require.True(t, errors.IsValidation(err))

	assert.Equal(t, "first text", a.Content())
	assert.True(t, s.Contains(a.ID()))
	assert.True(t, s.Contains(b.ID()))

	t.Run("both dedup keys still resolve to their own nodes", func(t *testing.T) {
		dupA, isNew, err := s.Insert("first text", "note", nil)
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.True(t, dupA.ID().Equals(a.ID()))

		dupB, isNew, err := s.Insert("second text", "note", nil)
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.True(t, dupB.ID().Equals(b.ID()))
	})

	t.Run("replacing with the node's own content is allowed", func(t *testing.T) {
		require.NoError(t, s.ReplaceContent(a.ID(), "First   Text"))
		dup, isNew, err := s.Insert("first text", "note", nil)
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.True(t, dup.ID().Equals(a.ID()))
	})
}

func TestRestore(t *testing.T) {
	s := New()
	n, _, err := s.Insert("content", "note", nil)
	require.NoError(t, err)

	t.Run("duplicate id is rejected", func(t *testing.T) {
		assert.Error(t, s.Restore(n))
	})
}

func TestForEachAndIDs(t *testing.T) {
	s := New()
	for _, text := range []string{"a", "b", "c"} {
		_, _, err := s.Insert(text, "note", nil)
		require.NoError(t, err)
	}

	count := 0
	s.ForEach(func(_ *node.Node) bool {
		count++
		return true
	})
	assert.Equal(t, 3, count)
	assert.Len(t, s.IDs(), 3)

	t.Run("iteration stops when fn returns false", func(t *testing.T) {
		seen := 0
		s.ForEach(func(_ *node.Node) bool {
			seen++
			return false
		})
		assert.Equal(t, 1, seen)
	})
}
