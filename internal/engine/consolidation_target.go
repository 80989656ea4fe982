package engine

import (
	"cortex-engine/internal/consolidation"
	"cortex-engine/internal/domain/node"
	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
)

// consolidationTarget adapts the store to the consolidation engine's
// mutation surface. Every method is its own short critical section, so a
// running pass interleaves with ordinary reads and writes instead of
// stalling them for the pass duration.
type consolidationTarget Store

func (t *consolidationTarget) store() *Store { return (*Store)(t) }

// ScoringSnapshot copies the scoring inputs for every live node under one
// read lock. Peeking, not getting: scoring must not distort access stats.
func (t *consolidationTarget) ScoringSnapshot() []consolidation.NodeView {
	s := t.store()
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]consolidation.NodeView, 0, s.content.Len())
	s.content.ForEach(func(n *node.Node) bool {
		views = append(views, consolidation.NodeView{
			ID:             n.ID(),
			Type:           n.Type(),
			Embedding:      n.Embedding(),
			LastAccessedAt: n.LastAccessedAt(),
			AccessCount:    n.AccessCount(),
			Degree:         s.graph.Degree(n.ID()),
		})
		return true
	})
	return views
}

// ApplyScore records a recomputed importance. A node deleted since the
// snapshot is skipped silently.
func (t *consolidationTarget) ApplyScore(id shared.NodeID, score float64) {
	s := t.store()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mutableLocked() != nil {
		return
	}
	if n, err := s.content.Peek(id); err == nil {
		n.SetImportance(score)
	}
}

// MergeNodes folds consumed into survivor: merged content via the policy,
// union of edges redirected onto the survivor, max access count, most recent
// access time, and the mean of the two embeddings. Returns false when either
// node disappeared since the snapshot.
func (t *consolidationTarget) MergeNodes(survivorID, consumedID shared.NodeID, policy consolidation.MergePolicy) (bool, error) {
	s := t.store()
	s.mu.Lock()

	if err := s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	survivor, err := s.content.Peek(survivorID)
	if err != nil {
		s.mu.Unlock()
		return false, nil
	}
	consumed, err := s.content.Peek(consumedID)
	if err != nil {
		s.mu.Unlock()
		return false, nil
	}

	merged := policy(survivor.Content(), consumed.Content())
	if err := s.content.ReplaceContent(survivorID, merged); err != nil {
		s.mu.Unlock()
		if errors.IsValidation(err) {
			// The merged content lands on another live node's dedup key.
			// Keep the pair distinct rather than break per-type uniqueness.
			return false, nil
		}
		return false, errors.Wrap(err, "merge content replacement failed")
	}
	survivor.AbsorbAccessStats(consumed)

	if survivor.HasEmbedding() && consumed.HasEmbedding() {
		mean := meanVector(survivor.Embedding(), consumed.Embedding())
		if err := s.vectors.Upsert(survivorID, mean); err != nil {
			s.mu.Unlock()
			return false, errors.Wrap(err, "merge embedding update failed")
		}
		survivor.AttachEmbedding(mean)
	}

	// Remove the consumed node index-first, then from the content store.
	s.vectors.Remove(consumedID)
	if _, err := s.graph.RedirectEdges(consumedID, survivorID); err != nil {
		s.noteCorruption(err)
		s.mu.Unlock()
		return false, err
	}
	if err := s.content.Delete(consumedID); err != nil {
		s.noteCorruption(err)
		s.mu.Unlock()
		return false, err
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.NodesMerged.Inc()
	}
	s.queryCache.InvalidateTag(survivorID.String())
	s.queryCache.InvalidateTag(consumedID.String())
	s.queryCache.InvalidateTag(tagEmbeddings)
	s.queryCache.InvalidateTag(tagGraph)
	return true, nil
}

// PruneNode removes a low-importance node with full cascade. Returns false
// when the node disappeared since the snapshot.
func (t *consolidationTarget) PruneNode(id shared.NodeID) (bool, error) {
	s := t.store()
	s.mu.Lock()

	if err := s.mutableLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if !s.content.Contains(id) {
		s.mu.Unlock()
		return false, nil
	}
	s.vectors.Remove(id)
	removed := s.graph.RemoveNode(id)
	if err := s.content.Delete(id); err != nil {
		s.noteCorruption(err)
		s.mu.Unlock()
		return false, err
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.NodesPruned.Inc()
		s.metrics.EdgesDeleted.Add(float64(len(removed)))
	}
	s.invalidateAfterNodeRemoval(id, removedEdgeIDs(removed))
	return true, nil
}

// LiveCount returns the current live-node count.
func (t *consolidationTarget) LiveCount() int {
	return t.store().NodeCount()
}

func meanVector(a, b shared.Vector) shared.Vector {
	out := make(shared.Vector, len(a))
	for i := range a {
		out[i] = (a[i] + b[i]) / 2
	}
	return out
}
