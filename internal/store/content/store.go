// Package content implements the authoritative node store and the dedup
// boundary. Dedup is scoped per (content hash, node type): the same text
// stored as a "doc" and as a "note" produces two distinct nodes.
//
// The store is not internally synchronized. The engine package owns the lock
// discipline for the content, graph and vector structures so that a mutation
// spanning all three appears atomic to readers.
package content

import (
	"time"

	"cortex-engine/internal/domain/node"
	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
)

type dedupKey struct {
	hash     string
	nodeType shared.NodeType
}

// Store is an append-only map from NodeID to node, indexed by dedup key.
type Store struct {
	nodes  map[string]*node.Node
	byHash map[dedupKey]shared.NodeID
}

// New creates an empty content store.
func New() *Store {
	return &Store{
		nodes:  make(map[string]*node.Node),
		byHash: make(map[dedupKey]shared.NodeID),
	}
}

// Insert stores new content or returns the existing node when a live node
// with the same normalized hash and type already exists. A dedup hit counts
// as an access: it bumps the existing node's recency and frequency stats.
// Insert never blocks on embedding computation; embeddings are attached
// later through the engine.
func (s *Store) Insert(content string, nodeType shared.NodeType, metadata map[string]string) (*node.Node, bool, error) {
	n, err := node.NewNode(content, nodeType, metadata)
	if err != nil {
		return nil, false, err
	}

	key := dedupKey{hash: n.ContentHash().String(), nodeType: n.Type()}
	if existingID, ok := s.byHash[key]; ok {
		existing := s.nodes[existingID.String()]
		if existing == nil {
			return nil, false, errors.NewIndexCorruption("dedup index references missing node %s", existingID)
		}
		existing.Touch(time.Now())
		return existing, false, nil
	}

	s.nodes[n.ID().String()] = n
	s.byHash[key] = n.ID()
	return n, true, nil
}

// Restore places a reconstructed node into the store. Import path only;
// fails if the node's dedup key or id is already taken.
func (s *Store) Restore(n *node.Node) error {
	if _, ok := s.nodes[n.ID().String()]; ok {
		return errors.NewValidation("node %s already exists", n.ID())
	}
	key := dedupKey{hash: n.ContentHash().String(), nodeType: n.Type()}
	if _, ok := s.byHash[key]; ok {
		return errors.NewValidation("duplicate content for node %s (type %s)", n.ID(), n.Type())
	}
	s.nodes[n.ID().String()] = n
	s.byHash[key] = n.ID()
	return nil
}

// Get returns the node and records the access. This is the sole feed for the
// recency/frequency signals used by consolidation, so read paths that must
// not distort scoring (consolidation itself, stats endpoints) use Peek.
func (s *Store) Get(id shared.NodeID) (*node.Node, error) {
	n, ok := s.nodes[id.String()]
	if !ok {
		return nil, errors.NewNotFound("node %s not found", id)
	}
	n.Touch(time.Now())
	return n, nil
}

// Peek returns the node without touching its access stats.
func (s *Store) Peek(id shared.NodeID) (*node.Node, error) {
	n, ok := s.nodes[id.String()]
	if !ok {
		return nil, errors.NewNotFound("node %s not found", id)
	}
	return n, nil
}

// Contains reports whether the id refers to a live node.
func (s *Store) Contains(id shared.NodeID) bool {
	_, ok := s.nodes[id.String()]
	return ok
}

// Delete removes a node. Cascading to the graph and vector indexes is the
// engine's responsibility and happens before this call per the mutation
// ordering rules.
func (s *Store) Delete(id shared.NodeID) error {
	n, ok := s.nodes[id.String()]
	if !ok {
		return errors.NewNotFound("node %s not found", id)
	}
	delete(s.byHash, dedupKey{hash: n.ContentHash().String(), nodeType: n.Type()})
	delete(s.nodes, id.String())
	return nil
}

// ReplaceContent swaps a node's payload and keeps the dedup index in sync
// with the new hash. Used when a merge rewrites the survivor's content.
// Fails with Validation when another live node already holds the new content's
// dedup key; overwriting that entry would leave two live same-type nodes
// behind one key.
func (s *Store) ReplaceContent(id shared.NodeID, content string) error {
	n, ok := s.nodes[id.String()]
	if !ok {
		return errors.NewNotFound("node %s not found", id)
	}
	oldKey := dedupKey{hash: n.ContentHash().String(), nodeType: n.Type()}
	newKey := dedupKey{hash: shared.HashContent(content).String(), nodeType: n.Type()}
	if holder, taken := s.byHash[newKey]; taken && !holder.Equals(id) {
		return errors.NewValidation("replacement content for node %s collides with live node %s", id, holder)
	}
	if err := n.ReplaceContent(content); err != nil {
		return err
	}
	delete(s.byHash, oldKey)
	s.byHash[newKey] = n.ID()
	return nil
}

// Len returns the live node count.
func (s *Store) Len() int {
	return len(s.nodes)
}

// ForEach invokes fn for every live node until fn returns false. Iteration
// order is unspecified.
func (s *Store) ForEach(fn func(*node.Node) bool) {
	for _, n := range s.nodes {
		if !fn(n) {
			return
		}
	}
}

// IDs returns the identifiers of all live nodes.
func (s *Store) IDs() []shared.NodeID {
	out := make([]shared.NodeID, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.ID())
	}
	return out
}
