// Package node contains the Node entity, the unit of stored memory.
package node

import (
	"time"

	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
)

// Node is the main entity representing a stored memory item.
// This is a rich domain model with encapsulated business logic: all fields
// are private and every mutation goes through a method that preserves the
// entity's invariants.
type Node struct {
	id             shared.NodeID
	content        string
	contentHash    shared.ContentHash
	nodeType       shared.NodeType
	metadata       map[string]string
	embedding      shared.Vector
	position       shared.Position
	hasEmbedding   bool
	createdAt      time.Time
	lastAccessedAt time.Time
	accessCount    uint64
	importance     float64
	scored         bool
	version        int
}

// NewNode creates a new node with full validation. The embedding is optional
// and may be attached later; content is hashed eagerly so dedup never waits
// on embedding computation.
func NewNode(content string, nodeType shared.NodeType, metadata map[string]string) (*Node, error) {
	if content == "" {
		return nil, errors.NewValidation("content cannot be empty")
	}
	if nodeType == "" {
		nodeType = shared.DefaultNodeType
	}
	if err := nodeType.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	n := &Node{
		id:             shared.NewNodeID(),
		content:        content,
		contentHash:    shared.HashContent(content),
		nodeType:       nodeType,
		metadata:       copyMetadata(metadata),
		createdAt:      now,
		lastAccessedAt: now,
		accessCount:    1,
		version:        1,
	}
	return n, nil
}

// ReconstructNode rebuilds a node from snapshot data with preserved
// timestamps and counters. Used by the import path only.
func ReconstructNode(
	id shared.NodeID,
	content string,
	nodeType shared.NodeType,
	metadata map[string]string,
	embedding shared.Vector,
	createdAt, lastAccessedAt time.Time,
	accessCount uint64,
	importance float64,
) (*Node, error) {
	if id.IsEmpty() {
		return nil, errors.NewValidation("node ID cannot be empty")
	}
	if content == "" {
		return nil, errors.NewValidation("content cannot be empty")
	}
	if err := nodeType.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		id:             id,
		content:        content,
		contentHash:    shared.HashContent(content),
		nodeType:       nodeType,
		metadata:       copyMetadata(metadata),
		createdAt:      createdAt,
		lastAccessedAt: lastAccessedAt,
		accessCount:    accessCount,
		version:        1,
	}
	if !embedding.IsZero() {
		n.embedding = embedding.Clone()
		n.position = shared.ProjectPosition(n.embedding)
		n.hasEmbedding = true
	}
	n.SetImportance(importance)
	return n, nil
}

// ID returns the node's unique identifier.
func (n *Node) ID() shared.NodeID { return n.id }

// Content returns the stored payload.
func (n *Node) Content() string { return n.content }

// ContentHash returns the dedup digest of the normalized content.
func (n *Node) ContentHash() shared.ContentHash { return n.contentHash }

// Type returns the node's type tag.
func (n *Node) Type() shared.NodeType { return n.nodeType }

// Metadata returns a copy of the node's metadata map.
func (n *Node) Metadata() map[string]string { return copyMetadata(n.metadata) }

// Embedding returns the node's embedding, or a zero vector if none is
// attached. The returned slice is a copy.
func (n *Node) Embedding() shared.Vector { return n.embedding.Clone() }

// HasEmbedding reports whether an embedding has been attached.
func (n *Node) HasEmbedding() bool { return n.hasEmbedding }

// Position returns the spatial position derived from the embedding.
func (n *Node) Position() shared.Position { return n.position }

// CreatedAt returns the creation timestamp.
func (n *Node) CreatedAt() time.Time { return n.createdAt }

// LastAccessedAt returns the most recent access timestamp.
func (n *Node) LastAccessedAt() time.Time { return n.lastAccessedAt }

// AccessCount returns how many times the node has been read or deduped into.
func (n *Node) AccessCount() uint64 { return n.accessCount }

// Importance returns the node's current importance score in [0, 1].
func (n *Node) Importance() float64 { return n.importance }

// Scored reports whether a consolidation pass has recomputed the score since
// creation. Unscored nodes fall back to a recency-only seed.
func (n *Node) Scored() bool { return n.scored }

// Version returns the entity version, bumped on every mutation.
func (n *Node) Version() int { return n.version }

// Touch records an access: it updates the recency timestamp and increments
// the access counter. This is the sole feed for the recency and frequency
// signals used by consolidation scoring.
func (n *Node) Touch(now time.Time) {
	if now.After(n.lastAccessedAt) {
		n.lastAccessedAt = now
	}
	n.accessCount++
	n.version++
}

// AttachEmbedding sets the node's embedding and derives its position.
// Re-attaching replaces the previous embedding.
func (n *Node) AttachEmbedding(v shared.Vector) {
	n.embedding = v.Clone()
	n.position = shared.ProjectPosition(n.embedding)
	n.hasEmbedding = true
	n.version++
}

// SetImportance records a recomputed importance score, clamped to [0, 1].
func (n *Node) SetImportance(score float64) {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	n.importance = score
	n.scored = true
	n.version++
}

// AbsorbAccessStats folds another node's access history into this one during
// a merge: the survivor keeps the max access count and the most recent
// access time.
func (n *Node) AbsorbAccessStats(other *Node) {
	if other.accessCount > n.accessCount {
		n.accessCount = other.accessCount
	}
	if other.lastAccessedAt.After(n.lastAccessedAt) {
		n.lastAccessedAt = other.lastAccessedAt
	}
	n.version++
}

// ReplaceContent swaps the payload for a merged successor's content and
// recomputes the dedup hash.
func (n *Node) ReplaceContent(content string) error {
	if content == "" {
		return errors.NewValidation("content cannot be empty")
	}
	n.content = content
	n.contentHash = shared.HashContent(content)
	n.version++
	return nil
}

// Clone returns an independent copy safe to hand to callers outside the
// store's lock.
func (n *Node) Clone() *Node {
	out := *n
	out.metadata = copyMetadata(n.metadata)
	out.embedding = n.embedding.Clone()
	return &out
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
