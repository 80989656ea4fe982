// Package edge contains the Edge entity connecting two nodes.
package edge

import (
	"time"

	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
)

// DefaultWeight is applied when callers pass a non-positive weight.
const DefaultWeight = 1.0

// Edge represents a weighted relationship between two nodes. Edges hold node
// identifiers only, never node data: the graph index can cascade-delete them
// without touching node ownership.
type Edge struct {
	id               shared.EdgeID
	sourceID         shared.NodeID
	targetID         shared.NodeID
	weight           float64
	relationshipType string
	directed         bool
	createdAt        time.Time
}

// NewEdge creates a validated edge between two node identifiers. Endpoint
// liveness is the graph index's responsibility; this constructor only
// enforces local invariants.
func NewEdge(source, target shared.NodeID, weight float64, relationshipType string, directed bool) (*Edge, error) {
	if source.IsEmpty() || target.IsEmpty() {
		return nil, errors.NewValidation("edge endpoints cannot be empty")
	}
	if source.Equals(target) {
		return nil, errors.NewValidation("cannot connect a node to itself")
	}
	if weight <= 0 {
		weight = DefaultWeight
	}
	return &Edge{
		id:               shared.NewEdgeID(),
		sourceID:         source,
		targetID:         target,
		weight:           weight,
		relationshipType: relationshipType,
		directed:         directed,
		createdAt:        time.Now(),
	}, nil
}

// ReconstructEdge rebuilds an edge from snapshot data. Import path only.
func ReconstructEdge(
	id shared.EdgeID,
	source, target shared.NodeID,
	weight float64,
	relationshipType string,
	directed bool,
	createdAt time.Time,
) (*Edge, error) {
	if id.IsEmpty() {
		return nil, errors.NewValidation("edge ID cannot be empty")
	}
	if source.IsEmpty() || target.IsEmpty() {
		return nil, errors.NewValidation("edge endpoints cannot be empty")
	}
	if weight <= 0 {
		weight = DefaultWeight
	}
	return &Edge{
		id:               id,
		sourceID:         source,
		targetID:         target,
		weight:           weight,
		relationshipType: relationshipType,
		directed:         directed,
		createdAt:        createdAt,
	}, nil
}

// ID returns the edge's unique identifier.
func (e *Edge) ID() shared.EdgeID { return e.id }

// SourceID returns the source endpoint.
func (e *Edge) SourceID() shared.NodeID { return e.sourceID }

// TargetID returns the target endpoint.
func (e *Edge) TargetID() shared.NodeID { return e.targetID }

// Weight returns the edge weight used as traversal cost.
func (e *Edge) Weight() float64 { return e.weight }

// RelationshipType returns the edge's relationship tag.
func (e *Edge) RelationshipType() string { return e.relationshipType }

// Directed reports whether the edge is one-way.
func (e *Edge) Directed() bool { return e.directed }

// CreatedAt returns the creation timestamp.
func (e *Edge) CreatedAt() time.Time { return e.createdAt }

// Touches reports whether the edge is incident to the given node.
func (e *Edge) Touches(id shared.NodeID) bool {
	return e.sourceID.Equals(id) || e.targetID.Equals(id)
}

// OtherEnd returns the opposite endpoint, ignoring direction.
func (e *Edge) OtherEnd(id shared.NodeID) (shared.NodeID, bool) {
	switch {
	case e.sourceID.Equals(id):
		return e.targetID, true
	case e.targetID.Equals(id):
		return e.sourceID, true
	default:
		return shared.NodeID{}, false
	}
}

// RedirectEndpoint rewires one endpoint of the edge to a new node. Used when
// a merge transfers a consumed node's edges onto the survivor.
func (e *Edge) RedirectEndpoint(from, to shared.NodeID) error {
	if to.IsEmpty() {
		return errors.NewValidation("cannot redirect edge to an empty node ID")
	}
	switch {
	case e.sourceID.Equals(from):
		e.sourceID = to
	case e.targetID.Equals(from):
		e.targetID = to
	default:
		return errors.NewValidation("edge %s is not incident to node %s", e.id, from)
	}
	if e.sourceID.Equals(e.targetID) {
		return errors.NewValidation("redirect would create a self-loop on node %s", to)
	}
	return nil
}
