// Package shared provides the value objects used across the memory store's
// domain model. Value objects are immutable and validate on construction so
// the rest of the codebase never handles malformed identifiers or vectors.
package shared

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"cortex-engine/internal/errors"
)

// whitespaceRegex collapses runs of whitespace during content normalization.
var whitespaceRegex = regexp.MustCompile(`\s+`)

// NodeID is a value object that ensures valid node identifiers.
type NodeID struct {
	value string
}

// NewNodeID creates a new random NodeID.
func NewNodeID() NodeID {
	return NodeID{value: uuid.New().String()}
}

// ParseNodeID creates a NodeID from a string, validating it's a proper UUID.
func ParseNodeID(id string) (NodeID, error) {
	if _, err := uuid.Parse(id); err != nil {
		return NodeID{}, errors.NewValidation("invalid node ID %q: must be a valid UUID", id)
	}
	return NodeID{value: id}, nil
}

// String returns the string representation of the NodeID.
func (id NodeID) String() string {
	return id.value
}

// Equals checks if two NodeIDs are equal.
func (id NodeID) Equals(other NodeID) bool {
	return id.value == other.value
}

// Less provides the deterministic ordering used for similarity tie-breaks.
func (id NodeID) Less(other NodeID) bool {
	return id.value < other.value
}

// IsEmpty checks if the NodeID is empty.
func (id NodeID) IsEmpty() bool {
	return id.value == ""
}

// EdgeID is a value object that ensures valid edge identifiers.
type EdgeID struct {
	value string
}

// NewEdgeID creates a new random EdgeID.
func NewEdgeID() EdgeID {
	return EdgeID{value: uuid.New().String()}
}

// ParseEdgeID creates an EdgeID from a string, validating it's a proper UUID.
func ParseEdgeID(id string) (EdgeID, error) {
	if _, err := uuid.Parse(id); err != nil {
		return EdgeID{}, errors.NewValidation("invalid edge ID %q: must be a valid UUID", id)
	}
	return EdgeID{value: id}, nil
}

// String returns the string representation of the EdgeID.
func (id EdgeID) String() string {
	return id.value
}

// Equals checks if two EdgeIDs are equal.
func (id EdgeID) Equals(other EdgeID) bool {
	return id.value == other.value
}

// Less provides the deterministic ordering used for path tie-breaks.
func (id EdgeID) Less(other EdgeID) bool {
	return id.value < other.value
}

// IsEmpty checks if the EdgeID is empty.
func (id EdgeID) IsEmpty() bool {
	return id.value == ""
}

// NodeType tags a node with its content category. The set is open: any
// non-empty string is a valid type, and dedup is scoped per type.
type NodeType string

// DefaultNodeType is used when callers don't specify a type.
const DefaultNodeType NodeType = "generic"

// Validate checks the node type is usable as a dedup boundary.
func (t NodeType) Validate() error {
	if strings.TrimSpace(string(t)) == "" {
		return errors.NewValidation("node type cannot be empty")
	}
	return nil
}

// ContentHash is the SHA-256 digest of normalized content, hex-encoded.
// Together with NodeType it forms the dedup key.
type ContentHash struct {
	value string
}

// HashContent normalizes content (lowercase, collapsed whitespace) and
// returns its digest. Normalization means trivially reformatted duplicates
// still collapse onto one node.
func HashContent(content string) ContentHash {
	normalized := whitespaceRegex.ReplaceAllString(strings.ToLower(strings.TrimSpace(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return ContentHash{value: hex.EncodeToString(sum[:])}
}

// String returns the hex representation of the hash.
func (h ContentHash) String() string {
	return h.value
}

// Equals checks if two content hashes are equal.
func (h ContentHash) Equals(other ContentHash) bool {
	return h.value == other.value
}

// IsEmpty checks if the hash is unset.
func (h ContentHash) IsEmpty() bool {
	return h.value == ""
}

// Vector is a fixed-dimension embedding. The zero value (nil) means "no
// embedding attached yet".
type Vector []float32

// NewVector validates the raw components against the store dimension.
func NewVector(components []float32, dimension int) (Vector, error) {
	if len(components) != dimension {
		return nil, errors.NewDimensionMismatch(dimension, len(components))
	}
	for _, c := range components {
		if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
			return nil, errors.NewValidation("vector components must be finite numbers")
		}
	}
	v := make(Vector, dimension)
	copy(v, components)
	return v, nil
}

// Dimension returns the number of components.
func (v Vector) Dimension() int {
	return len(v)
}

// IsZero reports whether no embedding is present.
func (v Vector) IsZero() bool {
	return len(v) == 0
}

// Clone returns an independent copy of the vector.
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Dot returns the dot product with another vector of the same dimension.
func (v Vector) Dot(other Vector) float64 {
	var sum float64
	for i := range v {
		sum += float64(v[i]) * float64(other[i])
	}
	return sum
}

// Norm returns the Euclidean norm.
func (v Vector) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Position is a value object representing a node's coordinates in 3D space,
// derived from its embedding for spatial display and locality heuristics.
type Position struct {
	x float64
	y float64
	z float64
}

// NewPosition creates a 3D position with validation.
func NewPosition(x, y, z float64) (Position, error) {
	if !isValidCoordinate(x) || !isValidCoordinate(y) || !isValidCoordinate(z) {
		return Position{}, errors.NewValidation("invalid coordinates: must be finite numbers")
	}
	return Position{x: x, y: y, z: z}, nil
}

// ProjectPosition derives a position from an embedding by projecting onto the
// first three components. Missing components default to zero.
func ProjectPosition(v Vector) Position {
	var p Position
	if len(v) > 0 {
		p.x = float64(v[0])
	}
	if len(v) > 1 {
		p.y = float64(v[1])
	}
	if len(v) > 2 {
		p.z = float64(v[2])
	}
	return p
}

// X returns the X coordinate.
func (p Position) X() float64 { return p.x }

// Y returns the Y coordinate.
func (p Position) Y() float64 { return p.y }

// Z returns the Z coordinate.
func (p Position) Z() float64 { return p.z }

// DistanceTo calculates the Euclidean distance to another position.
func (p Position) DistanceTo(other Position) float64 {
	dx := p.x - other.x
	dy := p.y - other.y
	dz := p.z - other.z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Equals checks if two positions are equal within a small epsilon.
func (p Position) Equals(other Position) bool {
	const epsilon = 1e-9
	return math.Abs(p.x-other.x) < epsilon &&
		math.Abs(p.y-other.y) < epsilon &&
		math.Abs(p.z-other.z) < epsilon
}

func isValidCoordinate(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
