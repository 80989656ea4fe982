package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"cortex-engine/internal/domain/shared"
)

// MockProvider is a deterministic, offline embedding provider: the vector is
// derived from a SHA-256 stream over the content, normalized to unit length.
// Identical content always embeds identically, which is what dedup and
// cache-coherence tests need.
type MockProvider struct {
	dimension int
}

// NewMockProvider creates a mock provider with the given output dimension.
func NewMockProvider(dimension int) *MockProvider {
	if dimension <= 0 {
		dimension = 8
	}
	return &MockProvider{dimension: dimension}
}

// Embed derives a unit vector from the content hash.
func (p *MockProvider) Embed(_ context.Context, content string) (shared.Vector, error) {
	v := make(shared.Vector, p.dimension)
	seed := sha256.Sum256([]byte(content))
	block := seed[:]
	var norm float64
	for i := 0; i < p.dimension; i++ {
		if i*4+4 > len(block) {
			next := sha256.Sum256(block)
			block = append(block, next[:]...)
		}
		bits := binary.BigEndian.Uint32(block[i*4 : i*4+4])
		// Map to [-1, 1).
		component := float64(bits)/float64(math.MaxUint32)*2 - 1
		v[i] = float32(component)
		norm += component * component
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v, nil
}

// Dimension returns the configured output dimension.
func (p *MockProvider) Dimension() int {
	return p.dimension
}
