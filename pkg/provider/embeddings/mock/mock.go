// Package mock provides a deterministic in-memory embeddings.Provider for tests.
package mock

import (
	"context"
	"hash/fnv"

	"github.com/chronocast/chronocast/pkg/provider/embeddings"
)

// Compile-time interface check.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock embeddings.Provider producing deterministic pseudo-random
// vectors derived from the input text. Identical inputs always yield identical
// vectors, so similarity assertions in tests are stable.
type Provider struct {
	// Dim is the vector dimension. Zero defaults to 1024.
	Dim int

	// EmbedFunc, when set, overrides the deterministic vector generation.
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.EmbedFunc != nil {
		return p.EmbedFunc(ctx, text)
	}
	return p.vector(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dim == 0 {
		return 1024
	}
	return p.Dim
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock-embed" }

// vector derives a unit-free pseudo-random vector from text via FNV hashing.
func (p *Provider) vector(text string) []float32 {
	dim := p.Dimensions()
	out := make([]float32, dim)
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	for i := range out {
		seed = seed*6364136223846793005 + 1442695040888963407
		out[i] = float32(int64(seed>>33)) / float32(1<<31)
	}
	return out
}
