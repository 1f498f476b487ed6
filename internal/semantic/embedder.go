// Package semantic discovers typed relationships between capsules in two
// phases: embedding KNN proposes candidates, an LLM classifies each pair,
// and edges above the confidence threshold are written back to the graph.
package semantic

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Embedder turns capsule text into a fixed-dimension vector. The engine
// does not prescribe a provider; this port has a deterministic local
// implementation good enough for similarity candidate selection.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// HashEmbedder is a deterministic local embedder: each token is hashed
// into the vector (feature hashing) and the result is L2-normalized, so
// cosine similarity reflects token overlap. An LRU keeps hot texts from
// being re-embedded.
type HashEmbedder struct {
	dim   int
	cache *lru.Cache[string, []float32]
}

// NewHashEmbedder builds an embedder of the given dimensionality.
func NewHashEmbedder(dim, cacheSize int) (*HashEmbedder, error) {
	if dim < 8 {
		dim = 256
	}
	if cacheSize < 1 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, err
	}
	return &HashEmbedder{dim: dim, cache: cache}, nil
}

func (h *HashEmbedder) Dimension() int { return h.dim }

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if v, ok := h.cache.Get(key); ok {
		return append([]float32(nil), v...), nil
	}

	vec := make([]float32, h.dim)
	for _, tok := range tokenize(text) {
		sum := sha256.Sum256([]byte(tok))
		idx := int(binary.BigEndian.Uint32(sum[:4])) % h.dim
		// Second hash word decides the sign, the usual feature-hashing
		// trick to keep collisions from always adding up.
		if binary.BigEndian.Uint32(sum[4:8])&1 == 0 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}

	h.cache.Add(key, append([]float32(nil), vec...))
	return vec, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return string(sum[:])
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}
