// Package pending – embedding.go defines the embedding contract used for
// duplicate-request detection plus the vector helpers shared with the
// repository layer (binary serialization, cosine similarity).
package pending

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// Embedder generates vector embeddings from text. The completion provider
// package supplies the production implementation; tests use a deterministic
// local one.
type Embedder interface {
	// Embed returns the float32 vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the output vector dimensionality.
	Dimensions() int

	// Name identifies the provider (for logging and cache keys).
	Name() string
}

// EncodeVector serializes an embedding to little-endian float32 bytes.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector deserializes a vector produced by EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched or empty vectors score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
