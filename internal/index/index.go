// Package index provides the pluggable nearest-neighbor lookup used by the
// intake buffer. Vectors are supplied by callers; nothing here computes
// embeddings.
package index

import (
	"context"
	"math"
)

// Neighbor is one nearest-neighbor result.
type Neighbor struct {
	EntryID    string
	Similarity float64 // cosine, 1.0 = identical
}

// Index is the similarity index contract. Implementations must be safe for
// concurrent use.
type Index interface {
	Add(ctx context.Context, entryID string, vec []float64) error
	Remove(ctx context.Context, entryID string) error
	Nearest(ctx context.Context, vec []float64, k int) ([]Neighbor, error)
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
