package index

import (
	"context"
	"sort"
	"sync"
)

// Naive is a brute-force in-memory cosine index. It is the default when no
// chromem collection is configured and the implementation used in tests.
type Naive struct {
	mu   sync.RWMutex
	vecs map[string][]float64
}

// NewNaive creates an empty brute-force index.
func NewNaive() *Naive {
	return &Naive{vecs: make(map[string][]float64)}
}

// Add stores or replaces a vector.
func (n *Naive) Add(_ context.Context, entryID string, vec []float64) error {
	cp := make([]float64, len(vec))
	copy(cp, vec)
	n.mu.Lock()
	n.vecs[entryID] = cp
	n.mu.Unlock()
	return nil
}

// Remove drops a vector. Removing an unknown ID is a no-op.
func (n *Naive) Remove(_ context.Context, entryID string) error {
	n.mu.Lock()
	delete(n.vecs, entryID)
	n.mu.Unlock()
	return nil
}

// Nearest scans every stored vector and returns the k most similar.
func (n *Naive) Nearest(_ context.Context, vec []float64, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}

	n.mu.RLock()
	neighbors := make([]Neighbor, 0, len(n.vecs))
	for id, v := range n.vecs {
		neighbors = append(neighbors, Neighbor{EntryID: id, Similarity: CosineSimilarity(vec, v)})
	}
	n.mu.RUnlock()

	sort.Slice(neighbors, func(i, j int) bool {
		return neighbors[i].Similarity > neighbors[j].Similarity
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// Len returns the number of indexed vectors.
func (n *Naive) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.vecs)
}
