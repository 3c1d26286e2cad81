package index

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Chromem wraps chromem-go, a pure Go embedded vector database, as the
// approximate nearest-neighbor backend.
type Chromem struct {
	col *chromem.Collection
	mu  sync.Mutex
	n   int // chromem caps nResults at the document count
}

// NewChromem creates a chromem-backed index with a single collection.
func NewChromem(name string) (*Chromem, error) {
	db := chromem.NewDB()
	// No embedding func and default cosine distance: vectors arrive precomputed.
	col, err := db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Chromem{col: col}, nil
}

// Add stores or replaces a vector.
func (c *Chromem) Add(ctx context.Context, entryID string, vec []float64) error {
	doc := chromem.Document{
		ID:        entryID,
		Content:   entryID, // chromem requires non-empty content; ID is enough
		Embedding: toFloat32(vec),
	}
	if err := c.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return nil
}

// Remove drops a document by ID.
func (c *Chromem) Remove(ctx context.Context, entryID string) error {
	if err := c.col.Delete(ctx, nil, nil, entryID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	c.mu.Lock()
	if c.n > 0 {
		c.n--
	}
	c.mu.Unlock()
	return nil
}

// Nearest returns up to k most similar entries. k is clamped to the
// collection size since chromem rejects nResults above it.
func (c *Chromem) Nearest(ctx context.Context, vec []float64, k int) ([]Neighbor, error) {
	c.mu.Lock()
	if k > c.n {
		k = c.n
	}
	c.mu.Unlock()
	if k <= 0 {
		return nil, nil
	}

	results, err := c.col.QueryEmbedding(ctx, toFloat32(vec), k, nil, nil)
	if err != nil {
		if strings.Contains(err.Error(), "nResults") {
			return nil, nil
		}
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	neighbors := make([]Neighbor, 0, len(results))
	for _, r := range results {
		neighbors = append(neighbors, Neighbor{EntryID: r.ID, Similarity: float64(r.Similarity)})
	}
	return neighbors, nil
}

func toFloat32(vec []float64) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}
