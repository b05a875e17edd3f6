// Package vector provides approximate and exact nearest-neighbour indexes over
// embeddings under cosine distance.
package vector

import "context"

// Filter reports whether an id may appear in results. A nil Filter accepts everything.
type Filter func(id string) bool

// VectorIndex defines vector storage and similarity search. Adding an id that is
// already present replaces its vector.
type VectorIndex interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int, filter Filter) ([]*VectorResult, error)
	Remove(ctx context.Context, ids []string) error
	Contains(id string) bool
	IDs() []string
	Save(path string) error
	Load(path string) error
	Size() int
	Close() error
}

// VectorResult is a single vector search hit; ID is the chunk ID.
type VectorResult struct {
	ID       string
	Distance float64 // cosine distance, 1 - cosine similarity
	Score    float64 // cosine similarity
}

func newResult(id string, dist float64) *VectorResult {
	return &VectorResult{ID: id, Distance: dist, Score: 1 - dist}
}
