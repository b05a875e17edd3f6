package vector

import "fmt"

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeHNSW is the approximate graph index.
	IndexTypeHNSW IndexType = "hnsw"
	// IndexTypeExact scans every vector. Good for small datasets and as a recall reference.
	IndexTypeExact IndexType = "exact"
	// IndexTypeMemory is an alias of IndexTypeExact.
	IndexTypeMemory IndexType = "memory"
)

// NewVectorIndex creates a vector index of the specified type.
// Supported types: "hnsw" (default), "exact" and its alias "memory".
func NewVectorIndex(indexType string, dimensions int, cfg HNSWConfig) (VectorIndex, error) {
	switch IndexType(indexType) {
	case IndexTypeHNSW, "":
		return NewHNSWIndex(dimensions, cfg)
	case IndexTypeExact, IndexTypeMemory:
		return NewMemoryIndex(dimensions)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: hnsw, exact)", indexType)
	}
}
