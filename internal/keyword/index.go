// Package keyword provides the full-text index over chunk content.
package keyword

import (
	"context"

	"github.com/hyperjump/shiori/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// TitleBoost multiplies the score contribution from matches in the title field.
	// Values > 1 make title matches rank higher (e.g. 2.0). Use 1.0 for no boost.
	TitleBoost float64
	// Filters restricts hits by source, document, url and date. MinSimilarity is ignored.
	Filters models.Filters
}

// KeywordIndex defines keyword search operations over chunks.
type KeywordIndex interface {
	// Index adds or replaces chunks in one batch.
	Index(ctx context.Context, chunks []*models.Chunk) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error)
	// Delete removes chunks by id in one batch. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error
	Close() error
	// DocCount returns the total number of chunks in the index.
	DocCount() (uint64, error)
	// Reset removes every chunk.
	Reset() error
}

// KeywordResult is a single keyword search hit; ID is the chunk ID.
type KeywordResult struct {
	ID    string
	Score float64
}
