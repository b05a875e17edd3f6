// Package embedding turns text into vectors through a remote embedding service, with
// retry, rate limiting, bounded fan-out and a content-addressed cache in front of it.
package embedding

import "context"

// Embedder is the transport to an embedding service. Implementations classify failures
// as models.ErrTransientExternal or models.ErrPermanentExternal.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}
