// Package storage persists documents, chunks, query history and the response cache.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hyperjump/shiori/internal/models"
)

// ErrCommitFailed marks an upsert whose transaction failed at commit, after the
// before-commit hook already ran.
var ErrCommitFailed = errors.New("commit failed")

// Counts are row counts per table.
type Counts struct {
	Documents          int64
	Chunks             int64
	UnregisteredChunks int64
	CacheEntries       int64
	HistoryRecords     int64
}

// Storage defines the persisted tables.
type Storage interface {
	// Document operations
	UpsertDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)

	// Chunk operations. UpsertChunks writes all chunks in one transaction and runs
	// beforeCommit inside it; a hook error rolls the batch back.
	UpsertChunks(ctx context.Context, chunks []*models.Chunk, beforeCommit func() error) error
	GetChunk(ctx context.Context, id string) (*models.Chunk, error)
	GetChunks(ctx context.Context, ids []string) (map[string]*models.Chunk, error)
	GetChunksByDocumentID(ctx context.Context, docID string) ([]*models.Chunk, error)
	FilterChunkIDs(ctx context.Context, f models.Filters) (map[string]struct{}, error)
	EachChunk(ctx context.Context, fn func(*models.Chunk) error) error

	// Response cache
	GetCacheEntry(ctx context.Context, hash string) (*models.CacheEntry, error)
	PutCacheEntry(ctx context.Context, e *models.CacheEntry) error
	DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error)

	// Query history, append-only
	AppendHistory(ctx context.Context, rec *models.HistoryRecord) error
	ListHistory(ctx context.Context, offset, limit int) ([]*models.HistoryRecord, error)

	// Stats
	Counts(ctx context.Context) (*Counts, error)

	Close() error
}
