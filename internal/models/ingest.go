package models

import "time"

// ChunkFailure records why a chunk was not written.
type ChunkFailure struct {
	ChunkID    string `json:"chunk_id"`
	ChunkIndex int    `json:"chunk_index"`
	Position   int    `json:"position"`
	Stage      string `json:"stage"`
	Reason     string `json:"reason"`
	Message    string `json:"message"`
}

// IngestTimings holds per-stage wall time for one ingestion.
type IngestTimings struct {
	Chunking  time.Duration `json:"chunking_ns"`
	Embedding time.Duration `json:"embedding_ns"`
	Storage   time.Duration `json:"storage_ns"`
	Total     time.Duration `json:"total_ns"`
}

// IngestResult summarizes one document: success is a count, not a boolean. Skipped
// marks a file whose indexed copy is already current.
type IngestResult struct {
	DocumentID    string         `json:"document_id,omitempty"`
	Source        string         `json:"source,omitempty"`
	ChunksTotal   int            `json:"chunks_total"`
	ChunksWritten int            `json:"chunks_written"`
	Failures      []ChunkFailure `json:"failures,omitempty"`
	Error         string         `json:"error,omitempty"`
	Skipped       bool           `json:"skipped,omitempty"`
	Timings       IngestTimings  `json:"timings"`
}

// Failed returns the number of chunks that were not written.
func (r *IngestResult) Failed() int {
	return len(r.Failures)
}

// Complete reports whether every chunk was written.
func (r *IngestResult) Complete() bool {
	return r.Error == "" && len(r.Failures) == 0 && r.ChunksWritten == r.ChunksTotal
}

// AddFailure records a chunk that will not be written.
func (r *IngestResult) AddFailure(c *Chunk, stage string, err error) {
	r.Failures = append(r.Failures, ChunkFailure{
		ChunkID:    c.ID,
		ChunkIndex: c.ChunkIndex,
		Position:   c.Position,
		Stage:      stage,
		Reason:     Reason(err),
		Message:    err.Error(),
	})
}

// Stats describes store and pipeline state for status reports.
type Stats struct {
	Documents          int   `json:"documents"`
	Chunks             int   `json:"chunks"`
	UnregisteredChunks int   `json:"unregistered_chunks"`
	VectorIndexSize    int   `json:"vector_index_size"`
	TextIndexSize      int   `json:"text_index_size"`
	CacheEntries       int   `json:"cache_entries"`
	HistoryRecords     int   `json:"history_records"`
	DiskUsageBytes     int64 `json:"disk_usage_bytes"`
	EmbeddingAPICalls  int64 `json:"embedding_api_calls,omitempty"`
}
