package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is a memoized response. It is valid while now is before ExpiresAt.
type CacheEntry struct {
	QueryHash string          `json:"query_hash"`
	QueryText string          `json:"query_text"`
	Response  json.RawMessage `json:"response"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Valid reports whether the entry may be served at now.
func (e *CacheEntry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// HistoryResult references one returned chunk in a history record.
type HistoryResult struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

// HistoryRecord is an append-only audit row.
type HistoryRecord struct {
	ID        string          `json:"id"`
	QueryText string          `json:"query_text"`
	Results   []HistoryResult `json:"results"`
	Feedback  string          `json:"feedback,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// HistoryResults extracts chunk references from a response.
func HistoryResults(results []*Result) []HistoryResult {
	out := make([]HistoryResult, 0, len(results))
	for _, r := range results {
		out = append(out, HistoryResult{ChunkID: r.ChunkID, Score: r.Score})
	}
	return out
}
