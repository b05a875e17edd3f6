package models

import "time"

// ScoredChunk is a store hit. Distance is cosine distance for vector search; Score is
// the relevance for text search.
type ScoredChunk struct {
	Chunk    *Chunk
	Distance float64
	Score    float64
}

// Similarity converts the cosine distance back to cosine similarity.
func (s *ScoredChunk) Similarity() float64 {
	return 1 - s.Distance
}

// Result is one ranked hit as presented downstream.
type Result struct {
	ChunkID     string    `json:"chunk_id"`
	DocumentID  string    `json:"document_id,omitempty"`
	Content     string    `json:"content"`
	Source      string    `json:"source"`
	URL         string    `json:"url,omitempty"`
	Title       string    `json:"title,omitempty"`
	Date        string    `json:"date,omitempty"`
	Score       float64   `json:"score"`
	VectorScore float64   `json:"vector_score"`
	TextScore   float64   `json:"text_score"`
	Rank        int       `json:"rank"`
	CreatedAt   time.Time `json:"created_at"`
}

// Response is the answer to a Query. Results never exceed the requested k.
type Response struct {
	Query          string     `json:"query"`
	Mode           SearchMode `json:"mode"`
	Results        []*Result  `json:"results"`
	Total          int        `json:"total"`
	Cached         bool       `json:"cached"`
	CachedAt       *time.Time `json:"cached_at,omitempty"`
	Fallback       string     `json:"fallback,omitempty"`
	FallbackReason string     `json:"fallback_reason,omitempty"`
	QueryTime      int64      `json:"query_time_ms"`
}

// FallbackTextOnly marks a hybrid response that was served without the vector path.
const FallbackTextOnly = "text_only"
