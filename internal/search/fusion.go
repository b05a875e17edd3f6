package search

import (
	"sort"

	"github.com/hyperjump/shiori/internal/models"
)

// candidate is one chunk seen by either retrieval path.
type candidate struct {
	chunk       *models.Chunk
	vectorScore float64
	textScore   float64
	score       float64
}

// NormalizeVectorScores maps chunk id to cosine similarity divided by the best
// similarity in the set. Negative similarities count as 0.
func NormalizeVectorScores(hits []*models.ScoredChunk) map[string]float64 {
	normalized := make(map[string]float64, len(hits))
	maxScore := 0.0
	for _, h := range hits {
		maxScore = max(maxScore, h.Similarity())
	}
	for _, h := range hits {
		if maxScore > 0 {
			normalized[h.Chunk.ID] = max(h.Similarity(), 0) / maxScore
		} else {
			normalized[h.Chunk.ID] = 0
		}
	}
	return normalized
}

// NormalizeTextScores maps chunk id to text relevance divided by the best relevance.
func NormalizeTextScores(hits []*models.ScoredChunk) map[string]float64 {
	normalized := make(map[string]float64, len(hits))
	maxScore := 0.0
	for _, h := range hits {
		maxScore = max(maxScore, h.Score)
	}
	for _, h := range hits {
		if maxScore > 0 {
			normalized[h.Chunk.ID] = h.Score / maxScore
		} else {
			normalized[h.Chunk.ID] = 0
		}
	}
	return normalized
}

// Fuse merges vector and text hits into at most k ranked results with
// score = weight*vector + (1-weight)*text over the normalized signals. A chunk found
// by one side only scores 0 on the other. Ties go to the newer chunk, then the lower id.
func Fuse(vectorHits, textHits []*models.ScoredChunk, weight float64, k int) []*models.Result {
	vectorScores := NormalizeVectorScores(vectorHits)
	textScores := NormalizeTextScores(textHits)

	byID := make(map[string]*candidate, len(vectorHits)+len(textHits))
	for _, h := range vectorHits {
		byID[h.Chunk.ID] = &candidate{chunk: h.Chunk, vectorScore: vectorScores[h.Chunk.ID]}
	}
	for _, h := range textHits {
		if c, ok := byID[h.Chunk.ID]; ok {
			c.textScore = textScores[h.Chunk.ID]
			continue
		}
		byID[h.Chunk.ID] = &candidate{chunk: h.Chunk, textScore: textScores[h.Chunk.ID]}
	}

	candidates := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		c.score = weight*c.vectorScore + (1-weight)*c.textScore
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.chunk.CreatedAt.Equal(b.chunk.CreatedAt) {
			return a.chunk.CreatedAt.After(b.chunk.CreatedAt)
		}
		return a.chunk.ID < b.chunk.ID
	})
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]*models.Result, len(candidates))
	for i, c := range candidates {
		results[i] = newResult(c, i+1)
	}
	return results
}

// Ranked converts hits from a single path, already in rank order, into results.
// Vector hits score by similarity, text hits by normalized relevance.
func Ranked(hits []*models.ScoredChunk, mode models.SearchMode, k int) []*models.Result {
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	var textScores map[string]float64
	if mode == models.ModeText {
		textScores = NormalizeTextScores(hits)
	}
	results := make([]*models.Result, len(hits))
	for i, h := range hits {
		c := &candidate{chunk: h.Chunk}
		if mode == models.ModeText {
			c.textScore = textScores[h.Chunk.ID]
			c.score = c.textScore
		} else {
			c.vectorScore = h.Similarity()
			c.score = c.vectorScore
		}
		results[i] = newResult(c, i+1)
	}
	return results
}

func newResult(c *candidate, rank int) *models.Result {
	return &models.Result{
		ChunkID:     c.chunk.ID,
		DocumentID:  c.chunk.DocumentID,
		Content:     c.chunk.Content,
		Source:      c.chunk.Source,
		URL:         c.chunk.URL,
		Title:       c.chunk.Title,
		Date:        c.chunk.Date,
		Score:       c.score,
		VectorScore: c.vectorScore,
		TextScore:   c.textScore,
		Rank:        rank,
		CreatedAt:   c.chunk.CreatedAt,
	}
}
