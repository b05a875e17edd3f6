package search

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/shiori/internal/models"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func hit(id string, distance, score float64, created time.Time) *models.ScoredChunk {
	return &models.ScoredChunk{
		Chunk:    &models.Chunk{ID: id, Content: id, Source: "news", CreatedAt: created},
		Distance: distance,
		Score:    score,
	}
}

func resultIDs(rs []*models.Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ChunkID
	}
	return out
}

func TestNormalizeTextScores(t *testing.T) {
	m := NormalizeTextScores([]*models.ScoredChunk{
		hit("a", 0, 2, t0),
		hit("b", 0, 4, t0),
		hit("c", 0, 1, t0),
	})
	assert.Equal(t, map[string]float64{"a": 0.5, "b": 1, "c": 0.25}, m)
	assert.Empty(t, NormalizeTextScores(nil))
}

func TestNormalizeVectorScores(t *testing.T) {
	m := NormalizeVectorScores([]*models.ScoredChunk{
		hit("a", 0.2, 0, t0), // similarity 0.8
		hit("b", 0.6, 0, t0), // similarity 0.4
		hit("c", 1.5, 0, t0), // similarity -0.5
	})
	assert.InDelta(t, 1.0, m["a"], 1e-9)
	assert.InDelta(t, 0.5, m["b"], 1e-9)
	assert.Zero(t, m["c"])
}

func TestFuse_WeightsBothSignals(t *testing.T) {
	vectorHits := []*models.ScoredChunk{hit("v", 0.0, 0, t0), hit("both", 0.5, 0, t0)}
	textHits := []*models.ScoredChunk{hit("both", 0, 10, t0), hit("t", 0, 5, t0)}

	got := Fuse(vectorHits, textHits, 0.5, 10)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"both", "v", "t"}, resultIDs(got))
	assert.InDelta(t, 0.75, got[0].Score, 1e-9)
	assert.InDelta(t, 0.5, got[0].VectorScore, 1e-9)
	assert.InDelta(t, 1.0, got[0].TextScore, 1e-9)
	for i, r := range got {
		assert.Equal(t, i+1, r.Rank)
	}

	vectorOnly := Fuse(vectorHits, textHits, 1, 10)
	assert.Equal(t, "v", vectorOnly[0].ChunkID)
	textOnly := Fuse(vectorHits, textHits, 0, 10)
	assert.Equal(t, "both", textOnly[0].ChunkID)
}

func TestFuse_TiesAndCap(t *testing.T) {
	older := t0.Add(-time.Hour)
	textHits := []*models.ScoredChunk{
		hit("b-old", 0, 3, older),
		hit("a-old", 0, 3, older),
		hit("new", 0, 3, t0),
	}
	got := Fuse(nil, textHits, 0.3, 10)
	assert.Equal(t, []string{"new", "a-old", "b-old"}, resultIDs(got))

	capped := Fuse(nil, textHits, 0.3, 2)
	assert.Len(t, capped, 2)

	assert.Empty(t, Fuse(nil, nil, 0.5, 5))
	assert.NotNil(t, Fuse(nil, nil, 0.5, 5))
}

func TestRanked(t *testing.T) {
	hits := []*models.ScoredChunk{hit("a", 0.1, 8, t0), hit("b", 0.3, 4, t0)}

	vec := Ranked(hits, models.ModeVector, 5)
	require.Len(t, vec, 2)
	assert.InDelta(t, 0.9, vec[0].Score, 1e-9)
	assert.Zero(t, vec[0].TextScore)

	text := Ranked(hits, models.ModeText, 1)
	require.Len(t, text, 1)
	assert.InDelta(t, 1.0, text[0].Score, 1e-9)
	assert.Equal(t, 1, text[0].Rank)
}

func TestCacheKey(t *testing.T) {
	base := func() *models.Query {
		q := &models.Query{Text: "Fuga de  agua ", K: 5}
		require.NoError(t, ProcessQuery(q, 10, 100, 0.7))
		return q
	}
	key := CacheKey(base())

	same := &models.Query{Text: "  fuga DE agua", K: 5}
	require.NoError(t, ProcessQuery(same, 10, 100, 0.7))
	assert.Equal(t, key, CacheKey(same))

	tests := []struct {
		name   string
		mutate func(q *models.Query)
	}{
		{"k", func(q *models.Query) { q.K = 6 }},
		{"filters", func(q *models.Query) { q.Filters.Source = "news" }},
		{"mode", func(q *models.Query) { q.Mode = models.ModeText }},
		{"weight", func(q *models.Query) { w := 0.2; q.HybridWeight = &w }},
		{"text", func(q *models.Query) { q.Text = "fuga de gas" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := base()
			tt.mutate(q)
			assert.NotEqual(t, key, CacheKey(q))
		})
	}

	// weight does not change vector-only results
	v1 := &models.Query{Text: "x", Mode: models.ModeVector}
	v2 := &models.Query{Text: "x", Mode: models.ModeVector, HybridWeight: new(float64)}
	require.NoError(t, ProcessQuery(v1, 10, 100, 0.7))
	require.NoError(t, ProcessQuery(v2, 10, 100, 0.7))
	assert.Equal(t, CacheKey(v1), CacheKey(v2))
}

func BenchmarkFuse(b *testing.B) {
	vec := make([]*models.ScoredChunk, 100)
	text := make([]*models.ScoredChunk, 100)
	for i := range 100 {
		vec[i] = hit(fmt.Sprintf("c%03d", i), float64(i)/100, 0, t0)
		text[i] = hit(fmt.Sprintf("c%03d", (i*7)%150), 0, float64(100-i), t0)
	}
	for b.Loop() {
		_ = Fuse(vec, text, 0.7, 10)
	}
}
