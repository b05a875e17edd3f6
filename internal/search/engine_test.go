package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/keyword"
	"github.com/hyperjump/shiori/internal/metrics"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/storage"
	"github.com/hyperjump/shiori/internal/store"
	"github.com/hyperjump/shiori/internal/vector"
)

const dims = 4

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// tableEmbedder maps query text to fixed vectors and counts calls.
type tableEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   int
}

func (e *tableEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func (e *tableEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fixture struct {
	store    *store.Store
	embedder *tableEmbedder
	clock    *clock
	metrics  *metrics.Metrics
	engine   *Engine
}

func searchConfig() config.SearchConfig {
	cfg := config.Default().Search
	cfg.CacheTTL = time.Hour
	return cfg
}

func newFixture(t *testing.T, cfg config.SearchConfig) *fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "shiori.db"))
	require.NoError(t, err)
	text, err := keyword.NewBleveIndex("", "standard")
	require.NoError(t, err)
	vectors, err := vector.NewMemoryIndex(dims)
	require.NoError(t, err)
	c := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := store.New(db, vectors, text,
		store.Options{Dimensions: dims, BatchSize: 10, FilterPolicy: config.FilterPolicyPre},
		store.WithClock(c.now))
	t.Cleanup(func() { _ = s.Close() })

	emb := &tableEmbedder{vectors: map[string][]float32{
		"fuga de agua": {1, 0, 0, 0},
		"incendio":     {0, 1, 0, 0},
	}}
	m := metrics.New()
	return &fixture{
		store:    s,
		embedder: emb,
		clock:    c,
		metrics:  m,
		engine:   NewEngine(s, emb, cfg, WithClock(c.now), WithMetrics(m)),
	}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	chunks := []*models.Chunk{
		{ID: "leak", Content: "fuga de agua en el sótano", Source: "news", Date: "2024-05-01", Embedding: []float32{1, 0, 0, 0}},
		{ID: "leak-2", Content: "otra fuga de agua en la calle", Source: "blog", Date: "2024-05-20", Embedding: []float32{0.8, 0.2, 0, 0}},
		{ID: "fire", Content: "incendio en la cocina", Source: "news", Date: "2024-04-10", Embedding: []float32{0, 1, 0, 0}},
	}
	_, err := f.store.UpsertChunks(context.Background(), chunks)
	require.NoError(t, err)
}

func TestEngine_HybridQuery(t *testing.T) {
	f := newFixture(t, searchConfig())
	f.seed(t)

	resp, err := f.engine.Query(context.Background(), &models.Query{Text: "fuga de agua", K: 2})
	require.NoError(t, err)
	assert.Equal(t, models.ModeHybrid, resp.Mode)
	assert.False(t, resp.Cached)
	assert.Empty(t, resp.Fallback)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "leak", resp.Results[0].ChunkID)
	assert.Equal(t, 2, resp.Total)
	assert.Greater(t, resp.Results[0].VectorScore, 0.0)
	assert.Greater(t, resp.Results[0].TextScore, 0.0)
}

func TestEngine_NeverPads(t *testing.T) {
	f := newFixture(t, searchConfig())
	f.seed(t)

	resp, err := f.engine.Query(context.Background(), &models.Query{Text: "incendio", K: 50, Mode: models.ModeVector})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 3)
	assert.Equal(t, "fire", resp.Results[0].ChunkID)
}

func TestEngine_Filters(t *testing.T) {
	f := newFixture(t, searchConfig())
	f.seed(t)

	resp, err := f.engine.Query(context.Background(), &models.Query{
		Text:    "fuga de agua",
		Filters: models.Filters{Source: "blog"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "leak-2", resp.Results[0].ChunkID)
}

func TestEngine_CacheLifecycle(t *testing.T) {
	f := newFixture(t, searchConfig())
	f.seed(t)
	ctx := context.Background()
	q := func(text string) *models.Query { return &models.Query{Text: text, K: 3} }

	first, err := f.engine.Query(ctx, q("fuga de agua"))
	require.NoError(t, err)
	require.False(t, first.Cached)
	require.Equal(t, 1, f.embedder.Calls())
	createdAt := f.clock.now()

	f.clock.advance(30 * time.Minute)
	second, err := f.engine.Query(ctx, q("  Fuga de   AGUA "))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	require.NotNil(t, second.CachedAt)
	assert.True(t, second.CachedAt.Equal(createdAt))
	assert.Equal(t, 1, f.embedder.Calls())

	want, err := json.Marshal(first.Results)
	require.NoError(t, err)
	got, err := json.Marshal(second.Results)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))

	f.clock.advance(31 * time.Minute)
	third, err := f.engine.Query(ctx, q("fuga de agua"))
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, f.embedder.Calls())

	entry, err := f.store.GetCacheEntry(ctx, CacheKey(func() *models.Query {
		qq := q("fuga de agua")
		require.NoError(t, ProcessQuery(qq, 10, 100, config.DefaultHybridWeight))
		return qq
	}()))
	require.NoError(t, err)
	assert.True(t, entry.CreatedAt.Equal(f.clock.now()))

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CacheEntries)
}

func TestEngine_RecordsQueryOutcomes(t *testing.T) {
	f := newFixture(t, searchConfig())
	f.seed(t)
	ctx := context.Background()

	for range 2 {
		_, err := f.engine.Query(ctx, &models.Query{Text: "fuga de agua", K: 3})
		require.NoError(t, err)
	}
	_, err := f.engine.Query(ctx, &models.Query{Text: " ", K: 3})
	require.Error(t, err)

	w := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, line := range []string{
		`shiori_queries_total{outcome="miss"} 1`,
		`shiori_queries_total{outcome="hit"} 1`,
		`shiori_queries_total{outcome="error"} 1`,
	} {
		assert.Contains(t, body, line)
	}
}

func TestEngine_DifferentParametersMiss(t *testing.T) {
	f := newFixture(t, searchConfig())
	f.seed(t)
	ctx := context.Background()

	_, err := f.engine.Query(ctx, &models.Query{Text: "fuga de agua", K: 3})
	require.NoError(t, err)
	resp, err := f.engine.Query(ctx, &models.Query{Text: "fuga de agua", K: 2})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, f.embedder.Calls())
}

func TestEngine_HybridFallsBackToText(t *testing.T) {
	f := newFixture(t, searchConfig())
	f.seed(t)
	f.embedder.err = &models.EmbeddingUnavailableError{
		Attempts: 6,
		Err:      models.Transient("embed", errors.New("503 service unavailable")),
	}
	ctx := context.Background()

	resp, err := f.engine.Query(ctx, &models.Query{Text: "fuga de agua", K: 5})
	require.NoError(t, err)
	assert.Equal(t, models.FallbackTextOnly, resp.Fallback)
	assert.Equal(t, "embedding_unavailable", resp.FallbackReason)
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.Zero(t, r.VectorScore)
		assert.Contains(t, r.Content, "fuga")
	}

	// fallback responses are not cached
	again, err := f.engine.Query(ctx, &models.Query{Text: "fuga de agua", K: 5})
	require.NoError(t, err)
	assert.False(t, again.Cached)
	assert.Equal(t, 2, f.embedder.Calls())
}

func TestEngine_FallbackWithVectorOnlyWeight(t *testing.T) {
	f := newFixture(t, searchConfig())
	f.seed(t)
	f.embedder.err = models.Permanent("embed", errors.New("400 bad request"))
	one := 1.0

	resp, err := f.engine.Query(context.Background(), &models.Query{Text: "incendio", HybridWeight: &one})
	require.NoError(t, err)
	assert.Equal(t, models.FallbackTextOnly, resp.Fallback)
	assert.Equal(t, "permanent_external", resp.FallbackReason)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "fire", resp.Results[0].ChunkID)
}

func TestEngine_VectorModeEmbeddingFailure(t *testing.T) {
	f := newFixture(t, searchConfig())
	f.embedder.err = &models.EmbeddingUnavailableError{Attempts: 3, Err: errors.New("timeout")}

	resp, err := f.engine.Query(context.Background(), &models.Query{Text: "fuga de agua", Mode: models.ModeVector})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, models.ErrEmbeddingUnavailable)
	assert.Equal(t, StageEmbed, models.Stage(err))
}

type brokenStore struct {
	*store.Store
}

func (b brokenStore) Search(context.Context, []float32, models.Filters, int) ([]*models.ScoredChunk, error) {
	return nil, models.NewError(models.ErrStoreRead, "search", errors.New("database is locked"))
}

func TestEngine_StoreReadFailureIsAnError(t *testing.T) {
	f := newFixture(t, searchConfig())
	f.seed(t)
	engine := NewEngine(brokenStore{f.store}, f.embedder, searchConfig())

	resp, err := engine.Query(context.Background(), &models.Query{Text: "fuga de agua"})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, models.ErrStoreRead)
	assert.Equal(t, StageVectorSearch, models.Stage(err))
}

func TestEngine_Validation(t *testing.T) {
	f := newFixture(t, searchConfig())
	tests := []*models.Query{
		{Text: "   "},
		{Text: "x", Mode: "semantic"},
		{Text: "x", Filters: models.Filters{DateFrom: "01/02/2024"}},
	}
	for _, q := range tests {
		_, err := f.engine.Query(context.Background(), q)
		assert.ErrorIs(t, err, models.ErrValidation, "query %+v", q)
	}
	assert.Zero(t, f.embedder.Calls())
}

func TestEngine_HistoryAndFeedback(t *testing.T) {
	f := newFixture(t, searchConfig())
	f.seed(t)
	ctx := context.Background()

	resp, err := f.engine.Query(ctx, &models.Query{Text: "incendio", K: 1, Mode: models.ModeText})
	require.NoError(t, err)
	f.clock.advance(time.Second)
	_, err = f.engine.Query(ctx, &models.Query{Text: "incendio", K: 1, Mode: models.ModeText})
	require.NoError(t, err)
	f.clock.advance(time.Second)

	rec, err := f.engine.Feedback(ctx, "incendio", "useful", models.HistoryResults(resp.Results))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	history, err := f.engine.History(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "useful", history[0].Feedback)
	assert.Equal(t, "fire", history[0].Results[0].ChunkID)
	assert.Empty(t, history[1].Feedback)
	assert.Empty(t, history[2].Feedback)

	_, err = f.engine.Feedback(ctx, "incendio", " ", nil)
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = f.engine.History(ctx, -1, 10)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestEngine_HistoryDisabled(t *testing.T) {
	cfg := searchConfig()
	off := false
	cfg.RecordHistory = &off
	f := newFixture(t, cfg)
	f.seed(t)

	_, err := f.engine.Query(context.Background(), &models.Query{Text: "incendio"})
	require.NoError(t, err)
	history, err := f.engine.History(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEngine_Prune(t *testing.T) {
	f := newFixture(t, searchConfig())
	f.seed(t)
	ctx := context.Background()

	_, err := f.engine.Query(ctx, &models.Query{Text: "incendio"})
	require.NoError(t, err)
	f.clock.advance(10 * time.Minute)
	_, err = f.engine.Query(ctx, &models.Query{Text: "fuga de agua"})
	require.NoError(t, err)

	f.clock.advance(55 * time.Minute)
	n, err := f.engine.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CacheEntries)
}

func TestEngine_Cancelled(t *testing.T) {
	f := newFixture(t, searchConfig())
	f.seed(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Query(ctx, &models.Query{Text: "fuga de agua"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
