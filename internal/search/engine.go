// Package search answers queries over the store: cache lookup, embedding, vector and
// text retrieval, hybrid ranking and history.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/metrics"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/pkg/utils"
)

// Query stages, reported on errors through models.Stage.
const (
	StageCacheLookup  = "cache_lookup"
	StageEmbed        = "embed"
	StageVectorSearch = "vector_search"
	StageTextSearch   = "text_search"
	StageCacheStore   = "cache_store"
)

// Store is the part of the vector store the engine reads from and records into.
type Store interface {
	Search(ctx context.Context, vec []float32, f models.Filters, k int) ([]*models.ScoredChunk, error)
	SearchText(ctx context.Context, query string, f models.Filters, k int) ([]*models.ScoredChunk, error)
	GetCacheEntry(ctx context.Context, hash string) (*models.CacheEntry, error)
	PutCacheEntry(ctx context.Context, e *models.CacheEntry) error
	PruneCache(ctx context.Context, now time.Time) (int64, error)
	AppendHistory(ctx context.Context, rec *models.HistoryRecord) error
	ListHistory(ctx context.Context, offset, limit int) ([]*models.HistoryRecord, error)
}

// Embedder embeds the query text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Engine runs queries.
type Engine struct {
	store    Store
	embedder Embedder
	config   config.SearchConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = utils.OrNop(l) }
}

// WithMetrics records query outcomes and latency on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now for cache expiry and history timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a search engine with the given dependencies.
func NewEngine(store Store, embedder Embedder, cfg config.SearchConfig, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		embedder: embedder,
		config:   cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Query answers q. A fresh cached response is returned as stored. Otherwise the
// query runs and its response is cached, unless it was served by a fallback path.
// The error, if any, carries the failing stage.
func (e *Engine) Query(ctx context.Context, q *models.Query) (*models.Response, error) {
	start := time.Now()
	if err := ProcessQuery(q, e.config.DefaultK, e.config.MaxK, e.config.Weight()); err != nil {
		e.metrics.Query("error")
		return nil, err
	}
	defer func() {
		e.metrics.QueryDuration(string(q.Mode), time.Since(start))
	}()

	key := CacheKey(q)
	if resp := e.lookup(ctx, key); resp != nil {
		resp.QueryTime = time.Since(start).Milliseconds()
		e.metrics.Query("hit")
		e.record(ctx, q.Text, resp.Results)
		return resp, nil
	}

	resp, err := e.execute(ctx, q)
	if err != nil {
		e.metrics.Query("error")
		e.logger.Warn("query failed",
			zap.String("query", q.Text),
			zap.String("stage", models.Stage(err)),
			zap.Error(err))
		return nil, err
	}
	resp.QueryTime = time.Since(start).Milliseconds()

	if resp.Fallback == "" {
		e.metrics.Query("miss")
		e.cache(ctx, key, q.Text, resp)
	} else {
		e.metrics.Query("fallback")
	}
	e.record(ctx, q.Text, resp.Results)
	return resp, nil
}

// lookup returns the cached response for key, or nil on a miss. Expired entries are
// misses; their row is overwritten by the next store.
func (e *Engine) lookup(ctx context.Context, key string) *models.Response {
	entry, err := e.store.GetCacheEntry(ctx, key)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			e.logger.Warn("cache lookup failed", zap.Error(models.AtStage(StageCacheLookup, err)))
		}
		return nil
	}
	if !entry.Valid(e.now()) {
		return nil
	}
	var resp models.Response
	if err := json.Unmarshal(entry.Response, &resp); err != nil {
		e.logger.Warn("discarding unreadable cache entry", zap.String("query_hash", key), zap.Error(err))
		return nil
	}
	createdAt := entry.CreatedAt
	resp.Cached = true
	resp.CachedAt = &createdAt
	return &resp
}

func (e *Engine) cache(ctx context.Context, key, text string, resp *models.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		e.logger.Warn("response not cached", zap.Error(err))
		return
	}
	now := e.now()
	err = e.store.PutCacheEntry(ctx, &models.CacheEntry{
		QueryHash: key,
		QueryText: text,
		Response:  data,
		CreatedAt: now,
		ExpiresAt: now.Add(e.config.CacheTTL),
	})
	if err != nil {
		e.logger.Warn("response not cached", zap.Error(models.AtStage(StageCacheStore, err)))
	}
}

func (e *Engine) record(ctx context.Context, text string, results []*models.Result) {
	if !e.config.RecordHistoryOrDefault() {
		return
	}
	rec := &models.HistoryRecord{
		ID:        uuid.NewString(),
		QueryText: text,
		Results:   models.HistoryResults(results),
		CreatedAt: e.now(),
	}
	if err := e.store.AppendHistory(ctx, rec); err != nil {
		e.logger.Warn("query history not recorded", zap.Error(err))
	}
}

// candidates returns how many hits each retrieval path fetches for a final list of k.
func (e *Engine) candidates(k int) int {
	return max(k*max(e.config.CandidateMultiplier, 1), e.config.RecallK, k)
}

func (e *Engine) execute(ctx context.Context, q *models.Query) (*models.Response, error) {
	w := q.Weight()
	needVector := q.Mode == models.ModeVector || (q.Mode == models.ModeHybrid && w > 0)
	needText := q.Mode == models.ModeText || (q.Mode == models.ModeHybrid && w < 1)
	n := q.K
	if q.Mode == models.ModeHybrid {
		n = e.candidates(q.K)
	}

	var (
		vectorHits, textHits []*models.ScoredChunk
		embedErr             error
	)
	g, gctx := errgroup.WithContext(ctx)
	if needVector {
		g.Go(func() error {
			vec, err := e.embedder.Embed(gctx, q.Text)
			if err != nil {
				embedErr = models.AtStage(StageEmbed, err)
				return nil
			}
			hits, err := e.store.Search(gctx, vec, q.Filters, n)
			if err != nil {
				return models.AtStage(StageVectorSearch, err)
			}
			vectorHits = hits
			return nil
		})
	}
	if needText {
		g.Go(func() error {
			hits, err := e.store.SearchText(gctx, q.Text, q.Filters, n)
			if err != nil {
				return models.AtStage(StageTextSearch, err)
			}
			textHits = hits
			return nil
		})
	}
	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}

	resp := &models.Response{Query: q.Text, Mode: q.Mode}
	switch {
	case embedErr != nil && q.Mode != models.ModeHybrid:
		return nil, embedErr
	case embedErr != nil:
		// hybrid degrades to the text path and says so
		e.logger.Warn("embedding unavailable, serving text results",
			zap.String("query", q.Text),
			zap.Error(embedErr))
		if !needText {
			hits, err := e.store.SearchText(ctx, q.Text, q.Filters, q.K)
			if err != nil {
				return nil, models.AtStage(StageTextSearch, err)
			}
			textHits = hits
		}
		resp.Fallback = models.FallbackTextOnly
		resp.FallbackReason = models.Reason(embedErr)
		resp.Results = Ranked(textHits, models.ModeText, q.K)
	case q.Mode == models.ModeHybrid:
		resp.Results = Fuse(vectorHits, textHits, w, q.K)
	case q.Mode == models.ModeVector:
		resp.Results = Ranked(vectorHits, models.ModeVector, q.K)
	default:
		resp.Results = Ranked(textHits, models.ModeText, q.K)
	}
	resp.Total = len(resp.Results)
	return resp, nil
}

// Feedback appends a history record that carries feedback on a query's results.
// Earlier records are never modified.
func (e *Engine) Feedback(ctx context.Context, text, feedback string, results []models.HistoryResult) (*models.HistoryRecord, error) {
	if utils.CollapseWhitespace(text) == "" {
		return nil, models.Validationf("feedback", "query text cannot be empty")
	}
	if utils.CollapseWhitespace(feedback) == "" {
		return nil, models.Validationf("feedback", "feedback cannot be empty")
	}
	if results == nil {
		results = []models.HistoryResult{}
	}
	rec := &models.HistoryRecord{
		ID:        uuid.NewString(),
		QueryText: text,
		Results:   results,
		Feedback:  feedback,
		CreatedAt: e.now(),
	}
	if err := e.store.AppendHistory(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// History returns history records, newest first.
func (e *Engine) History(ctx context.Context, offset, limit int) ([]*models.HistoryRecord, error) {
	if offset < 0 || limit < 0 {
		return nil, models.Validationf("history", "offset and limit must be >= 0")
	}
	if limit == 0 {
		limit = 50
	}
	return e.store.ListHistory(ctx, offset, limit)
}

// Prune deletes response cache entries that have expired.
func (e *Engine) Prune(ctx context.Context) (int64, error) {
	n, err := e.store.PruneCache(ctx, e.now())
	if err != nil {
		return 0, err
	}
	e.logger.Info("pruned response cache", zap.Int64("deleted", n))
	return n, nil
}
