// Package store keeps the chunk table, the vector index and the text index in step
// and answers vector and full-text searches over them.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/keyword"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/storage"
	"github.com/hyperjump/shiori/internal/vector"
	"github.com/hyperjump/shiori/pkg/utils"
)

// postFilterFactor is the initial over-fetch when filters run after the vector search.
const postFilterFactor = 4

// Options configures a Store.
type Options struct {
	Dimensions      int
	BatchSize       int
	FilterPolicy    string // pre, post
	TitleBoost      float64
	VectorIndexPath string
	// DiskPaths are summed for Stats.
	DiskPaths []string
}

// Option configures optional Store behaviour.
type Option func(*Store)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = utils.OrNop(l) }
}

// WithClock replaces time.Now for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the vector store. Writes are serialized; reads run concurrently.
type Store struct {
	db      storage.Storage
	vectors vector.VectorIndex
	text    keyword.KeywordIndex
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	mu sync.Mutex
}

// New assembles a Store from already opened parts.
func New(db storage.Storage, vectors vector.VectorIndex, text keyword.KeywordIndex, opts Options, options ...Option) *Store {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FilterPolicy == "" {
		opts.FilterPolicy = config.FilterPolicyPre
	}
	s := &Store{
		db:      db,
		vectors: vectors,
		text:    text,
		opts:    opts,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Open builds the store described by cfg and reconciles its indexes with the chunk table.
func Open(ctx context.Context, cfg *config.Config, options ...Option) (*Store, error) {
	db, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	vectors, err := vector.NewVectorIndex(cfg.Index.Type, cfg.Embedding.Dimensions, vector.HNSWConfig{
		M:              cfg.Index.M,
		EfConstruction: cfg.Index.EfConstruction,
		EfSearch:       cfg.Index.EfSearch,
		Seed:           cfg.Index.Seed,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create vector index: %w", err)
	}
	text, err := keyword.NewBleveIndex(cfg.Storage.TextIndexPath, cfg.Search.TextLanguage)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open text index: %w", err)
	}
	disk := append(storage.DatabaseFiles(cfg.Storage.DatabasePath), cfg.Storage.TextIndexPath, cfg.Storage.VectorIndexPath)
	s := New(db, vectors, text, Options{
		Dimensions:      cfg.Embedding.Dimensions,
		BatchSize:       cfg.Ingest.UpsertBatchSize,
		FilterPolicy:    cfg.Search.FilterPolicy,
		TitleBoost:      cfg.Search.TitleBoost,
		VectorIndexPath: cfg.Storage.VectorIndexPath,
		DiskPaths:       disk,
	}, options...)
	if err := vectors.Load(cfg.Storage.VectorIndexPath); err != nil {
		s.logger.Warn("vector index snapshot unusable, rebuilding from chunks", zap.Error(err))
	}
	if err := s.Reconcile(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Dimensions returns the embedding dimension the store accepts.
func (s *Store) Dimensions() int {
	return s.opts.Dimensions
}

func readErr(op string, err error) error {
	if err == nil || errors.Is(err, models.ErrNotFound) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return models.NewError(models.ErrStoreRead, op, err)
}

func writeErr(op string, err error) error {
	if err == nil || errors.Is(err, models.ErrValidation) {
		return err
	}
	return models.NewError(models.ErrStoreWrite, op, err)
}

// UpsertDocument registers or updates a document row.
func (s *Store) UpsertDocument(ctx context.Context, doc *models.Document) error {
	now := s.now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	return writeErr("upsert_document", s.db.UpsertDocument(ctx, doc))
}

// GetDocument returns a registered document.
func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	doc, err := s.db.GetDocument(ctx, id)
	return doc, readErr("get_document", err)
}

// GetChunk returns one chunk by id.
func (s *Store) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	c, err := s.db.GetChunk(ctx, id)
	return c, readErr("get_chunk", err)
}

// GetDocumentChunks returns a document's chunks in order.
func (s *Store) GetDocumentChunks(ctx context.Context, id string) ([]*models.Chunk, error) {
	chunks, err := s.db.GetChunksByDocumentID(ctx, id)
	return chunks, readErr("get_document_chunks", err)
}

// UpsertChunks writes chunks in batches of the configured size, each batch atomic
// across the table and both indexes. It stops at the first failed batch and
// returns the number of chunks written before it.
func (s *Store) UpsertChunks(ctx context.Context, chunks []*models.Chunk) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	for start := 0; start < len(chunks); start += s.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := s.upsertBatch(ctx, chunks[start:min(start+s.opts.BatchSize, len(chunks))])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// prepare validates a batch and drops earlier duplicates of a chunk_id, keeping the last.
func (s *Store) prepare(batch []*models.Chunk) ([]*models.Chunk, error) {
	last := make(map[string]int, len(batch))
	for i, c := range batch {
		if c.ID == "" {
			return nil, models.Validationf("upsert_chunks", "chunk %d has no id", i)
		}
		if strings.TrimSpace(c.Content) == "" {
			return nil, models.Validationf("upsert_chunks", "chunk %s has empty content", c.ID)
		}
		if len(c.Embedding) != s.opts.Dimensions {
			return nil, models.NewError(models.ErrValidation, "upsert_chunks",
				fmt.Errorf("chunk %s: %w: got %d, expected %d", c.ID, models.ErrDimensionMismatch, len(c.Embedding), s.opts.Dimensions))
		}
		if utils.IsZeroVector(c.Embedding) || !finite(c.Embedding) {
			return nil, models.Validationf("upsert_chunks", "chunk %s has a zero or non-finite embedding", c.ID)
		}
		last[c.ID] = i
	}
	out := make([]*models.Chunk, 0, len(last))
	for i, c := range batch {
		if last[c.ID] == i {
			out = append(out, c)
		}
	}
	return out, nil
}

func finite(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

func (s *Store) upsertBatch(ctx context.Context, batch []*models.Chunk) (int, error) {
	batch, err := s.prepare(batch)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(batch))
	for i, c := range batch {
		ids[i] = c.ID
	}
	previous, err := s.db.GetChunks(ctx, ids)
	if err != nil {
		return 0, writeErr("upsert_chunks", err)
	}
	now := s.now().UTC()
	for _, c := range batch {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
	}

	textApplied := false
	err = s.db.UpsertChunks(ctx, batch, func() error {
		if err := s.text.Index(ctx, batch); err != nil {
			return fmt.Errorf("text index: %w", err)
		}
		textApplied = true
		return nil
	})
	if err != nil {
		if textApplied {
			s.repairText(batch, previous)
		}
		s.logger.Error("chunk batch not applied", zap.Int("chunks", len(batch)), zap.Error(err))
		return 0, writeErr("upsert_chunks", err)
	}

	// rows are committed: the vector index must follow even if the caller gives up now
	ctx = context.WithoutCancel(ctx)
	vecs := make([][]float32, len(batch))
	for i, c := range batch {
		vecs[i] = c.Embedding
	}
	if err := s.vectors.Add(ctx, ids, vecs); err != nil {
		s.logger.Error("vector index behind chunk table, rebuilding", zap.Int("chunks", len(batch)), zap.Error(err))
		if err := s.rebuild(ctx, true, false); err != nil {
			return len(batch), err
		}
	}
	return len(batch), nil
}

// repairText restores the text index after a batch whose commit failed: new ids are
// removed and replaced ids get their committed version back.
func (s *Store) repairText(batch []*models.Chunk, previous map[string]*models.Chunk) {
	ctx := context.Background()
	var (
		stale    []string
		restored []*models.Chunk
	)
	for _, c := range batch {
		if old, ok := previous[c.ID]; ok {
			restored = append(restored, old)
		} else {
			stale = append(stale, c.ID)
		}
	}
	if err := s.text.Delete(ctx, stale); err != nil {
		s.logger.Error("text index repair failed", zap.Error(err))
	}
	if err := s.text.Index(ctx, restored); err != nil {
		s.logger.Error("text index repair failed", zap.Error(err))
	}
}

// Search returns up to k chunks closest to vec under cosine distance. Candidates
// come from the approximate index and are re-ranked exactly against the stored
// embeddings. Ties break by newer created_at, then chunk_id.
func (s *Store) Search(ctx context.Context, vec []float32, f models.Filters, k int) ([]*models.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(vec) != s.opts.Dimensions {
		return nil, models.NewError(models.ErrValidation, "vector_search",
			fmt.Errorf("%w: query has %d, expected %d", models.ErrDimensionMismatch, len(vec), s.opts.Dimensions))
	}
	if utils.IsZeroVector(vec) {
		return nil, models.Validationf("vector_search", "query vector is zero")
	}

	if s.opts.FilterPolicy == config.FilterPolicyPost || f.IsZero() {
		return s.searchPostFilter(ctx, vec, f, k)
	}
	allowed, err := s.db.FilterChunkIDs(ctx, f)
	if err != nil {
		return nil, readErr("vector_search", err)
	}
	if len(allowed) == 0 {
		return nil, nil
	}
	hits, err := s.vectors.Search(ctx, vec, k, func(id string) bool {
		_, ok := allowed[id]
		return ok
	})
	if err != nil {
		return nil, readErr("vector_search", err)
	}
	return s.rerank(ctx, vec, hits, f, k)
}

// searchPostFilter over-fetches from the index and filters hydrated chunks,
// widening the fetch until k chunks pass or the index is exhausted.
func (s *Store) searchPostFilter(ctx context.Context, vec []float32, f models.Filters, k int) ([]*models.ScoredChunk, error) {
	fetch := k
	if !f.IsZero() {
		fetch = k * postFilterFactor
	}
	for {
		hits, err := s.vectors.Search(ctx, vec, fetch, nil)
		if err != nil {
			return nil, readErr("vector_search", err)
		}
		out, err := s.rerank(ctx, vec, hits, f, k)
		if err != nil {
			return nil, err
		}
		if len(out) >= k || len(hits) < fetch || f.IsZero() {
			return out, nil
		}
		fetch *= 2
	}
}

func (s *Store) rerank(ctx context.Context, vec []float32, hits []*vector.VectorResult, f models.Filters, k int) ([]*models.ScoredChunk, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	chunks, err := s.db.GetChunks(ctx, ids)
	if err != nil {
		return nil, readErr("vector_search", err)
	}
	out := make([]*models.ScoredChunk, 0, len(hits))
	for _, h := range hits {
		c, ok := chunks[h.ID]
		if !ok {
			s.logger.Debug("vector hit without chunk row", zap.String("chunk_id", h.ID))
			continue
		}
		if !f.Match(c) {
			continue
		}
		sim := utils.CosineSimilarity(vec, c.Embedding)
		if f.MinSimilarity != 0 && sim < f.MinSimilarity {
			continue
		}
		out = append(out, &models.ScoredChunk{Chunk: c, Distance: 1 - sim, Score: sim})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		return newerFirst(a.Chunk, b.Chunk)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func newerFirst(a, b *models.Chunk) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SearchText returns up to k chunks by full-text relevance, highest first.
func (s *Store) SearchText(ctx context.Context, query string, f models.Filters, k int) ([]*models.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	// fetch past k so ties at the cut are broken by created_at, not index order
	hits, err := s.text.Search(ctx, query, k*2, &keyword.SearchOptions{TitleBoost: s.opts.TitleBoost, Filters: f})
	if err != nil {
		return nil, readErr("text_search", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	chunks, err := s.db.GetChunks(ctx, ids)
	if err != nil {
		return nil, readErr("text_search", err)
	}
	out := make([]*models.ScoredChunk, 0, len(hits))
	for _, h := range hits {
		c, ok := chunks[h.ID]
		if !ok {
			continue
		}
		out = append(out, &models.ScoredChunk{Chunk: c, Score: h.Score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return newerFirst(a.Chunk, b.Chunk)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Reconcile rebuilds any index whose size disagrees with the chunk table.
func (s *Store) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts, err := s.db.Counts(ctx)
	if err != nil {
		return readErr("reconcile", err)
	}
	textCount, err := s.text.DocCount()
	if err != nil {
		return readErr("reconcile", err)
	}
	rebuildVectors := int64(s.vectors.Size()) != counts.Chunks
	rebuildText := int64(textCount) != counts.Chunks
	if !rebuildVectors && !rebuildText {
		return nil
	}
	s.logger.Warn("indexes out of step with chunk table, rebuilding",
		zap.Int64("chunks", counts.Chunks),
		zap.Int("vector_index", s.vectors.Size()),
		zap.Uint64("text_index", textCount))
	return s.rebuild(ctx, rebuildVectors, rebuildText)
}

// Reindex rebuilds both indexes from the chunk table.
func (s *Store) Reindex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuild(ctx, true, true)
}

func (s *Store) rebuild(ctx context.Context, vectors, text bool) error {
	start := time.Now()
	if vectors {
		if err := s.vectors.Remove(ctx, s.vectors.IDs()); err != nil {
			return writeErr("reindex", err)
		}
	}
	if text {
		if err := s.text.Reset(); err != nil {
			return writeErr("reindex", err)
		}
	}
	batch := make([]*models.Chunk, 0, s.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if text {
			if err := s.text.Index(ctx, batch); err != nil {
				return err
			}
		}
		if vectors {
			ids := make([]string, len(batch))
			vecs := make([][]float32, len(batch))
			for i, c := range batch {
				ids[i], vecs[i] = c.ID, c.Embedding
			}
			if err := s.vectors.Add(ctx, ids, vecs); err != nil {
				return err
			}
		}
		batch = batch[:0]
		return nil
	}
	skipped := 0
	err := s.db.EachChunk(ctx, func(c *models.Chunk) error {
		if len(c.Embedding) != s.opts.Dimensions || utils.IsZeroVector(c.Embedding) {
			skipped++
			return nil
		}
		batch = append(batch, c)
		if len(batch) >= s.opts.BatchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return writeErr("reindex", err)
	}
	if skipped > 0 {
		s.logger.Warn("chunks with unusable embeddings left out of the vector index", zap.Int("chunks", skipped))
	}
	s.logger.Info("indexes rebuilt",
		zap.Bool("vector", vectors), zap.Bool("text", text),
		zap.Int("vector_index", s.vectors.Size()),
		zap.Duration("took", time.Since(start)))
	if vectors {
		return s.saveVectors()
	}
	return nil
}

func (s *Store) saveVectors() error {
	if err := s.vectors.Save(s.opts.VectorIndexPath); err != nil {
		return writeErr("save_vector_index", err)
	}
	return nil
}

// Flush persists the vector index snapshot.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveVectors()
}

// GetCacheEntry returns the cached response for hash, or an ErrNotFound error.
func (s *Store) GetCacheEntry(ctx context.Context, hash string) (*models.CacheEntry, error) {
	e, err := s.db.GetCacheEntry(ctx, hash)
	return e, readErr("cache_lookup", err)
}

// PutCacheEntry stores or overwrites a cached response.
func (s *Store) PutCacheEntry(ctx context.Context, e *models.CacheEntry) error {
	return writeErr("cache_store", s.db.PutCacheEntry(ctx, e))
}

// PruneCache deletes cache rows expired at now.
func (s *Store) PruneCache(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.db.DeleteExpiredCache(ctx, now)
	return n, writeErr("prune_cache", err)
}

// AppendHistory appends a query history record.
func (s *Store) AppendHistory(ctx context.Context, rec *models.HistoryRecord) error {
	return writeErr("append_history", s.db.AppendHistory(ctx, rec))
}

// ListHistory returns history records, newest first.
func (s *Store) ListHistory(ctx context.Context, offset, limit int) ([]*models.HistoryRecord, error) {
	recs, err := s.db.ListHistory(ctx, offset, limit)
	return recs, readErr("list_history", err)
}

// Stats reports row counts, index sizes and disk usage.
func (s *Store) Stats(ctx context.Context) (*models.Stats, error) {
	counts, err := s.db.Counts(ctx)
	if err != nil {
		return nil, readErr("stats", err)
	}
	textCount, err := s.text.DocCount()
	if err != nil {
		return nil, readErr("stats", err)
	}
	disk, err := storage.DiskUsageBytes(s.opts.DiskPaths...)
	if err != nil {
		s.logger.Warn("disk usage unavailable", zap.Error(err))
	}
	return &models.Stats{
		Documents:          int(counts.Documents),
		Chunks:             int(counts.Chunks),
		UnregisteredChunks: int(counts.UnregisteredChunks),
		VectorIndexSize:    s.vectors.Size(),
		TextIndexSize:      int(textCount),
		CacheEntries:       int(counts.CacheEntries),
		HistoryRecords:     int(counts.HistoryRecords),
		DiskUsageBytes:     disk,
	}, nil
}

// Close saves the vector index and closes every part.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(
		s.saveVectors(),
		s.vectors.Close(),
		s.text.Close(),
		s.db.Close(),
	)
}
