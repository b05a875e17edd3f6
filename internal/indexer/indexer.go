package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/embedding"
	"github.com/hyperjump/shiori/internal/ident"
	"github.com/hyperjump/shiori/internal/metrics"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/pkg/utils"
)

// Failure stages recorded on chunks that were not written.
const (
	StageEmbedding = "embedding"
	StageStorage   = "storage"
)

// Store is the part of the vector store the indexer writes to.
type Store interface {
	UpsertDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	UpsertChunks(ctx context.Context, chunks []*models.Chunk) (int, error)
}

// Embedder turns chunk texts into vectors, one result per input.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) []embedding.Result
}

// Indexer runs chunk, embed and store for each document. Embedding completes
// before any store write starts, so no transaction spans a remote call.
type Indexer struct {
	store      Store
	embedder   Embedder
	chunker    *Chunker
	batchSize  int
	extensions []string
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for per-document and per-failure events.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = utils.OrNop(l) }
}

// WithMetrics records stage timings and outcomes on m.
func WithMetrics(m *metrics.Metrics) IndexerOption {
	return func(idx *Indexer) { idx.metrics = m }
}

// WithExtensions restricts IngestDirectory to these file extensions.
func WithExtensions(exts ...string) IndexerOption {
	return func(idx *Indexer) { idx.extensions = exts }
}

// NewIndexer creates an indexer. batchSize bounds the chunks per store write.
func NewIndexer(store Store, embedder Embedder, chunker *Chunker, batchSize int, opts ...IndexerOption) *Indexer {
	if batchSize <= 0 {
		batchSize = 100
	}
	idx := &Indexer{
		store:      store,
		embedder:   embedder,
		chunker:    chunker,
		batchSize:  batchSize,
		extensions: []string{".json", ".txt", ".md"},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Ingest chunks, embeds and stores one document. Chunks whose embedding or batch
// write failed are listed in the result and the rest are still written. The
// returned error is set only when the document as a whole could not be processed
// (invalid input, registration failure) or ctx ended; the result is never nil.
func (idx *Indexer) Ingest(ctx context.Context, in *models.DocumentInput) (*models.IngestResult, error) {
	start := time.Now()
	res := &models.IngestResult{DocumentID: in.ID, Source: in.Source}
	err := idx.ingest(ctx, in, res)
	res.Timings.Total = time.Since(start)
	if err != nil {
		res.Error = err.Error()
	}
	idx.observe(res)
	return res, err
}

func (idx *Indexer) ingest(ctx context.Context, in *models.DocumentInput, res *models.IngestResult) error {
	if err := in.Validate(); err != nil {
		return err
	}
	res.Source = in.Source
	if in.Registered() {
		if err := idx.store.UpsertDocument(ctx, in.Document()); err != nil {
			return fmt.Errorf("failed to register document: %w", err)
		}
	}

	t := time.Now()
	chunks := idx.chunker.Chunk(in)
	res.Timings.Chunking = time.Since(t)
	res.ChunksTotal = len(chunks)
	if len(chunks) == 0 {
		return nil
	}

	t = time.Now()
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	results := idx.embedder.EmbedMany(ctx, texts)
	res.Timings.Embedding = time.Since(t)

	ready := make([]*models.Chunk, 0, len(chunks))
	for i, r := range results {
		if r.Err != nil {
			res.AddFailure(chunks[i], StageEmbedding, r.Err)
			idx.logger.Warn("chunk not embedded",
				zap.String("chunk_id", chunks[i].ID),
				zap.Int("chunk_index", chunks[i].ChunkIndex),
				zap.Error(r.Err))
			continue
		}
		chunks[i].Embedding = r.Vector
		ready = append(ready, chunks[i])
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t = time.Now()
	defer func() { res.Timings.Storage = time.Since(t) }()
	for start := 0; start < len(ready); start += idx.batchSize {
		batch := ready[start:min(start+idx.batchSize, len(ready))]
		if err := ctx.Err(); err != nil {
			for _, c := range ready[start:] {
				res.AddFailure(c, StageStorage, err)
			}
			return err
		}
		n, err := idx.store.UpsertChunks(ctx, batch)
		res.ChunksWritten += n
		if err != nil {
			for _, c := range batch[min(n, len(batch)):] {
				res.AddFailure(c, StageStorage, err)
			}
			idx.logger.Error("chunk batch not written",
				zap.String("document_id", in.ID),
				zap.Int("chunks", len(batch)),
				zap.Error(err))
		}
	}
	return nil
}

func (idx *Indexer) observe(res *models.IngestResult) {
	idx.metrics.IngestStage("chunking", res.Timings.Chunking)
	idx.metrics.IngestStage("embedding", res.Timings.Embedding)
	idx.metrics.IngestStage("storage", res.Timings.Storage)
	idx.metrics.IngestStage("total", res.Timings.Total)
	idx.metrics.IngestChunks("written", res.ChunksWritten)
	idx.metrics.IngestChunks("failed", res.Failed())

	outcome := "complete"
	switch {
	case res.Error != "" && res.ChunksWritten == 0:
		outcome = "failed"
	case !res.Complete():
		outcome = "partial"
	}
	idx.metrics.IngestDocument(outcome)
	idx.logger.Info("document ingested",
		zap.String("document_id", res.DocumentID),
		zap.String("source", res.Source),
		zap.String("outcome", outcome),
		zap.Int("chunks", res.ChunksTotal),
		zap.Int("written", res.ChunksWritten),
		zap.Int("failed", res.Failed()),
		zap.Duration("took", res.Timings.Total))
}

// IngestBatch ingests documents one after another. A document that fails does not
// stop the others; only cancellation does.
func (idx *Indexer) IngestBatch(ctx context.Context, inputs []*models.DocumentInput) ([]*models.IngestResult, error) {
	out := make([]*models.IngestResult, 0, len(inputs))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := idx.Ingest(ctx, in)
		out = append(out, res)
		if err != nil && ctx.Err() != nil {
			return out, err
		}
	}
	return out, nil
}

const (
	metaKeySourcePath  = "source_path"
	metaKeySourceMtime = "source_mtime"
	metaKeySourceSize  = "source_size"
)

// IngestFile ingests one file. JSON files hold one or more inputs (see ParseInputs);
// any other text file becomes a single document whose id derives from its absolute
// path, and is skipped when its indexed copy has the same mtime and size.
func (idx *Indexer) IngestFile(ctx context.Context, path string) ([]*models.IngestResult, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", absPath)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	idx.logger.Debug("ingesting file", zap.String("path", absPath))

	if strings.EqualFold(filepath.Ext(absPath), ".json") {
		inputs, err := ParseInputs(data)
		if err != nil {
			return nil, models.NewError(models.ErrValidation, "parse_inputs", fmt.Errorf("%s: %w", absPath, err))
		}
		return idx.IngestBatch(ctx, inputs)
	}

	docID := ident.FileDocumentID(absPath)
	if idx.unchanged(ctx, absPath, docID, info) {
		idx.logger.Debug("skipping unchanged file", zap.String("path", absPath))
		return []*models.IngestResult{{DocumentID: docID, Source: absPath, Skipped: true}}, nil
	}
	in := &models.DocumentInput{
		ID:          docID,
		Text:        string(data),
		Source:      "file",
		Title:       filepath.Base(absPath),
		ContentType: contentType(absPath),
		Metadata:    map[string]any{metaKeySourcePath: absPath},
	}
	res, err := idx.Ingest(ctx, in)
	if err != nil || !res.Complete() {
		return []*models.IngestResult{res}, err
	}
	// stamped only once every chunk is stored, so a partial ingest is retried
	doc := in.Document()
	doc.Metadata = map[string]any{
		metaKeySourcePath:  absPath,
		metaKeySourceMtime: strconv.FormatInt(info.ModTime().UnixNano(), 10),
		metaKeySourceSize:  strconv.FormatInt(info.Size(), 10),
	}
	if err := idx.store.UpsertDocument(ctx, doc); err != nil {
		idx.logger.Warn("file not marked as indexed", zap.String("path", absPath), zap.Error(err))
	}
	return []*models.IngestResult{res}, nil
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return "text/markdown"
	default:
		return "text/plain"
	}
}

// unchanged reports whether docID is registered for absPath with the same mtime and size.
func (idx *Indexer) unchanged(ctx context.Context, absPath, docID string, info os.FileInfo) bool {
	doc, err := idx.store.GetDocument(ctx, docID)
	if err != nil || doc.Metadata == nil {
		return false
	}
	if doc.Metadata[metaKeySourcePath] != absPath {
		return false
	}
	// stored as strings: UnixNano exceeds float64 precision after a JSON round trip
	return metadataInt64(doc.Metadata, metaKeySourceMtime) == info.ModTime().UnixNano() &&
		metadataInt64(doc.Metadata, metaKeySourceSize) == info.Size()
}

func metadataInt64(m map[string]any, key string) int64 {
	switch n := m[key].(type) {
	case string:
		x, _ := strconv.ParseInt(n, 10, 64)
		return x
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// IngestDirectory walks dir recursively and ingests each regular file whose
// extension is allowed. A file that cannot be read or parsed is reported in a
// result carrying its error and the walk continues; cancellation stops it.
func (idx *Indexer) IngestDirectory(ctx context.Context, dir string) ([]*models.IngestResult, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absDir)
	}
	var out []*models.IngestResult
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !idx.Allowed(path) {
			return nil
		}
		// Resolve symlinks so we only ingest regular files
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		results, err := idx.IngestFile(ctx, path)
		out = append(out, results...)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			if len(results) == 0 {
				out = append(out, &models.IngestResult{Source: path, Error: err.Error()})
			}
			idx.logger.Warn("file not ingested", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
	if err != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("walk %s: %w", absDir, err)
	}
	return out, err
}

// Allowed reports whether path has one of the configured extensions.
func (idx *Indexer) Allowed(path string) bool {
	return len(idx.extensions) == 0 || extensionAllowed(filepath.Ext(path), idx.extensions)
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	if extNorm == "" {
		return false
	}
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
