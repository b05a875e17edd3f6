package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/analysis/lang/es"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/shiori/internal/models"
)

// Languages accepted by AnalyzerFor.
const (
	LanguageSpanish  = "es"
	LanguageEnglish  = "en"
	LanguageStandard = "standard"
)

// AnalyzerFor maps a configured language to a Bleve analyzer name.
func AnalyzerFor(language string) (string, error) {
	switch language {
	case LanguageSpanish, "spanish":
		return es.AnalyzerName, nil
	case LanguageEnglish, "english":
		return en.AnalyzerName, nil
	case LanguageStandard, "":
		return standard.Name, nil
	default:
		return "", fmt.Errorf("unsupported text language %q (supported: es, en, standard)", language)
	}
}

// chunkDoc is the indexed form of a chunk. Day holds the date truncated to
// YYYY-MM-DD so date filters are plain term ranges.
type chunkDoc struct {
	Content    string `json:"content"`
	Title      string `json:"title,omitempty"`
	Source     string `json:"source,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	URL        string `json:"url,omitempty"`
	Day        string `json:"day,omitempty"`
}

func toDoc(c *models.Chunk) chunkDoc {
	day := c.Date
	if len(day) > 10 {
		day = day[:10]
	}
	return chunkDoc{
		Content:    c.Content,
		Title:      titleTerms(c.Title),
		Source:     c.Source,
		DocumentID: c.DocumentID,
		URL:        c.URL,
		Day:        day,
	}
}

// titleTerms turns underscores into spaces so "annual_report_2021.md" is searchable
// as "annual report 2021"; no analyzer splits on underscore.
func titleTerms(title string) string {
	return strings.ReplaceAll(title, "_", " ")
}

// BleveIndex implements KeywordIndex using Bleve.
type BleveIndex struct {
	path    string
	mapping *mapping.IndexMappingImpl

	mu    sync.RWMutex
	index bleve.Index
}

func buildMapping(analyzer string) *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = analyzer
	text.Store = false
	docMapping.AddFieldMappingsAt("content", text)
	docMapping.AddFieldMappingsAt("title", text)

	kw := bleve.NewKeywordFieldMapping()
	kw.Store = false
	for _, f := range []string{"source", "document_id", "url", "day"} {
		docMapping.AddFieldMappingsAt(f, kw)
	}
	im.AddDocumentMapping("chunk", docMapping)
	im.DefaultType = "chunk"
	im.DefaultMapping = docMapping
	im.DefaultAnalyzer = analyzer
	return im
}

// NewBleveIndex creates or opens a Bleve index at path, analysing text with the
// given language. An empty path builds an in-memory index.
// An existing index keeps the mapping it was created with; run a reindex after
// changing the language.
func NewBleveIndex(path, language string) (*BleveIndex, error) {
	analyzer, err := AnalyzerFor(language)
	if err != nil {
		return nil, err
	}
	b := &BleveIndex{path: path, mapping: buildMapping(analyzer)}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			index, openErr := bleve.Open(path)
			if openErr != nil {
				return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
			}
			b.index = index
			return b, nil
		}
	}
	if b.index, err = b.create(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BleveIndex) create() (bleve.Index, error) {
	if b.path == "" {
		index, err := bleve.NewMemOnly(b.mapping)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return index, nil
	}
	index, err := bleve.New(b.path, b.mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return index, nil
}

// Reset drops every document by recreating the index with the configured language.
func (b *BleveIndex) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.index.Close(); err != nil {
		return fmt.Errorf("failed to close Bleve index: %w", err)
	}
	if b.path != "" {
		if err := os.RemoveAll(b.path); err != nil {
			return fmt.Errorf("failed to remove Bleve index: %w", err)
		}
	}
	index, err := b.create()
	if err != nil {
		return err
	}
	b.index = index
	return nil
}

// Index indexes chunks by id in a single batch.
func (b *BleveIndex) Index(ctx context.Context, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	batch := b.index.NewBatch()
	for _, c := range chunks {
		if err := batch.Index(c.ID, toDoc(c)); err != nil {
			return fmt.Errorf("index chunk %s: %w", c.ID, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve batch failed: %w", err)
	}
	return nil
}

// Delete removes chunks from the index.
func (b *BleveIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("Bleve delete failed: %w", err)
	}
	return nil
}

// Search matches query against content and title and returns up to limit hits by
// relevance. Filters are applied as zero-weight term clauses so they restrict the
// result set without shifting scores.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	titleBoost := 1.0
	var filters models.Filters
	if opts != nil {
		if opts.TitleBoost > 0 {
			titleBoost = opts.TitleBoost
		}
		filters = opts.Filters
	}

	content := bleve.NewMatchQuery(query)
	content.SetField("content")
	title := bleve.NewMatchQuery(query)
	title.SetField("title")
	title.SetBoost(titleBoost)
	var q blevequery.Query = bleve.NewDisjunctionQuery(content, title)
	if clauses := filterClauses(filters); len(clauses) > 0 {
		q = bleve.NewConjunctionQuery(append([]blevequery.Query{q}, clauses...)...)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	b.mu.RLock()
	defer b.mu.RUnlock()
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*KeywordResult, len(results.Hits))
	for i, hit := range results.Hits {
		out[i] = &KeywordResult{ID: hit.ID, Score: hit.Score}
	}
	return out, nil
}

func filterClauses(f models.Filters) []blevequery.Query {
	var out []blevequery.Query
	term := func(field, value string) {
		if value == "" {
			return
		}
		tq := bleve.NewTermQuery(value)
		tq.SetField(field)
		tq.SetBoost(0)
		out = append(out, tq)
	}
	term("source", f.Source)
	term("document_id", f.DocumentID)
	term("url", f.URL)
	if f.DateFrom != "" || f.DateTo != "" {
		inclusive := true
		rq := bleve.NewTermRangeInclusiveQuery(f.DateFrom, f.DateTo, &inclusive, &inclusive)
		rq.SetField("day")
		rq.SetBoost(0)
		out = append(out, rq)
	}
	return out
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index.Close()
}

// DocCount returns the total number of chunks in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index.DocCount()
}
