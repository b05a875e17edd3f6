// Package indexer splits documents into chunks and drives them through embedding into the store.
package indexer

import (
	"iter"
	"maps"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hyperjump/shiori/internal/ident"
	"github.com/hyperjump/shiori/internal/models"
)

// Chunker splits text into overlapping pieces, cutting at the coarsest separator that
// fits. Sizes and positions count runes.
type Chunker struct {
	chunkSize    int
	chunkOverlap int
	separators   []string
}

// ChunkerOption configures a Chunker.
type ChunkerOption func(*Chunker)

// WithSeparators sets the boundary markers, coarsest first.
func WithSeparators(seps ...string) ChunkerOption {
	return func(c *Chunker) {
		c.separators = nil
		for _, s := range seps {
			if s != "" {
				c.separators = append(c.separators, s)
			}
		}
	}
}

// NewChunker creates a chunker with the given size and overlap (in characters).
// Overlap is clamped to [0, chunkSize).
func NewChunker(chunkSize, chunkOverlap int, opts ...ChunkerOption) *Chunker {
	if chunkSize < 1 {
		chunkSize = 1
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize - 1
	}
	c := &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		separators:   []string{"\n\n", "\n", ". ", " "},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Split yields (position, piece) pairs covering text with no gaps. Adjacent pieces
// overlap by at most the configured overlap. The sequence is lazy and each range over
// it starts again from the beginning.
func (c *Chunker) Split(text string) iter.Seq2[int, string] {
	return func(yield func(int, string) bool) {
		runes := []rune(text)
		n := len(runes)
		start := 0
		for start < n {
			if n-start <= c.chunkSize {
				yield(start, string(runes[start:]))
				return
			}
			end := c.boundary(runes, start)
			if !yield(start, string(runes[start:end])) {
				return
			}
			next := end - c.chunkOverlap
			if next <= start {
				next = end
			}
			start = next
		}
	}
}

// boundary returns the end of the piece starting at start: just past the last
// occurrence of the coarsest separator that leaves a piece longer than the overlap,
// or start+chunkSize when none does.
func (c *Chunker) boundary(runes []rune, start int) int {
	window := string(runes[start : start+c.chunkSize])
	for _, sep := range c.separators {
		i := strings.LastIndex(window, sep)
		if i < 0 {
			continue
		}
		pieceLen := utf8.RuneCountInString(window[:i]) + utf8.RuneCountInString(sep)
		if pieceLen > c.chunkOverlap {
			return start + pieceLen
		}
	}
	return start + c.chunkSize
}

// Chunk materializes the chunks of one document input. Blank pieces are dropped. Chunk
// ids derive from the owner (document id, else url, else source), position and content,
// so re-chunking the same text yields the same ids.
func (c *Chunker) Chunk(in *models.DocumentInput) []*models.Chunk {
	text := Preprocess(in.Text)
	owner := chunkOwner(in)
	var chunks []*models.Chunk
	for pos, piece := range c.Split(text) {
		trimmed := strings.TrimLeftFunc(piece, unicode.IsSpace)
		content := strings.TrimRightFunc(trimmed, unicode.IsSpace)
		if content == "" {
			continue
		}
		// position points at the first rune of content, not of the raw piece
		pos += utf8.RuneCountInString(piece[:len(piece)-len(trimmed)])
		hash := ident.ContentHash(content)
		chunks = append(chunks, &models.Chunk{
			ID:          ident.ChunkID(owner, pos, hash),
			DocumentID:  in.ID,
			Position:    pos,
			ChunkIndex:  len(chunks),
			Content:     content,
			ContentHash: hash,
			Source:      in.Source,
			URL:         in.URL,
			Title:       in.Title,
			Date:        in.Date,
		})
	}
	for _, ch := range chunks {
		meta := make(map[string]any, len(in.Metadata)+2)
		maps.Copy(meta, in.Metadata)
		meta["chunk_index"] = ch.ChunkIndex
		meta["total_chunks"] = len(chunks)
		ch.Metadata = meta
	}
	return chunks
}

func chunkOwner(in *models.DocumentInput) string {
	switch {
	case in.ID != "":
		return "doc:" + in.ID
	case in.URL != "":
		return "url:" + in.URL
	default:
		return "source:" + in.Source
	}
}
