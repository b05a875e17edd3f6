package indexer

import (
	"strings"
	"testing"

	"github.com/hyperjump/shiori/internal/models"
)

type piece struct {
	pos  int
	text string
}

func collect(c *Chunker, text string) []piece {
	var out []piece
	for pos, s := range c.Split(text) {
		out = append(out, piece{pos, s})
	}
	return out
}

func TestChunker_SplitPlainProse(t *testing.T) {
	c := NewChunker(100, 20)
	got := collect(c, strings.Repeat("a", 250))
	want := [][2]int{{0, 100}, {80, 180}, {160, 250}}
	if len(got) != len(want) {
		t.Fatalf("expected %d pieces, got %d", len(want), len(got))
	}
	for i, w := range want {
		if got[i].pos != w[0] || got[i].pos+len(got[i].text) != w[1] {
			t.Errorf("piece %d: got [%d,%d), want [%d,%d)", i, got[i].pos, got[i].pos+len(got[i].text), w[0], w[1])
		}
	}
}

func TestChunker_SplitEdgeCases(t *testing.T) {
	c := NewChunker(100, 20)
	if got := collect(c, ""); len(got) != 0 {
		t.Errorf("empty input should give no pieces, got %d", len(got))
	}
	short := "short text. with a sentence"
	got := collect(c, short)
	if len(got) != 1 || got[0].pos != 0 || got[0].text != short {
		t.Errorf("short input should be one piece, got %+v", got)
	}
}

func TestChunker_PrefersCoarsestBoundary(t *testing.T) {
	c := NewChunker(20, 5)
	got := collect(c, "aaaa bbbb.\n\ncccc dddd eeee ffff")
	if !strings.HasSuffix(got[0].text, "\n\n") {
		t.Errorf("first piece should end at the paragraph break, got %q", got[0].text)
	}
}

func TestChunker_BoundaryTooCloseFallsBack(t *testing.T) {
	c := NewChunker(20, 5)
	got := collect(c, "a\n\n"+strings.Repeat("b", 40))
	if len([]rune(got[0].text)) != 20 {
		t.Errorf("expected hard cut at 20, got %q", got[0].text)
	}
}

func TestChunker_CoverageAndOverlap(t *testing.T) {
	texts := []string{
		strings.Repeat("lorem ipsum dolor sit amet. ", 60),
		strings.Repeat("línea con acentos y eñes\n", 40),
		strings.Repeat("párrafo uno.\n\n", 30) + strings.Repeat("x", 333),
	}
	for _, size := range []int{17, 64, 100} {
		for _, overlap := range []int{0, 5, 16} {
			c := NewChunker(size, overlap)
			for _, text := range texts {
				runes := []rune(text)
				got := collect(c, text)
				var rebuilt []rune
				end := 0
				for i, p := range got {
					pr := []rune(p.text)
					if len(pr) > size {
						t.Fatalf("size=%d piece %d longer than chunk size: %d", size, i, len(pr))
					}
					if p.pos > end {
						t.Fatalf("size=%d overlap=%d gap before piece %d", size, overlap, i)
					}
					if ov := end - p.pos; ov > overlap {
						t.Fatalf("size=%d piece %d overlaps by %d > %d", size, i, ov, overlap)
					}
					rebuilt = append(rebuilt, pr[end-p.pos:]...)
					end = p.pos + len(pr)
				}
				if string(rebuilt) != string(runes) {
					t.Fatalf("size=%d overlap=%d: pieces do not reconstruct the input", size, overlap)
				}
			}
		}
	}
}

func TestChunker_SplitIsRestartable(t *testing.T) {
	c := NewChunker(30, 10)
	seq := c.Split(strings.Repeat("word ", 40))
	first := 0
	for range seq {
		first++
	}
	second := 0
	for range seq {
		second++
	}
	if first == 0 || first != second {
		t.Errorf("ranging twice gave %d and %d pieces", first, second)
	}
	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("early break should stop the sequence")
	}
}

func TestChunker_Chunk(t *testing.T) {
	c := NewChunker(40, 10)
	in := &models.DocumentInput{
		ID:       "doc1",
		Text:     strings.Repeat("uno dos tres cuatro cinco. ", 10),
		Source:   "web",
		URL:      "https://example.com/a",
		Metadata: map[string]any{"lang": "es"},
	}
	chunks := c.Chunk(in)
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.DocumentID != "doc1" || ch.Source != "web" || ch.URL != in.URL {
			t.Errorf("chunk %d fields not copied: %+v", i, ch)
		}
		if ch.ChunkIndex != i {
			t.Errorf("chunk %d ChunkIndex=%d", i, ch.ChunkIndex)
		}
		if ch.Metadata["total_chunks"] != len(chunks) || ch.Metadata["lang"] != "es" {
			t.Errorf("chunk %d metadata: %v", i, ch.Metadata)
		}
		if ch.ID == "" || ch.ContentHash == "" {
			t.Error("chunk ID and hash should be set")
		}
	}
	if _, ok := in.Metadata["chunk_index"]; ok {
		t.Error("input metadata must not be mutated")
	}

	again := c.Chunk(in)
	for i := range chunks {
		if chunks[i].ID != again[i].ID {
			t.Fatalf("chunk %d id changed between runs", i)
		}
	}
}

func TestChunker_ChunkPositionSkipsLeadingWhitespace(t *testing.T) {
	c := NewChunker(14, 0)
	text := "one two\n\n   three four\n\n   five six"
	chunks := c.Chunk(&models.DocumentInput{ID: "doc1", Text: text, Source: "web"})
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	runes := []rune(Preprocess(text))
	for _, ch := range chunks {
		n := len([]rune(ch.Content))
		if got := string(runes[ch.Position : ch.Position+n]); got != ch.Content {
			t.Errorf("position %d points at %q, content is %q", ch.Position, got, ch.Content)
		}
	}
	if chunks[1].Position != 12 || chunks[2].Position != 27 {
		t.Errorf("positions = %d, %d; want 12, 27", chunks[1].Position, chunks[2].Position)
	}
}

func TestChunker_ChunkUnregisteredUsesURL(t *testing.T) {
	c := NewChunker(100, 10)
	a := c.Chunk(&models.DocumentInput{Text: "same text", URL: "https://a"})
	b := c.Chunk(&models.DocumentInput{Text: "same text", URL: "https://b"})
	if a[0].DocumentID != "" {
		t.Error("unregistered chunk should have no document id")
	}
	if a[0].ID == b[0].ID {
		t.Error("different urls should give different chunk ids")
	}
}

func TestChunker_ChunkEmpty(t *testing.T) {
	c := NewChunker(5, 1)
	chunks := c.Chunk(&models.DocumentInput{ID: "d", Text: "   \n\t  "})
	if chunks != nil {
		t.Errorf("empty text should return nil, got %v", chunks)
	}
}

func TestPreprocess(t *testing.T) {
	if got := Preprocess("  a\r\nb\r\n\r\nc\x00  "); got != "a\nb\n\nc" {
		t.Errorf("got %q", got)
	}
}

func BenchmarkChunker_Chunk(b *testing.B) {
	text := strings.Repeat("Harga beras naik menjelang lebaran. Pedagang di pasar mengeluh.\n\n", 400)
	c := NewChunker(2000, 500)
	in := &models.DocumentInput{ID: "bench", Text: text}
	for b.Loop() {
		_ = c.Chunk(in)
	}
}
