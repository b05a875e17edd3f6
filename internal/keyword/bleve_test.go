package keyword

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/shiori/internal/models"
)

func newMemIndex(t *testing.T, language string) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex("", language)
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func ids(rs []*KeywordResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestBleveIndex_SearchFindsContent(t *testing.T) {
	idx := newMemIndex(t, "standard")
	ctx := context.Background()
	chunk := &models.Chunk{
		ID:      "c1",
		Title:   "Informe mensual",
		Content: "This report mentions Omnisyan and other findings. The Bayes app is also referenced.",
	}
	if err := idx.Index(ctx, []*models.Chunk{chunk}); err != nil {
		t.Fatalf("Index: %v", err)
	}

	for _, q := range []string{"Omnisyan", "bayes"} {
		results, err := idx.Search(ctx, q, 10, nil)
		if err != nil {
			t.Fatalf("Search %q: %v", q, err)
		}
		if len(results) != 1 || results[0].ID != "c1" {
			t.Errorf("Search %q = %v", q, ids(results))
		}
	}
}

func TestBleveIndex_TitleBoost(t *testing.T) {
	idx := newMemIndex(t, "standard")
	ctx := context.Background()
	_ = idx.Index(ctx, []*models.Chunk{
		{ID: "body", Title: "Weekly notes", Content: "budget budget review of the budget"},
		{ID: "title", Title: "Budget", Content: "review of the quarter"},
	})

	results, err := idx.Search(ctx, "budget", 10, &SearchOptions{TitleBoost: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[0].ID != "title" {
		t.Errorf("boosted order = %v", ids(results))
	}
}

func TestBleveIndex_Filters(t *testing.T) {
	idx := newMemIndex(t, "standard")
	ctx := context.Background()
	_ = idx.Index(ctx, []*models.Chunk{
		{ID: "a", Content: "river flood warning", Source: "news", DocumentID: "d1", URL: "https://a", Date: "2024-01-10"},
		{ID: "b", Content: "river flood warning", Source: "blog", DocumentID: "d2", URL: "https://b", Date: "2024-02-10T08:00:00Z"},
		{ID: "c", Content: "river flood warning", Source: "news", DocumentID: "d3"},
	})

	cases := []struct {
		name    string
		filters models.Filters
		want    map[string]bool
	}{
		{"none", models.Filters{}, map[string]bool{"a": true, "b": true, "c": true}},
		{"source", models.Filters{Source: "news"}, map[string]bool{"a": true, "c": true}},
		{"document", models.Filters{DocumentID: "d2"}, map[string]bool{"b": true}},
		{"url", models.Filters{URL: "https://a"}, map[string]bool{"a": true}},
		{"from", models.Filters{DateFrom: "2024-02-01"}, map[string]bool{"b": true}},
		{"to inclusive", models.Filters{DateTo: "2024-02-10"}, map[string]bool{"a": true, "b": true}},
		{"range", models.Filters{DateFrom: "2024-01-01", DateTo: "2024-01-31", Source: "news"}, map[string]bool{"a": true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			results, err := idx.Search(ctx, "flood", 10, &SearchOptions{Filters: tc.filters})
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(results) != len(tc.want) {
				t.Fatalf("got %v, want %v", ids(results), tc.want)
			}
			for _, r := range results {
				if !tc.want[r.ID] {
					t.Errorf("unexpected hit %s", r.ID)
				}
			}
		})
	}
}

func TestBleveIndex_FiltersDoNotShiftScores(t *testing.T) {
	idx := newMemIndex(t, "standard")
	ctx := context.Background()
	_ = idx.Index(ctx, []*models.Chunk{
		{ID: "a", Content: "solar panel output", Source: "news"},
		{ID: "b", Content: "wind turbine output", Source: "news"},
	})
	plain, _ := idx.Search(ctx, "solar", 1, nil)
	filtered, _ := idx.Search(ctx, "solar", 1, &SearchOptions{Filters: models.Filters{Source: "news"}})
	if len(plain) != 1 || len(filtered) != 1 {
		t.Fatalf("plain=%v filtered=%v", ids(plain), ids(filtered))
	}
	if filtered[0].Score > plain[0].Score*1.0001 {
		t.Errorf("filter added score: %v > %v", filtered[0].Score, plain[0].Score)
	}
}

func TestBleveIndex_LanguageAnalyzers(t *testing.T) {
	ctx := context.Background()

	en := newMemIndex(t, "en")
	_ = en.Index(ctx, []*models.Chunk{{ID: "en", Content: "The servers were connected yesterday"}})
	if results, _ := en.Search(ctx, "connection", 5, nil); len(results) != 1 {
		t.Errorf("english stemming: got %v", ids(results))
	}

	es := newMemIndex(t, "es")
	_ = es.Index(ctx, []*models.Chunk{{ID: "es", Content: "Los perros duermen en la casa"}})
	if results, _ := es.Search(ctx, "perro", 5, nil); len(results) != 1 {
		t.Errorf("spanish stemming: got %v", ids(results))
	}

	if _, err := NewBleveIndex("", "klingon"); err == nil {
		t.Error("expected error for unsupported language")
	}
}

func TestBleveIndex_ReplaceAndDelete(t *testing.T) {
	idx := newMemIndex(t, "standard")
	ctx := context.Background()
	_ = idx.Index(ctx, []*models.Chunk{{ID: "c1", Content: "onlyinfirst"}, {ID: "c2", Content: "second"}})
	_ = idx.Index(ctx, []*models.Chunk{{ID: "c1", Content: "rewritten"}})

	if n, _ := idx.DocCount(); n != 2 {
		t.Errorf("DocCount=%d, want 2", n)
	}
	if results, _ := idx.Search(ctx, "onlyinfirst", 10, nil); len(results) != 0 {
		t.Errorf("stale content still indexed: %v", ids(results))
	}

	if err := idx.Delete(ctx, []string{"c1", "missing"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if results, _ := idx.Search(ctx, "rewritten", 10, nil); len(results) != 0 {
		t.Errorf("expected 0 results after delete, got %d", len(results))
	}
	if n, _ := idx.DocCount(); n != 1 {
		t.Errorf("DocCount=%d, want 1", n)
	}
}

func TestBleveIndex_ReopensOnDisk(t *testing.T) {
	indexPath := filepath.Join(t.TempDir(), "sub", "bleve")
	ctx := context.Background()

	idx1, err := NewBleveIndex(indexPath, "es")
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	if err := idx1.Index(ctx, []*models.Chunk{{ID: "c1", Content: "palabraunica"}}); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := idx1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(indexPath); err != nil {
		t.Errorf("index path should exist: %v", err)
	}

	idx2, err := NewBleveIndex(indexPath, "es")
	if err != nil {
		t.Fatalf("NewBleveIndex (open existing): %v", err)
	}
	defer idx2.Close()
	results, err := idx2.Search(ctx, "palabraunica", 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("reopened index lost content; got %d results", len(results))
	}
}

func TestBleveIndex_Reset(t *testing.T) {
	ctx := context.Background()
	for _, path := range []string{"", filepath.Join(t.TempDir(), "bleve")} {
		idx, err := NewBleveIndex(path, "standard")
		if err != nil {
			t.Fatalf("NewBleveIndex(%q): %v", path, err)
		}
		_ = idx.Index(ctx, []*models.Chunk{{ID: "c1", Content: "gone soon"}})
		if err := idx.Reset(); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		if n, _ := idx.DocCount(); n != 0 {
			t.Errorf("path %q: DocCount=%d after reset", path, n)
		}
		_ = idx.Index(ctx, []*models.Chunk{{ID: "c2", Content: "fresh"}})
		if results, _ := idx.Search(ctx, "fresh", 5, nil); len(results) != 1 {
			t.Errorf("path %q: index unusable after reset", path)
		}
		_ = idx.Close()
	}
}

func TestBleveIndex_TitleUnderscores(t *testing.T) {
	idx := newMemIndex(t, "standard")
	ctx := context.Background()
	_ = idx.Index(ctx, []*models.Chunk{{ID: "f", Title: "annual_report_2021.md", Content: "figures"}})
	results, err := idx.Search(ctx, "annual report", 5, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("underscored title not searchable: %v", ids(results))
	}
}
