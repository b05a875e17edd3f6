package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/server"
)

func TestArgsReorder(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags after query are moved first",
			args:     []string{"harga beras", "-k", "5"},
			expected: []string{"-k", "5", "harga beras"},
		},
		{
			name:     "flags first returns unchanged",
			args:     []string{"-k", "5", "harga beras"},
			expected: []string{"-k", "5", "harga beras"},
		},
		{
			name:     "query only returns unchanged",
			args:     []string{"harga beras"},
			expected: []string{"harga beras"},
		},
		{
			name:     "empty args returns unchanged",
			args:     []string{},
			expected: []string{},
		},
		{
			name:     "multiple positionals then flags",
			args:     []string{"one", "two", "-mode", "text"},
			expected: []string{"-mode", "text", "one", "two"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := argsReorder(tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("argsReorder() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBuildQueryText(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{"single word", []string{"banjir"}, "banjir"},
		{"multiple words", []string{"harga", "beras"}, "harga beras"},
		{"single quoted phrase", []string{"harga beras"}, "harga beras"},
		{"empty args", []string{}, ""},
		{"blank args", []string{"  ", "  "}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildQueryText(tt.args)
			if got != tt.expected {
				t.Errorf("buildQueryText(%v) = %q, want %q", tt.args, got, tt.expected)
			}
		})
	}
}

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  host: "localhost"
  port: 8080
storage:
  database_path: "./test.db"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	// On macOS, cwd can be /private/var/... while t.TempDir() is /var/...; compare canonical paths.
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s (canon %s), want %s (canon %s)", resolved, resolvedCanon, configPath, configPathCanon)
	}
	if !cfg.Debug {
		t.Error("debug should be true from cwd config.yaml")
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, loadDotEnv(), "missing .env is not an error")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SHIORI_TEST_KEY=from-dotenv\n"), 0600))
	t.Setenv("SHIORI_TEST_KEY", "")
	require.NoError(t, os.Unsetenv("SHIORI_TEST_KEY"))
	require.NoError(t, loadDotEnv())
	assert.Equal(t, "from-dotenv", os.Getenv("SHIORI_TEST_KEY"))
}

// writeTestConfig writes a config using the mock embedder with every store under dir.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	content := fmt.Sprintf(`
embedding:
  provider: mock
  dimensions: 8
chunking:
  chunk_size: 200
  chunk_overlap: 20
index:
  type: exact
storage:
  database_path: %q
  text_index_path: %q
  vector_index_path: %q
`, filepath.Join(dir, "db", "shiori.db"), filepath.Join(dir, "indices", "text"), filepath.Join(dir, "indices", "vectors.hnsw"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func openTestApp(t *testing.T) *app {
	t.Helper()
	dir := t.TempDir()
	a, err := openApp(context.Background(), writeTestConfig(t, dir), false)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestIngestPathAndQuery(t *testing.T) {
	a := openTestApp(t)
	ctx := context.Background()

	docs := t.TempDir()
	notes := filepath.Join(docs, "kopi.md")
	require.NoError(t, os.WriteFile(notes, []byte("Es kopi susu dengan gula aren sedang populer di Jakarta."), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "ignored.bin"), []byte{0, 1, 2}, 0600))

	results, err := ingestPath(ctx, a.Indexer, docs, nil)
	require.NoError(t, err)
	require.Len(t, results, 1, "only allowed extensions are walked")
	assert.True(t, allIngested(results))
	assert.Equal(t, 1, results[0].ChunksWritten)

	again, err := ingestPath(ctx, a.Indexer, notes, nil)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.True(t, again[0].Skipped, "unchanged file is skipped")

	stdin := strings.NewReader(`[{"id":"a1","text":"Harga beras naik menjelang lebaran.","source":"news"}]`)
	fromStdin, err := ingestPath(ctx, a.Indexer, "-", stdin)
	require.NoError(t, err)
	require.Len(t, fromStdin, 1)
	assert.True(t, fromStdin[0].Complete())

	resp, err := a.Engine.Query(ctx, &models.Query{Text: "harga beras", Mode: models.ModeText, K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "news", resp.Results[0].Source)

	stats, err := a.Store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Chunks)
}

func TestIngestPath_badStdin(t *testing.T) {
	a := openTestApp(t)
	_, err := ingestPath(context.Background(), a.Indexer, "-", strings.NewReader("not json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestAllIngested(t *testing.T) {
	assert.True(t, allIngested(nil))
	assert.True(t, allIngested([]*models.IngestResult{{ChunksTotal: 1, ChunksWritten: 1}, {Skipped: true}}))
	assert.False(t, allIngested([]*models.IngestResult{{ChunksTotal: 2, ChunksWritten: 1}}))
	assert.False(t, allIngested([]*models.IngestResult{{Error: "boom"}}))
}

func TestAPIClient(t *testing.T) {
	a := openTestApp(t)
	ctx := context.Background()
	_, err := a.Indexer.IngestBatch(ctx, []*models.DocumentInput{
		{ID: "b1", Text: "Banjir melanda Jakarta setelah hujan deras semalam.", Source: "news"},
	})
	require.NoError(t, err)

	srv := server.NewServer(a.Engine, a.Indexer, a.Store, a.cfg, a.logger, server.WithEmbeddingCache(a.Embeddings))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	api := newAPIClient(ts.URL + "/")

	resp, err := api.Query(&models.Query{Text: "banjir jakarta", K: 3})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "b1", resp.Results[0].DocumentID)

	stats, err := api.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)

	records, err := api.History(0, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "banjir jakarta", records[0].QueryText)

	_, _, err = api.PruneCache()
	require.NoError(t, err)

	_, err = api.Query(&models.Query{Text: "  "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server returned 400")

	_, err = api.WatchDirectories()
	require.Error(t, err, "watch is not enabled on this server")
}

func TestReopenKeepsIndexes(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir)
	ctx := context.Background()

	a, err := openApp(ctx, configPath, false)
	require.NoError(t, err)
	_, err = a.Indexer.IngestBatch(ctx, []*models.DocumentInput{
		{ID: "r1", Text: "Kereta cepat Jakarta Bandung mulai beroperasi.", Source: "news"},
		{ID: "r2", Text: "Resep rendang daging sapi khas Padang.", Source: "blog"},
	})
	require.NoError(t, err)
	a.Close()

	b, err := openApp(ctx, configPath, false)
	require.NoError(t, err)
	defer b.Close()

	stats, err := b.Store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Chunks)
	assert.Equal(t, 2, stats.VectorIndexSize)
	assert.Equal(t, 2, stats.TextIndexSize)

	resp, err := b.Engine.Query(ctx, &models.Query{Text: "rendang padang", Mode: models.ModeText, K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "r2", resp.Results[0].DocumentID)

	require.NoError(t, b.Store.Reindex(ctx))
	resp, err = b.Engine.Query(ctx, &models.Query{Text: "Kereta cepat Jakarta Bandung mulai beroperasi.", Mode: models.ModeVector, K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "r1", resp.Results[0].DocumentID)
}
