// Package main is the shiori CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/cli"
	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/indexer"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/internal/server"
	"github.com/hyperjump/shiori/internal/watcher"
	"github.com/hyperjump/shiori/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/shiori/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default and a config.yaml exists
// in the current directory, that file is used instead. Returns the config and the path
// that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// loadDotEnv reads .env from the working directory so ${VAR} references in the
// config can resolve secrets. A missing file is not an error.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}
	if err := loadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	command := os.Args[1]
	args := os.Args[2:]
	switch command {
	case "server":
		runServer(args)
	case "ingest":
		runIngest(args)
	case "query":
		runQuery(args)
	case "status":
		runStatus(args)
	case "history":
		runHistory(args)
	case "cache":
		runCache(args)
	case "reindex":
		runReindex(args)
	case "watch":
		runWatch(args)
	case "version", "--version", "-v":
		fmt.Printf("shiori version %s\n", version)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage(os.Stdout)
		os.Exit(1)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// app is what a local command needs: config, logger and the opened components.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	*Components
}

func openApp(ctx context.Context, configPath string, debug bool) (*app, error) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := utils.NewLogger(cfg.Debug || debug, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &app{cfg: cfg, configPath: resolved, logger: logger, Components: components}, nil
}

func (a *app) Close() {
	if err := a.Components.Close(); err != nil {
		a.logger.Warn("close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (watch events, file ingestion, retries)")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, *configPath, *debug)
	if err != nil {
		fail("%v", err)
	}
	defer a.Close()
	logger := a.logger
	cfg := a.cfg
	logger.Info("config loaded",
		zap.String("config_path", a.configPath),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
	)

	ws := watcher.New(a.Indexer, watcher.Config{
		Roots:      cfg.Watch.Directories,
		Extensions: cfg.Watch.Extensions,
		Recursive:  cfg.Watch.RecursiveOrDefault(),
	},
		watcher.WithLogger(logger),
		watcher.WithResultHook(func(path string, results []*models.IngestResult, err error) {
			if err != nil {
				logger.Warn("inbox file not ingested", zap.String("path", path), zap.Error(err))
				return
			}
			for _, r := range results {
				if !r.Skipped && !r.Complete() {
					logger.Warn("inbox file partially ingested",
						zap.String("path", path),
						zap.String("document_id", r.DocumentID),
						zap.Int("chunks_written", r.ChunksWritten),
						zap.Int("chunks_failed", r.Failed()),
					)
				}
			}
		}),
	)
	if err := ws.Start(ctx); err != nil {
		logger.Error("failed to start watcher", zap.Error(err))
		return
	}
	ws.SyncExistingFiles()

	go pruneLoop(ctx, a, cfg.Search.CacheTTL)

	srv := server.NewServer(a.Engine, a.Indexer, a.Store, cfg, logger,
		server.WithWatch(ws, a.configPath),
		server.WithEmbeddingCache(a.Embeddings),
		server.WithMetrics(a.Metrics),
	)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
		}
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	ws.Stop()
}

// pruneLoop drops expired response and embedding cache entries every interval.
func pruneLoop(ctx context.Context, a *app, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Engine.Prune(ctx)
			if err != nil {
				a.logger.Warn("cache prune failed", zap.Error(err))
				continue
			}
			a.logger.Debug("cache pruned",
				zap.Int64("responses", n),
				zap.Int("embeddings", a.Embeddings.ClearExpired()),
			)
		}
	}
}

func parseFormat(s string) cli.OutputFormat {
	format, err := cli.ParseOutputFormat(s)
	if err != nil {
		fail("%v", err)
	}
	return format
}

func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	outputFormat := fs.String("output", "text", "output format: text, compact or json")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: shiori ingest [flags] <file|directory|->\n\n")
		fmt.Fprintf(fs.Output(), "A .json file (or - for stdin) holds one document, a list, or {\"content\": [...]}.\n")
		fmt.Fprintf(fs.Output(), "Other files become one document each; directories are walked recursively.\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)
	path := fs.Arg(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := openApp(ctx, *configPath, *debug)
	if err != nil {
		fail("%v", err)
	}
	defer a.Close()

	results, err := ingestPath(ctx, a.Indexer, path, os.Stdin)
	if werr := cli.WriteIngestResults(os.Stdout, results, format); werr != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", werr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		a.Close()
		os.Exit(1)
	}
	if !allIngested(results) {
		a.Close()
		os.Exit(2)
	}
}

// ingestPath ingests a file, a directory, or JSON inputs from stdin when path is "-".
func ingestPath(ctx context.Context, idx *indexer.Indexer, path string, stdin io.Reader) ([]*models.IngestResult, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		inputs, err := indexer.ParseInputs(data)
		if err != nil {
			return nil, models.NewError(models.ErrValidation, "parse_inputs", err)
		}
		return idx.IngestBatch(ctx, inputs)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return idx.IngestDirectory(ctx, path)
	}
	return idx.IngestFile(ctx, path)
}

func allIngested(results []*models.IngestResult) bool {
	for _, r := range results {
		if !r.Skipped && !r.Complete() {
			return false
		}
	}
	return true
}

// buildQueryText joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildQueryText(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// argsReorder moves flags that appear after the query to the front so that
// flag.Parse sees them; the flag package stops at the first non-flag argument.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func printQueryUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: shiori query [flags] <text>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  shiori query kopi susu gula aren
  shiori query --mode text --k 5 "harga beras"
  shiori query --source blog --from 2024-01-01 inflasi
  shiori query --weight 0.3 --output json "banjir jakarta"
`)
}

func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	k := fs.Int("k", 0, "number of results (0 = configured default)")
	mode := fs.String("mode", "", "hybrid, vector or text (default hybrid)")
	weight := fs.Float64("weight", -1, "hybrid vector weight in [0,1] (negative = configured default)")
	source := fs.String("source", "", "only chunks from this source")
	document := fs.String("document", "", "only chunks of this document id")
	pageURL := fs.String("url", "", "only chunks with this URL")
	from := fs.String("from", "", "only chunks dated on or after YYYY-MM-DD")
	to := fs.String("to", "", "only chunks dated on or before YYYY-MM-DD")
	minSimilarity := fs.Float64("min-similarity", 0, "drop vector hits below this cosine similarity")
	outputFormat := fs.String("output", "text", "output format: text, compact or json")
	fs.Usage = func() { printQueryUsage(fs) }
	_ = fs.Parse(argsReorder(args))

	text := buildQueryText(fs.Args())
	if text == "" {
		printQueryUsage(fs)
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)

	q := &models.Query{
		Text: text,
		K:    *k,
		Mode: models.SearchMode(*mode),
		Filters: models.Filters{
			Source:        *source,
			DocumentID:    *document,
			URL:           *pageURL,
			DateFrom:      *from,
			DateTo:        *to,
			MinSimilarity: *minSimilarity,
		},
	}
	if *weight >= 0 {
		w := *weight
		q.HybridWeight = &w
	}

	var resp *models.Response
	if *serverURL != "" {
		var err error
		resp, err = newAPIClient(*serverURL).Query(q)
		if err != nil {
			fail("Query failed: %v", err)
		}
	} else {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := openApp(ctx, *configPath, false)
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()
		resp, err = a.Engine.Query(ctx, q)
		if err != nil {
			a.Close()
			fail("Query failed: %v", err)
		}
	}
	if err := cli.WriteQueryResponse(os.Stdout, resp, format); err != nil {
		fail("Output failed: %v", err)
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(args)
	format := parseFormat(*outputFormat)

	var stats *models.Stats
	if *serverURL != "" {
		var err error
		stats, err = newAPIClient(*serverURL).Stats()
		if err != nil {
			fail("Status failed: %v", err)
		}
	} else {
		ctx := context.Background()
		a, err := openApp(ctx, *configPath, false)
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()
		stats, err = a.Store.Stats(ctx)
		if err != nil {
			a.Close()
			fail("Status failed: %v", err)
		}
	}
	if err := cli.WriteStats(os.Stdout, stats, format); err != nil {
		fail("Output failed: %v", err)
	}
}

func runHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	offset := fs.Int("offset", 0, "records to skip")
	limit := fs.Int("limit", 20, "records to show")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(args)
	format := parseFormat(*outputFormat)

	var records []*models.HistoryRecord
	if *serverURL != "" {
		var err error
		records, err = newAPIClient(*serverURL).History(*offset, *limit)
		if err != nil {
			fail("History failed: %v", err)
		}
	} else {
		ctx := context.Background()
		a, err := openApp(ctx, *configPath, false)
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()
		records, err = a.Engine.History(ctx, *offset, *limit)
		if err != nil {
			a.Close()
			fail("History failed: %v", err)
		}
	}
	if err := cli.WriteHistory(os.Stdout, records, format); err != nil {
		fail("Output failed: %v", err)
	}
}

func runCache(args []string) {
	if len(args) < 1 || args[0] != "prune" {
		fmt.Println("Usage: shiori cache prune [--server URL | --config path]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("cache prune", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	_ = fs.Parse(args[1:])

	var (
		responses  int64
		embeddings int
	)
	if *serverURL != "" {
		var err error
		responses, embeddings, err = newAPIClient(*serverURL).PruneCache()
		if err != nil {
			fail("Prune failed: %v", err)
		}
	} else {
		ctx := context.Background()
		a, err := openApp(ctx, *configPath, false)
		if err != nil {
			fail("%v", err)
		}
		defer a.Close()
		responses, err = a.Engine.Prune(ctx)
		if err != nil {
			a.Close()
			fail("Prune failed: %v", err)
		}
		embeddings = a.Embeddings.ClearExpired()
	}
	fmt.Printf("Deleted %d expired responses and %d expired embeddings\n", responses, embeddings)
}

func runReindex(args []string) {
	fs := flag.NewFlagSet("reindex", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := openApp(ctx, *configPath, *debug)
	if err != nil {
		fail("%v", err)
	}
	defer a.Close()

	start := time.Now()
	if err := a.Store.Reindex(ctx); err != nil {
		a.Close()
		fail("Reindex failed: %v", err)
	}
	stats, err := a.Store.Stats(ctx)
	if err != nil {
		a.Close()
		fail("Reindex finished but status failed: %v", err)
	}
	fmt.Printf("Reindexed %d chunks in %s (vector index %d, text index %d)\n",
		stats.Chunks, time.Since(start).Round(time.Millisecond), stats.VectorIndexSize, stats.TextIndexSize)
}

func runWatch(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: shiori watch <add|remove|list> [path]")
		fmt.Println("  shiori watch add <path>     Add an inbox directory")
		fmt.Println("  shiori watch remove <path>  Stop watching a directory")
		fmt.Println("  shiori watch list           List watched directories")
		os.Exit(1)
	}
	sub := args[0]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(args[1:])
	api := newAPIClient(*serverURL)

	switch sub {
	case "add", "remove":
		if fs.NArg() < 1 {
			fail("Usage: shiori watch %s <path>", sub)
		}
		path, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			fail("Invalid path: %v", err)
		}
		if sub == "add" {
			err = api.AddWatchDirectory(path)
		} else {
			err = api.RemoveWatchDirectory(path)
		}
		if err != nil {
			fail("Watch %s failed: %v", sub, err)
		}
		if sub == "add" {
			fmt.Printf("Added: %s\n", path)
		} else {
			fmt.Printf("Removed: %s\n", path)
		}
	case "list":
		dirs, err := api.WatchDirectories()
		if err != nil {
			fail("List failed: %v", err)
		}
		for _, d := range dirs {
			fmt.Println(d)
		}
	default:
		fail("Unknown watch subcommand: %s", sub)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `shiori - retrieval core for hybrid document search

Usage:
  shiori server [flags]                 Start the HTTP server and inbox watcher
  shiori ingest [flags] <file|dir|->    Chunk, embed and store documents
  shiori query [flags] <text>           Search stored chunks
  shiori status [flags]                 Show store statistics
  shiori history [flags]                List recent queries
  shiori cache prune [flags]            Delete expired cache entries
  shiori reindex [flags]                Rebuild the vector and text indexes
  shiori watch <add|remove|list>        Manage inbox directories on a running server
  shiori version                        Show version
  shiori help                           Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/shiori/config.yaml,
                     or ./config.yaml when present)
  --server string    Server URL for query, status, history and cache (default: http://localhost:8080).
                     Use --server "" to open the store directly when no server is running.
  --output string    text, compact or json

Query Flags:
  --k int                 Number of results (default from config)
  --mode string           hybrid, vector or text
  --weight float          Vector weight for hybrid fusion, 0..1
  --source, --document, --url string
  --from, --to string     Date range, YYYY-MM-DD, inclusive
  --min-similarity float  Cosine similarity floor for vector hits

Examples:
  shiori server
  shiori ingest ./articles.json
  shiori ingest ./notes
  cat docs.json | shiori ingest -
  shiori query "harga beras naik"
  shiori query --mode text --output json banjir
  shiori history --limit 5
  shiori cache prune
  shiori watch add ~/inbox`)
}
