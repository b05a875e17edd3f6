package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hyperjump/shiori/internal/config"
	"github.com/hyperjump/shiori/internal/embedding"
	"github.com/hyperjump/shiori/internal/indexer"
	"github.com/hyperjump/shiori/internal/metrics"
	"github.com/hyperjump/shiori/internal/search"
	"github.com/hyperjump/shiori/internal/store"
)

// Components holds initialized services.
type Components struct {
	Store      *store.Store
	Embeddings *embedding.Client
	Engine     *search.Engine
	Indexer    *indexer.Indexer
	Metrics    *metrics.Metrics
}

// Close flushes the store and releases the embedding transport.
func (c *Components) Close() error {
	var errs []error
	if c.Embeddings != nil {
		errs = append(errs, c.Embeddings.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	return errors.Join(errs...)
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	if err := ensureDirs(cfg); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg, store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	m := metrics.New()
	client := newEmbeddingClient(cfg, logger, m)

	chunker := indexer.NewChunker(
		cfg.Chunking.ChunkSize,
		cfg.Chunking.Overlap(),
		indexer.WithSeparators(cfg.Chunking.Separators...),
	)
	idx := indexer.NewIndexer(st, client, chunker, cfg.Ingest.UpsertBatchSize,
		indexer.WithLogger(logger),
		indexer.WithExtensions(cfg.Ingest.Extensions...),
		indexer.WithMetrics(m),
	)
	engine := search.NewEngine(st, client, cfg.Search, search.WithLogger(logger), search.WithMetrics(m))

	return &Components{
		Store:      st,
		Embeddings: client,
		Engine:     engine,
		Indexer:    idx,
		Metrics:    m,
	}, nil
}

// newEmbeddingClient builds the configured transport and wraps it in the caching,
// retrying client. An unreachable Redis tier is logged and skipped.
func newEmbeddingClient(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *embedding.Client {
	ec := cfg.Embedding
	var transport embedding.Embedder
	switch ec.Provider {
	case config.ProviderMock:
		transport = embedding.NewMockEmbedder(ec.Dimensions)
	default:
		transport = embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:     ec.APIKey,
			BaseURL:    ec.BaseURL,
			Model:      ec.Model,
			Dimensions: ec.Dimensions,
			Timeout:    ec.Timeout,
			Logger:     logger,
			Metrics:    m,
		})
	}

	opts := []embedding.ClientOption{embedding.WithLogger(logger), embedding.WithMetrics(m)}
	if ec.Redis.Enabled() {
		rc, err := embedding.NewRedisCache(embedding.RedisCacheConfig{
			Addrs:     ec.Redis.Addrs,
			Username:  ec.Redis.Username,
			Password:  ec.Redis.Password,
			DB:        ec.Redis.DB,
			TTL:       ec.Redis.TTL,
			Namespace: ec.Model,
		})
		if err != nil {
			logger.Warn("redis embedding cache disabled", zap.Strings("addrs", ec.Redis.Addrs), zap.Error(err))
		} else {
			opts = append(opts, embedding.WithRemoteCache(rc))
		}
	}

	policy := embedding.DefaultRetryPolicy()
	policy.MaxAttempts = ec.MaxRetryAttempts
	policy.InitialWait = ec.RetryInitialWait
	policy.MaxWait = ec.RetryMaxWait

	return embedding.NewClient(transport, embedding.ClientConfig{
		Dimensions:        ec.Dimensions,
		BatchSize:         ec.BatchSize,
		Concurrency:       ec.Concurrency,
		RequestsPerSecond: ec.RequestsPerSecond,
		CacheSize:         ec.CacheSize,
		CacheTTL:          ec.CacheTTL,
		Retry:             policy,
	}, opts...)
}

// ensureDirs creates the parent directories of the on-disk stores.
func ensureDirs(cfg *config.Config) error {
	for _, p := range []string{cfg.Storage.DatabasePath, cfg.Storage.TextIndexPath, cfg.Storage.VectorIndexPath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return nil
}
