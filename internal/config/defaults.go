package config

import "time"

const (
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"

	IndexTypeHNSW  = "hnsw"
	IndexTypeExact = "exact"

	FilterPolicyPre  = "pre"
	FilterPolicyPost = "post"
)

const (
	DefaultChunkSize    = 2000
	DefaultChunkOverlap = 500
	DefaultHybridWeight = 0.7
)

// DefaultSeparators are tried coarsest first: paragraph, line, sentence, word.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " "}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/shiori/data/db/shiori.db"
	}
	if cfg.Storage.TextIndexPath == "" {
		cfg.Storage.TextIndexPath = "/usr/local/var/shiori/data/indices/text"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = "/usr/local/var/shiori/data/indices/vectors.hnsw"
	}

	e := &cfg.Embedding
	if e.Provider == "" {
		e.Provider = ProviderOpenAI
	}
	if e.Model == "" {
		e.Model = "text-embedding-004"
	}
	if e.Dimensions == 0 {
		e.Dimensions = 768
	}
	if e.BatchSize == 0 {
		e.BatchSize = 20
	}
	if e.Concurrency == 0 {
		e.Concurrency = 4
	}
	if e.MaxRetryAttempts == 0 {
		e.MaxRetryAttempts = 6
	}
	if e.RetryInitialWait == 0 {
		e.RetryInitialWait = time.Second
	}
	if e.RetryMaxWait == 0 {
		e.RetryMaxWait = 60 * time.Second
	}
	if e.Timeout == 0 {
		e.Timeout = 30 * time.Second
	}
	if e.CacheSize == 0 {
		e.CacheSize = 10000
	}
	if e.CacheTTL == 0 {
		e.CacheTTL = time.Hour
	}
	if e.Redis.TTL == 0 {
		e.Redis.TTL = 7 * 24 * time.Hour
	}

	if cfg.Chunking.ChunkSize == 0 {
		cfg.Chunking.ChunkSize = DefaultChunkSize
	}
	if cfg.Chunking.ChunkOverlap == nil {
		ov := DefaultChunkOverlap
		if ov >= cfg.Chunking.ChunkSize {
			ov = cfg.Chunking.ChunkSize / 4
		}
		cfg.Chunking.ChunkOverlap = &ov
	}
	if len(cfg.Chunking.Separators) == 0 {
		cfg.Chunking.Separators = append([]string(nil), DefaultSeparators...)
	}

	if cfg.Index.Type == "" {
		cfg.Index.Type = IndexTypeHNSW
	}
	if cfg.Index.M == 0 {
		cfg.Index.M = 16
	}
	if cfg.Index.EfConstruction == 0 {
		cfg.Index.EfConstruction = 200
	}
	if cfg.Index.EfSearch == 0 {
		cfg.Index.EfSearch = 64
	}
	if cfg.Index.Seed == 0 {
		cfg.Index.Seed = 42
	}

	s := &cfg.Search
	if s.DefaultK == 0 {
		s.DefaultK = 10
	}
	if s.MaxK == 0 {
		s.MaxK = 100
	}
	if s.HybridWeight == nil {
		w := DefaultHybridWeight
		s.HybridWeight = &w
	}
	if s.CacheTTL == 0 {
		s.CacheTTL = time.Hour
	}
	if s.CandidateMultiplier == 0 {
		s.CandidateMultiplier = 2
	}
	if s.RecallK == 0 {
		s.RecallK = 50
	}
	if s.FilterPolicy == "" {
		s.FilterPolicy = FilterPolicyPre
	}
	if s.TextLanguage == "" {
		s.TextLanguage = "es"
	}
	if s.TitleBoost == 0 {
		s.TitleBoost = 2.0
	}

	if cfg.Ingest.UpsertBatchSize == 0 {
		cfg.Ingest.UpsertBatchSize = 100
	}
	if cfg.Ingest.Extensions == nil {
		cfg.Ingest.Extensions = []string{".json", ".txt", ".md"}
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = cfg.Ingest.Extensions
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
