// Package config provides configuration loading and structs for the shiori server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application. Each component receives the
// section it needs at construction; nothing reads configuration globally.
type Config struct {
	Debug     bool            `yaml:"debug"`
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Watch     WatchConfig     `yaml:"watch"`
}

// WatchConfig holds inbox directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig holds paths for the database and both indexes. An empty text index
// path keeps the text index in memory; an empty vector index path disables snapshots.
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path"`
	TextIndexPath   string `yaml:"text_index_path"`
	VectorIndexPath string `yaml:"vector_index_path"`
}

// RedisConfig configures the optional shared embedding cache tier.
type RedisConfig struct {
	Addrs    []string      `yaml:"addrs"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Enabled reports whether any Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return len(r.Addrs) > 0
}

// EmbeddingConfig holds the embedding service client settings.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"` // openai, mock
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Dimensions        int           `yaml:"dimensions"`
	BatchSize         int           `yaml:"batch_size"`
	Concurrency       int           `yaml:"concurrency"`
	MaxRetryAttempts  int           `yaml:"max_retry_attempts"`
	RetryInitialWait  time.Duration `yaml:"retry_initial_wait"`
	RetryMaxWait      time.Duration `yaml:"retry_max_wait"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
	Timeout           time.Duration `yaml:"timeout"`
	CacheSize         int           `yaml:"cache_size"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	Redis             RedisConfig   `yaml:"redis"`
}

// ChunkingConfig holds the splitter settings.
type ChunkingConfig struct {
	ChunkSize    int      `yaml:"chunk_size"`
	ChunkOverlap *int     `yaml:"chunk_overlap"`
	Separators   []string `yaml:"separators"`
}

// Overlap returns the configured overlap, or the default when unset. An explicit 0 is kept.
func (c *ChunkingConfig) Overlap() int {
	if c.ChunkOverlap != nil {
		return *c.ChunkOverlap
	}
	return DefaultChunkOverlap
}

// IndexConfig holds approximate index parameters.
type IndexConfig struct {
	Type           string `yaml:"type"` // hnsw, exact
	M              int    `yaml:"m"`
	EfConstruction int    `yaml:"ef_construction"`
	EfSearch       int    `yaml:"ef_search"`
	Seed           int64  `yaml:"seed"`
}

// SearchConfig holds query engine settings.
type SearchConfig struct {
	DefaultK            int           `yaml:"default_k"`
	MaxK                int           `yaml:"max_k"`
	HybridWeight        *float64      `yaml:"hybrid_weight"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	CandidateMultiplier int           `yaml:"candidate_multiplier"`
	RecallK             int           `yaml:"recall_k"`
	FilterPolicy        string        `yaml:"filter_policy"` // pre, post
	TextLanguage        string        `yaml:"text_language"` // es, en, standard
	TitleBoost          float64       `yaml:"title_boost"`
	RecordHistory       *bool         `yaml:"record_history"`
}

// Weight returns the hybrid vector weight, or the default when unset. An explicit 0 is kept.
func (s *SearchConfig) Weight() float64 {
	if s.HybridWeight != nil {
		return *s.HybridWeight
	}
	return DefaultHybridWeight
}

// RecordHistoryOrDefault returns whether queries are appended to history; defaults to true.
func (s *SearchConfig) RecordHistoryOrDefault() bool {
	if s.RecordHistory != nil {
		return *s.RecordHistory
	}
	return true
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	UpsertBatchSize int      `yaml:"upsert_batch_size"`
	Extensions      []string `yaml:"extensions"`
}

// Load reads the config file at path, substitutes ${VAR} and ${VAR:-default} from the
// environment, applies defaults, expands paths and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.TextIndexPath = expandPath(cfg.Storage.TextIndexPath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the ranges of the configuration surface.
func (c *Config) Validate() error {
	var errs []error
	if c.Chunking.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunking.chunk_size must be > 0, got %d", c.Chunking.ChunkSize))
	}
	if ov := c.Chunking.Overlap(); ov < 0 || ov >= c.Chunking.ChunkSize {
		errs = append(errs, fmt.Errorf("chunking.chunk_overlap must be in [0, chunk_size), got %d", ov))
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must be > 0, got %d", c.Embedding.Dimensions))
	}
	if c.Embedding.MaxRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("embedding.max_retry_attempts must be >= 1, got %d", c.Embedding.MaxRetryAttempts))
	}
	switch c.Embedding.Provider {
	case ProviderOpenAI, ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("embedding.provider must be %q or %q, got %q", ProviderOpenAI, ProviderMock, c.Embedding.Provider))
	}
	if c.Search.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("search.cache_ttl must be > 0, got %s", c.Search.CacheTTL))
	}
	if c.Search.DefaultK <= 0 {
		errs = append(errs, fmt.Errorf("search.default_k must be > 0, got %d", c.Search.DefaultK))
	}
	if w := c.Search.Weight(); w < 0 || w > 1 {
		errs = append(errs, fmt.Errorf("search.hybrid_weight must be in [0, 1], got %v", w))
	}
	switch c.Search.FilterPolicy {
	case FilterPolicyPre, FilterPolicyPost:
	default:
		errs = append(errs, fmt.Errorf("search.filter_policy must be %q or %q, got %q", FilterPolicyPre, FilterPolicyPost, c.Search.FilterPolicy))
	}
	switch c.Index.Type {
	case IndexTypeHNSW, IndexTypeExact:
	default:
		errs = append(errs, fmt.Errorf("index.type must be %q or %q, got %q", IndexTypeHNSW, IndexTypeExact, c.Index.Type))
	}
	return errors.Join(errs...)
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		name, def, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(name)
		if val == "" && hasDefault {
			val = def
		}
		return []byte(val)
	})
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. Empty paths stay empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
