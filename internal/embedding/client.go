package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hyperjump/shiori/internal/metrics"
	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/pkg/utils"
)

// Result is the outcome for one input of EmbedMany: a vector or a typed failure.
type Result struct {
	Vector []float32
	Err    error
}

// ClientConfig holds the client-side policy around the transport.
type ClientConfig struct {
	Dimensions        int
	BatchSize         int
	Concurrency       int
	RequestsPerSecond float64
	CacheSize         int
	CacheTTL          time.Duration
	Retry             RetryPolicy
}

// Client embeds text through an Embedder with caching, batching, bounded concurrency,
// rate limiting and retries.
type Client struct {
	embedder Embedder
	cfg      ClientConfig
	cache    *Cache
	remote   RemoteCache
	retrier  *Retrier
	limiter  *rate.Limiter
	logger   *zap.Logger
	metrics  *metrics.Metrics
	apiCalls atomic.Int64

	retryOpts []RetryOption
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets a logger for cache, retry and fallback events.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = utils.OrNop(l) }
}

// WithMetrics records cache and retry counters on m.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithRemoteCache adds a second cache tier consulted after the in-process cache.
func WithRemoteCache(rc RemoteCache) ClientOption {
	return func(c *Client) { c.remote = rc }
}

// WithRetryOptions passes options to the client's Retrier.
func WithRetryOptions(opts ...RetryOption) ClientOption {
	return func(c *Client) { c.retryOpts = append(c.retryOpts, opts...) }
}

// NewClient wraps embedder. Zero config fields take defaults.
func NewClient(embedder Embedder, cfg ClientConfig, opts ...ClientOption) *Client {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = embedder.Dimensions()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	c := &Client{
		embedder: embedder,
		cfg:      cfg,
		cache:    NewCache(cfg.CacheSize, cfg.CacheTTL),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(math.Ceil(cfg.RequestsPerSecond))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	c.retrier = NewRetrier(cfg.Retry, append([]RetryOption{WithRetryLogger(c.logger), WithRetryMetrics(c.metrics)}, c.retryOpts...)...)
	return c
}

// Embed returns the vector for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	r := c.EmbedMany(ctx, []string{text})[0]
	return r.Vector, r.Err
}

// EmbedMany returns one Result per input, in input order. One failing input never
// fails the others. Cached inputs skip the network; identical inputs are sent once.
func (c *Client) EmbedMany(ctx context.Context, texts []string) []Result {
	results := make([]Result, len(texts))
	pending := make(map[string][]int)
	var order []string

	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			results[i].Err = models.Validationf("embed", "input %d is empty", i)
			continue
		}
		key := CacheKey(t)
		if v, ok := c.cache.Get(key); ok {
			c.metrics.EmbeddingCache("memory", true)
			results[i].Vector = v
			continue
		}
		if _, seen := pending[key]; !seen {
			c.metrics.EmbeddingCache("memory", false)
			order = append(order, key)
		}
		pending[key] = append(pending[key], i)
	}

	order = c.fillFromRemote(ctx, order, pending, results)
	if len(order) == 0 {
		return results
	}

	batchIn := make([]string, len(order))
	for j, key := range order {
		batchIn[j] = texts[pending[key][0]]
	}
	batchOut := make([]Result, len(order))

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for start := 0; start < len(batchIn); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(batchIn))
		g.Go(func() error {
			copy(batchOut[start:end], c.embedBatch(ctx, batchIn[start:end]))
			return nil
		})
	}
	_ = g.Wait()

	fresh := make(map[string][]float32)
	for j, key := range order {
		r := batchOut[j]
		if r.Err == nil {
			c.cache.Set(key, r.Vector)
			fresh[key] = r.Vector
		}
		for _, i := range pending[key] {
			results[i] = r
		}
	}
	if c.remote != nil && len(fresh) > 0 {
		if err := c.remote.SetMany(ctx, fresh); err != nil {
			c.logger.Warn("remote embedding cache write failed", zap.Error(err))
		}
	}
	return results
}

// fillFromRemote resolves keys from the remote tier and returns the keys still missing.
func (c *Client) fillFromRemote(ctx context.Context, order []string, pending map[string][]int, results []Result) []string {
	if c.remote == nil || len(order) == 0 {
		return order
	}
	found, err := c.remote.GetMany(ctx, order)
	if err != nil {
		c.logger.Warn("remote embedding cache read failed", zap.Error(err))
	}
	remaining := make([]string, 0, len(order))
	for _, key := range order {
		v, ok := found[key]
		if !ok || c.validate(v) != nil {
			c.metrics.EmbeddingCache("redis", false)
			remaining = append(remaining, key)
			continue
		}
		c.metrics.EmbeddingCache("redis", true)
		c.cache.Set(key, v)
		for _, i := range pending[key] {
			results[i].Vector = v
		}
	}
	return remaining
}

// embedBatch embeds one batch. If the service rejects the batch permanently, each input
// is retried alone so a single bad input cannot fail its neighbours.
func (c *Client) embedBatch(ctx context.Context, texts []string) []Result {
	out := make([]Result, len(texts))
	var vecs [][]float32
	err := c.call(ctx, "embed_batch", func(ctx context.Context) error {
		v, err := c.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		if len(v) != len(texts) {
			return models.Transient("embed_batch", fmt.Errorf("got %d vectors for %d inputs", len(v), len(texts)))
		}
		vecs = v
		return nil
	})
	switch {
	case err == nil:
		for i, v := range vecs {
			out[i] = Result{Vector: v, Err: c.validate(v)}
		}
	case errors.Is(err, models.ErrPermanentExternal) && len(texts) > 1:
		c.logger.Debug("batch rejected, embedding inputs one by one", zap.Int("inputs", len(texts)), zap.Error(err))
		for i, t := range texts {
			out[i] = c.embedOne(ctx, t)
		}
	default:
		for i := range out {
			out[i].Err = err
		}
	}
	return out
}

func (c *Client) embedOne(ctx context.Context, text string) Result {
	var vec []float32
	err := c.call(ctx, "embed", func(ctx context.Context) error {
		v, err := c.embedder.Embed(ctx, text)
		vec = v
		return err
	})
	if err != nil {
		return Result{Err: err}
	}
	return Result{Vector: vec, Err: c.validate(vec)}
}

// call runs fn under the retry policy. Each attempt waits for the rate limiter.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return c.retrier.Do(ctx, op, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		c.apiCalls.Add(1)
		return fn(ctx)
	})
}

// validate rejects vectors that would corrupt similarity math.
func (c *Client) validate(v []float32) error {
	if len(v) != c.cfg.Dimensions {
		return models.NewError(models.ErrValidation, "embed",
			fmt.Errorf("%w: got %d, want %d", models.ErrDimensionMismatch, len(v), c.cfg.Dimensions))
	}
	if utils.IsZeroVector(v) {
		return models.Validationf("embed", "service returned an all-zero vector")
	}
	return nil
}

// Dimensions returns the vector dimension the client enforces.
func (c *Client) Dimensions() int {
	return c.cfg.Dimensions
}

// APICalls returns how many remote attempts the client has made.
func (c *Client) APICalls() int64 {
	return c.apiCalls.Load()
}

// ClearExpired drops expired entries from the in-process cache.
func (c *Client) ClearExpired() int {
	return c.cache.ClearExpired()
}

// Close releases the transport and the remote cache.
func (c *Client) Close() error {
	if c.remote != nil {
		c.remote.Close()
	}
	return c.embedder.Close()
}
