// Package metrics holds the Prometheus collectors for embedding, ingestion, queries and HTTP.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shiori"

// Metrics owns one registry and the collectors registered on it. Components take
// a *Metrics at construction; the record methods are no-ops on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	embeddingRequests        *prometheus.CounterVec
	embeddingRequestDuration *prometheus.HistogramVec
	embeddingRetries         prometheus.Counter
	embeddingCache           *prometheus.CounterVec

	ingestStageDuration *prometheus.HistogramVec
	ingestDocuments     *prometheus.CounterVec
	ingestChunks        *prometheus.CounterVec

	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec

	httpRequestDuration *prometheus.HistogramVec
	httpRequests        *prometheus.CounterVec
}

// New creates the collectors and registers them, with the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		embeddingRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_requests_total",
				Help:      "Total number of embedding service calls",
			},
			[]string{"model", "status"},
		),
		embeddingRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "embedding_request_duration_seconds",
				Help:      "Embedding service call duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"model"},
		),
		embeddingRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_retries_total",
				Help:      "Embedding calls retried after a transient failure",
			},
		),
		embeddingCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_cache_total",
				Help:      "Embedding cache lookups by tier and result",
			},
			[]string{"tier", "result"}, // memory|redis, hit|miss
		),

		ingestStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_stage_duration_seconds",
				Help:      "Time spent per ingestion stage",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"stage"}, // chunking, embedding, storage, total
		),
		ingestDocuments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_documents_total",
				Help:      "Documents processed by outcome",
			},
			[]string{"outcome"}, // complete, partial, failed
		),
		ingestChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_chunks_total",
				Help:      "Chunks written or rejected",
			},
			[]string{"result"}, // written, failed
		),

		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Queries by outcome",
			},
			[]string{"outcome"}, // hit, miss, fallback, error
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "Query latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"mode"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.embeddingRequests,
		m.embeddingRequestDuration,
		m.embeddingRetries,
		m.embeddingCache,
		m.ingestStageDuration,
		m.ingestDocuments,
		m.ingestChunks,
		m.queries,
		m.queryDuration,
		m.httpRequestDuration,
		m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EmbeddingRequest records one call to the embedding service.
func (m *Metrics) EmbeddingRequest(model string, took time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.embeddingRequestDuration.WithLabelValues(model).Observe(took.Seconds())
	m.embeddingRequests.WithLabelValues(model, status).Inc()
}

func (m *Metrics) EmbeddingRetry() {
	if m == nil {
		return
	}
	m.embeddingRetries.Inc()
}

// EmbeddingCache counts a cache lookup. tier is memory or redis, hit reports the result.
func (m *Metrics) EmbeddingCache(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.embeddingCache.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) IngestStage(stage string, took time.Duration) {
	if m == nil {
		return
	}
	m.ingestStageDuration.WithLabelValues(stage).Observe(took.Seconds())
}

func (m *Metrics) IngestChunks(result string, n int) {
	if m == nil {
		return
	}
	m.ingestChunks.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) IngestDocument(outcome string) {
	if m == nil {
		return
	}
	m.ingestDocuments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Query(outcome string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueryDuration(mode string, took time.Duration) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(mode).Observe(took.Seconds())
}
