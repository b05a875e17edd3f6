package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/shiori/internal/models"
)

type embeddingDatum struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingResponse struct {
	Object string           `json:"object"`
	Data   []embeddingDatum `json:"data"`
	Model  string           `json:"model"`
	Usage  struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func writeEmbeddings(w http.ResponseWriter, data ...embeddingDatum) {
	resp := embeddingResponse{Object: "list", Model: "test-model", Data: data}
	resp.Usage.PromptTokens = 10
	resp.Usage.TotalTokens = 10
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg, "type": "error"},
	})
}

func TestOpenAIEmbedder_EmbedBatchRestoresOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"hello", "world"}, req.Input)
		assert.Equal(t, "test-model", req.Model)

		writeEmbeddings(w,
			embeddingDatum{Object: "embedding", Embedding: []float32{0.3, 0.4}, Index: 1},
			embeddingDatum{Object: "embedding", Embedding: []float32{0.1, 0.2}, Index: 0},
		)
	}))
	defer server.Close()

	emb := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL, Model: "test-model", Dimensions: 2})
	vecs, err := emb.EmbedBatch(context.Background(), []string{"hello", "world"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, float32(0.1), vecs[0][0])
	assert.Equal(t, float32(0.3), vecs[1][0])
}

func TestOpenAIEmbedder_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, models.ErrTransientExternal},
		{"server error", http.StatusBadGateway, models.ErrTransientExternal},
		{"bad request", http.StatusBadRequest, models.ErrPermanentExternal},
		{"unauthorized", http.StatusUnauthorized, models.ErrPermanentExternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeAPIError(w, tt.status, tt.name)
			}))
			defer server.Close()

			emb := NewOpenAIEmbedder(OpenAIConfig{APIKey: "k", BaseURL: server.URL, Model: "m"})
			_, err := emb.Embed(context.Background(), "x")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpenAIEmbedder_ThroughClientRetries(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			writeAPIError(w, http.StatusServiceUnavailable, "overloaded")
			return
		}
		writeEmbeddings(w, embeddingDatum{Object: "embedding", Embedding: []float32{0.6, 0.8}, Index: 0})
	}))
	defer server.Close()

	emb := NewOpenAIEmbedder(OpenAIConfig{APIKey: "k", BaseURL: server.URL, Model: "m", Dimensions: 2})
	c := newTestClient(emb, ClientConfig{Dimensions: 2})

	v, err := c.Embed(context.Background(), "fuga de agua")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, v)
	assert.Equal(t, int32(3), hits.Load())
}
