package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jinford/docpipe/internal/module/llm/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// embeddingServer は /embeddings に固定のレスポンスを返すテスト用サーバーです
func embeddingServer(t *testing.T, status int, vector []float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "rejected", "type": "invalid_request_error"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "test-embedding",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": vector},
			},
			"usage": map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewOpenAIEmbedder_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIEmbedder("", "", "text-embedding-3-small", "1", 3)
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	srv := embeddingServer(t, http.StatusOK, []float64{0.1, 0.2, 0.3})
	e, err := NewOpenAIEmbedder("sk-test", srv.URL+"/v1/", "test-embedding", "2", 3)
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, vec, 1e-6)
	assert.Equal(t, "test-embedding", e.ModelID())
	assert.Equal(t, "2", e.ModelVersion())
	assert.Equal(t, 3, e.Dimension())
}

func TestOpenAIEmbedder_DimensionMismatch(t *testing.T) {
	srv := embeddingServer(t, http.StatusOK, []float64{0.1, 0.2})
	e, err := NewOpenAIEmbedder("sk-test", srv.URL+"/v1/", "test-embedding", "1", 3)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestOpenAIEmbedder_ClassifiesAPIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, domain.ErrRateLimitExceeded},
		{"unknown model", http.StatusNotFound, domain.ErrModelNotAvailable},
		{"bad request", http.StatusBadRequest, domain.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := embeddingServer(t, tt.status, nil)
			e, err := NewOpenAIEmbedder("sk-test", srv.URL+"/v1/", "test-embedding", "1", 3)
			require.NoError(t, err)

			_, err = e.Embed(context.Background(), "hello")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpenAIEmbedder_BatchLimits(t *testing.T) {
	e, err := NewOpenAIEmbedder("sk-test", "", "test-embedding", "1", 3)
	require.NoError(t, err)

	_, err = e.EmbedBatch(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = e.EmbedBatch(context.Background(), make([]string, 101))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

// batchServer は入力ごとに [i, 1, 0] を index の逆順で返すテスト用サーバーです
func batchServer(t *testing.T, requests *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*requests++
		var body struct {
			Input json.RawMessage `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		var inputs []string
		if err := json.Unmarshal(body.Input, &inputs); err != nil {
			var single string
			require.NoError(t, json.Unmarshal(body.Input, &single))
			inputs = []string{single}
		}

		data := make([]map[string]any, 0, len(inputs))
		for i := len(inputs) - 1; i >= 0; i-- {
			data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": []float64{float64(i), 1, 0}})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "test-embedding",
			"data":   data,
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEmbedder_EmbedBatch(t *testing.T) {
	var requests int
	srv := batchServer(t, &requests)
	e, err := NewOpenAIEmbedder("sk-test", srv.URL+"/v1/", "test-embedding", "1", 3)
	require.NoError(t, err)

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 1, requests)
	require.Len(t, vectors, 3)
	for i, v := range vectors {
		assert.InDelta(t, float32(i), v[0], 1e-6)
	}
}

func TestCompatEmbedder_EmbedBatch(t *testing.T) {
	var requests int
	srv := batchServer(t, &requests)
	e, err := NewCompatEmbedder(srv.URL+"/v1", "", "nomic-embed-text", "1", 3)
	require.NoError(t, err)

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)

	_, err = e.EmbedBatch(context.Background(), make([]string, domain.MaxBatchSize+1))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestCompatEmbedder(t *testing.T) {
	_, err := NewCompatEmbedder("", "", "nomic-embed-text", "1", 3)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	srv := embeddingServer(t, http.StatusOK, []float64{0.5, 0.5, 0.5})
	e, err := NewCompatEmbedder(srv.URL+"/v1", "", "nomic-embed-text", "1", 3)
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello\nworld")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
	assert.Equal(t, "nomic-embed-text", e.ModelID())
}
