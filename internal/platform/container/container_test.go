package container

import (
	"testing"

	llmadapter "github.com/jinford/docpipe/internal/module/llm/adapter"
	"github.com/jinford/docpipe/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(provider, apiKey, baseURL string) *config.Config {
	return &config.Config{
		OpenAI: config.OpenAIConfig{
			Provider:           provider,
			APIKey:             apiKey,
			BaseURL:            baseURL,
			EmbeddingModel:     "text-embedding-3-small",
			EmbeddingVersion:   "1",
			EmbeddingDimension: 1536,
			RatePerSecond:      5,
		},
		Worker: config.WorkerConfig{Concurrency: 2},
	}
}

func TestNewEmbedder(t *testing.T) {
	t.Run("openai without key", func(t *testing.T) {
		_, err := newEmbedder(testConfig("openai", "", ""))
		assert.ErrorIs(t, err, llmadapter.ErrAPIKeyNotSet)
	})

	t.Run("openai", func(t *testing.T) {
		e, err := newEmbedder(testConfig("openai", "sk-test", ""))
		require.NoError(t, err)
		assert.IsType(t, &llmadapter.RateLimitedEmbedder{}, e)
		assert.Equal(t, 1536, e.Dimension())
		assert.Equal(t, "text-embedding-3-small", e.ModelID())
	})

	t.Run("compat", func(t *testing.T) {
		e, err := newEmbedder(testConfig("compat", "", "http://localhost:11434/v1"))
		require.NoError(t, err)
		assert.Equal(t, "1", e.ModelVersion())
	})

	t.Run("compat without base URL", func(t *testing.T) {
		_, err := newEmbedder(testConfig("compat", "", ""))
		assert.Error(t, err)
	})
}

func TestServiceContainer_NilSafe(t *testing.T) {
	var c *ServiceContainer
	assert.NotNil(t, c.Logger())
	c.Close()
}
