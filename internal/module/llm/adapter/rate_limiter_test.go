package adapter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jinford/docpipe/internal/module/llm/domain"
	testutil "github.com/jinford/docpipe/internal/module/pipeline/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingEmbedder(calls *atomic.Int32) *testutil.MockEmbedder {
	return &testutil.MockEmbedder{
		Dim: 4,
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			calls.Add(1)
			return []float32{1, 0, 0, 0}, nil
		},
	}
}

func TestRateLimitedEmbedder_Unlimited(t *testing.T) {
	var calls atomic.Int32
	e := NewRateLimitedEmbedder(countingEmbedder(&calls), 0, 0)

	for i := 0; i < 50; i++ {
		_, err := e.Embed(context.Background(), "text")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(50), calls.Load())
	assert.Equal(t, 4, e.Dimension())
	assert.Equal(t, "mock-embedding", e.ModelID())
	assert.Equal(t, "1", e.ModelVersion())
}

func TestRateLimitedEmbedder_WaitRespectsContext(t *testing.T) {
	var calls atomic.Int32
	// 1件目はバーストで通過し、2件目は約1000秒待つ必要がある
	e := NewRateLimitedEmbedder(countingEmbedder(&calls), 0.001, 1)

	_, err := e.Embed(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Embed(ctx, "second")
	assert.ErrorIs(t, err, domain.ErrRateLimitExceeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRateLimitedEmbedder_BatchCountsAsOneCall(t *testing.T) {
	var calls atomic.Int32
	e := NewRateLimitedEmbedder(countingEmbedder(&calls), 0.001, 1)

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vectors, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.EmbedBatch(ctx, []string{"d"})
	assert.ErrorIs(t, err, domain.ErrRateLimitExceeded)
}
