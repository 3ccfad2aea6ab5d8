package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/jinford/docpipe/internal/module/retrieval/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSearchRepository struct {
	SearchChunksFunc func(ctx context.Context, userID string, queryVector []float32, limit int) ([]*domain.Match, error)
}

func (m *mockSearchRepository) SearchChunks(ctx context.Context, userID string, queryVector []float32, limit int) ([]*domain.Match, error) {
	return m.SearchChunksFunc(ctx, userID, queryVector, limit)
}

type mockEmbedder struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.EmbedFunc(ctx, text)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func float64Ptr(v float64) *float64 { return &v }

func TestRetrievalService_Retrieve_ThresholdInclusive(t *testing.T) {
	ctx := context.Background()
	doc := uuid.New()

	repo := &mockSearchRepository{
		SearchChunksFunc: func(ctx context.Context, userID string, queryVector []float32, limit int) ([]*domain.Match, error) {
			return []*domain.Match{
				{ChunkID: uuid.New(), DocumentID: doc, Ordinal: 2, Score: 0.34999},
				{ChunkID: uuid.New(), DocumentID: doc, Ordinal: 0, Score: 0.35},
				{ChunkID: uuid.New(), DocumentID: doc, Ordinal: 1, Score: 0.9},
			}, nil
		},
	}
	svc := NewRetrievalService(repo, nil, DefaultConfig(), discardLogger())

	// Execute
	resp, err := svc.Retrieve(ctx, domain.Query{UserID: "u1", Vector: []float32{1, 0}})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMatches, resp.Outcome)
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, 0.9, resp.Matches[0].Score)
	assert.Equal(t, 0.35, resp.Matches[1].Score)
}

func TestRetrievalService_Retrieve_NoMatches(t *testing.T) {
	repo := &mockSearchRepository{
		SearchChunksFunc: func(ctx context.Context, userID string, queryVector []float32, limit int) ([]*domain.Match, error) {
			return []*domain.Match{{ChunkID: uuid.New(), Score: 0.1}}, nil
		},
	}
	svc := NewRetrievalService(repo, nil, DefaultConfig(), discardLogger())

	resp, err := svc.Retrieve(context.Background(), domain.Query{UserID: "u1", Vector: []float32{1}})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNoMatches, resp.Outcome)
	assert.Empty(t, resp.Matches)
}

func TestRetrievalService_Retrieve_Unavailable(t *testing.T) {
	repo := &mockSearchRepository{
		SearchChunksFunc: func(ctx context.Context, userID string, queryVector []float32, limit int) ([]*domain.Match, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := NewRetrievalService(repo, nil, DefaultConfig(), discardLogger())

	_, err := svc.Retrieve(context.Background(), domain.Query{UserID: "u1", Vector: []float32{1}})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRetrievalUnavailable)
}

func TestRetrievalService_Retrieve_LimitAndOverrides(t *testing.T) {
	var gotLimit int
	repo := &mockSearchRepository{
		SearchChunksFunc: func(ctx context.Context, userID string, queryVector []float32, limit int) ([]*domain.Match, error) {
			gotLimit = limit
			return []*domain.Match{
				{ChunkID: uuid.New(), Score: 0.2},
				{ChunkID: uuid.New(), Score: 0.25},
				{ChunkID: uuid.New(), Score: 0.3},
			}, nil
		},
	}
	svc := NewRetrievalService(repo, nil, DefaultConfig(), discardLogger())

	resp, err := svc.Retrieve(context.Background(), domain.Query{
		UserID:     "u1",
		Vector:     []float32{1},
		Threshold:  float64Ptr(0.2),
		MaxResults: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, gotLimit)
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, 0.3, resp.Matches[0].Score)
	assert.Equal(t, 0.25, resp.Matches[1].Score)
}

func TestRetrievalService_Retrieve_InvalidQuery(t *testing.T) {
	svc := NewRetrievalService(&mockSearchRepository{}, nil, DefaultConfig(), discardLogger())

	_, err := svc.Retrieve(context.Background(), domain.Query{Vector: []float32{1}})
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)

	_, err = svc.Retrieve(context.Background(), domain.Query{UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)
}

func TestRetrievalService_Retrieve_DimensionMismatch(t *testing.T) {
	called := false
	repo := &mockSearchRepository{
		SearchChunksFunc: func(ctx context.Context, userID string, queryVector []float32, limit int) ([]*domain.Match, error) {
			called = true
			return []*domain.Match{{ChunkID: uuid.New(), DocumentID: uuid.New(), Score: 0}}, nil
		},
	}
	cfg := DefaultConfig()
	cfg.Dimension = 2
	svc := NewRetrievalService(repo, nil, cfg, discardLogger())

	_, err := svc.Retrieve(context.Background(), domain.Query{UserID: "alice", Vector: []float32{1, 0, 0}, Threshold: float64Ptr(0)})
	require.ErrorIs(t, err, domain.ErrInvalidQuery)
	assert.NotErrorIs(t, err, domain.ErrRetrievalUnavailable)
	assert.False(t, called)

	resp, err := svc.Retrieve(context.Background(), domain.Query{UserID: "alice", Vector: []float32{1, 0}, Threshold: float64Ptr(0)})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMatches, resp.Outcome)
}

func TestRetrievalService_RetrieveText(t *testing.T) {
	var gotText string
	embedder := &mockEmbedder{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			gotText = text
			return []float32{0.5, 0.5}, nil
		},
	}
	repo := &mockSearchRepository{
		SearchChunksFunc: func(ctx context.Context, userID string, queryVector []float32, limit int) ([]*domain.Match, error) {
			assert.Equal(t, []float32{0.5, 0.5}, queryVector)
			return []*domain.Match{{ChunkID: uuid.New(), Score: 0.8}}, nil
		},
	}
	svc := NewRetrievalService(repo, embedder, DefaultConfig(), discardLogger())

	resp, err := svc.RetrieveText(context.Background(), "u1", "  pgvector  ", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "pgvector", gotText)
	assert.Equal(t, domain.OutcomeMatches, resp.Outcome)
}

func TestRetrievalService_RetrieveText_EmbedderDown(t *testing.T) {
	embedder := &mockEmbedder{
		EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return nil, errors.New("503")
		},
	}
	svc := NewRetrievalService(&mockSearchRepository{}, embedder, DefaultConfig(), discardLogger())

	_, err := svc.RetrieveText(context.Background(), "u1", "q", nil, 0)
	assert.ErrorIs(t, err, domain.ErrRetrievalUnavailable)
}
