package adapter

import (
	"context"
	"fmt"

	"github.com/jinford/docpipe/internal/module/llm/domain"
	"github.com/tmc/langchaingo/embeddings"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
)

// CompatEmbedder はOpenAI互換API(Ollama, LM Studio 等のローカルサービス)向けのEmbedder実装
type CompatEmbedder struct {
	embedder  embeddings.Embedder
	model     string
	version   string
	dimension int
}

// NewCompatEmbedder は新しいCompatEmbedderを作成します
// 認証不要のローカルサービスでは token に "none" を渡します
func NewCompatEmbedder(baseURL, token, model, version string, dimension int) (*CompatEmbedder, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", domain.ErrInvalidRequest)
	}
	if token == "" {
		token = "none"
	}

	client, err := lcopenai.New(
		lcopenai.WithBaseURL(baseURL),
		lcopenai.WithToken(token),
		lcopenai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compat client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create compat embedder: %w", err)
	}

	return &CompatEmbedder{
		embedder:  embedder,
		model:     model,
		version:   version,
		dimension: dimension,
	}, nil
}

// Embed はテキストからEmbeddingベクトルを生成する
func (e *CompatEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(vector) == 0 {
		return nil, domain.ErrEmptyEmbedding
	}
	if e.dimension > 0 && len(vector) != e.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vector), e.dimension)
	}
	return vector, nil
}

// EmbedBatch は複数のテキストをまとめて埋め込む
func (e *CompatEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts provided", domain.ErrInvalidRequest)
	}
	if len(texts) > domain.MaxBatchSize {
		return nil, fmt.Errorf("%w: batch size exceeds maximum of %d", domain.ErrInvalidRequest, domain.MaxBatchSize)
	}

	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", domain.ErrEmptyEmbedding, len(vectors), len(texts))
	}
	for _, v := range vectors {
		if e.dimension > 0 && len(v) != e.dimension {
			return nil, fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(v), e.dimension)
		}
	}
	return vectors, nil
}

// Dimension はEmbeddingベクトルの次元数を返す
func (e *CompatEmbedder) Dimension() int {
	return e.dimension
}

// ModelID はモデル名を返す
func (e *CompatEmbedder) ModelID() string {
	return e.model
}

// ModelVersion はモデルのバージョンを返す
func (e *CompatEmbedder) ModelVersion() string {
	return e.version
}

var _ domain.Embedder = (*CompatEmbedder)(nil)
