package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/jinford/docpipe/internal/module/llm/domain"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set")
)

// OpenAIEmbedder はOpenAI APIを使用したEmbedder実装
type OpenAIEmbedder struct {
	client    openai.Client
	model     string
	version   string
	dimension int
}

// NewOpenAIEmbedder は新しいOpenAIEmbedderを作成します
func NewOpenAIEmbedder(apiKey, baseURL, model, version string, dimension int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	// 再試行はジョブストアのバックオフに任せる
	opts = append(opts, option.WithMaxRetries(0))

	return &OpenAIEmbedder{
		client:    openai.NewClient(opts...),
		model:     model,
		version:   version,
		dimension: dimension,
	}, nil
}

// Embed はテキストからEmbeddingベクトルを生成する
// domain.Embedderインターフェースを実装
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	if len(embeddings) == 0 {
		return nil, domain.ErrEmptyEmbedding
	}

	return embeddings[0], nil
}

// Dimension はEmbeddingベクトルの次元数を返す
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

// ModelID はモデル名を返す
func (e *OpenAIEmbedder) ModelID() string {
	return e.model
}

// ModelVersion はモデルのバージョンを返す
func (e *OpenAIEmbedder) ModelVersion() string {
	return e.version
}

// EmbedBatch はバッチでEmbeddingを生成します（最大 domain.MaxBatchSize 件）
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts provided", domain.ErrInvalidRequest)
	}

	if len(texts) > domain.MaxBatchSize {
		return nil, fmt.Errorf("%w: batch size exceeds maximum of %d", domain.ErrInvalidRequest, domain.MaxBatchSize)
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
	}

	if len(texts) == 1 {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(texts[0]),
		}
	} else {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		}
	}

	// dimensionパラメータを追加（text-embedding-3-smallなどで有効）
	if e.dimension > 0 {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classifyAPIError(err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", domain.ErrEmptyEmbedding, len(resp.Data), len(texts))
	}
	// レスポンスの順序は保証されないため index で並べ直す
	sort.SliceStable(resp.Data, func(i, j int) bool {
		return resp.Data[i].Index < resp.Data[j].Index
	})

	embeddings := make([][]float32, 0, len(resp.Data))
	for _, data := range resp.Data {
		// float64からfloat32に変換
		vector := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			vector[i] = float32(v)
		}
		if e.dimension > 0 && len(vector) != e.dimension {
			return nil, fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vector), e.dimension)
		}
		embeddings = append(embeddings, vector)
	}

	return embeddings, nil
}

// classifyAPIError はAPIエラーをドメインエラーに変換します
// 429 はレート制限、それ以外の 4xx はリクエスト不正として扱います
func classifyAPIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", domain.ErrRateLimitExceeded, err)
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %v", domain.ErrModelNotAvailable, err)
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
		}
	}
	return fmt.Errorf("failed to generate embeddings: %w", err)
}

// インターフェース実装の確認
var _ domain.Embedder = (*OpenAIEmbedder)(nil)
