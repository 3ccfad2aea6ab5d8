package testing

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	llmdomain "github.com/jinford/docpipe/internal/module/llm/domain"
)

// MockEmbedder はテスト用のモックEmbedderです
type MockEmbedder struct {
	EmbedFunc      func(ctx context.Context, text string) ([]float32, error)
	EmbedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)
	Dim            int
	Model     string
	ModelVer  string
}

var _ llmdomain.Embedder = (*MockEmbedder)(nil)

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return make([]float32, m.Dimension()), nil
}

// EmbedBatch は EmbedBatchFunc がなければ Embed を1件ずつ呼びます
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.EmbedBatchFunc != nil {
		return m.EmbedBatchFunc(ctx, texts)
	}
	return embedEach(ctx, m, texts)
}

func (m *MockEmbedder) Dimension() int {
	if m.Dim == 0 {
		return 8
	}
	return m.Dim
}

func (m *MockEmbedder) ModelID() string {
	if m.Model == "" {
		return "mock-embedding"
	}
	return m.Model
}

func (m *MockEmbedder) ModelVersion() string {
	if m.ModelVer == "" {
		return "1"
	}
	return m.ModelVer
}

// BagOfWordsEmbedder は単語のハッシュを次元に割り当てる決定的なEmbedderです
// 同じ単語を多く含むテキスト同士ほどコサイン類似度が高くなります
type BagOfWordsEmbedder struct {
	Dim int
}

var _ llmdomain.Embedder = (*BagOfWordsEmbedder)(nil)

func (e *BagOfWordsEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, e.Dimension())
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil, llmdomain.ErrEmptyEmbedding
	}
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[int(h.Sum32())%len(vec)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func (e *BagOfWordsEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, e, texts)
}

func (e *BagOfWordsEmbedder) Dimension() int {
	if e.Dim == 0 {
		return 64
	}
	return e.Dim
}

func (e *BagOfWordsEmbedder) ModelID() string { return "bag-of-words" }

func (e *BagOfWordsEmbedder) ModelVersion() string { return "1" }

func embedEach(ctx context.Context, e llmdomain.Embedder, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, v)
	}
	return vectors, nil
}
