package adapter

import (
	"context"
	"fmt"

	"github.com/jinford/docpipe/internal/module/llm/domain"
	"golang.org/x/time/rate"
)

// RateLimitedEmbedder は複数ワーカーから同時に呼ばれるEmbedderの呼び出しレートを制限するデコレータ
type RateLimitedEmbedder struct {
	next    domain.Embedder
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder は1秒あたり perSecond 回に呼び出しを制限するEmbedderを作成します
// perSecond が0以下の場合は制限しません
func NewRateLimitedEmbedder(next domain.Embedder, perSecond float64, burst int) *RateLimitedEmbedder {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedEmbedder{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Embed はレート制限に従って待機してから委譲先を呼び出す
func (e *RateLimitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRateLimitExceeded, err)
	}
	return e.next.Embed(ctx, text)
}

// EmbedBatch は1バッチを1回の呼び出しとして数える
func (e *RateLimitedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRateLimitExceeded, err)
	}
	return e.next.EmbedBatch(ctx, texts)
}

func (e *RateLimitedEmbedder) Dimension() int {
	return e.next.Dimension()
}

func (e *RateLimitedEmbedder) ModelID() string {
	return e.next.ModelID()
}

func (e *RateLimitedEmbedder) ModelVersion() string {
	return e.next.ModelVersion()
}

var _ domain.Embedder = (*RateLimitedEmbedder)(nil)
