package chunker

import (
	"context"
	"fmt"
	"strings"

	"github.com/jinford/docpipe/internal/module/pipeline/domain"
	"github.com/tmc/langchaingo/textsplitter"
)

const (
	RecursiveChunkerName    = "recursive"
	RecursiveChunkerVersion = "v1"
)

// RecursiveChunker は段落・行・単語の順に区切り文字を試す langchaingo の分割器です
// 長さはトークン数で測ります
type RecursiveChunker struct {
	tokenizer Tokenizer
	splitter  textsplitter.RecursiveCharacter
}

// NewRecursiveChunker は新しいRecursiveChunkerを作成します
func NewRecursiveChunker(tokenizer Tokenizer, targetTokens, overlapTokens int) (*RecursiveChunker, error) {
	if tokenizer == nil {
		return nil, fmt.Errorf("tokenizer is required")
	}
	if targetTokens <= 0 || overlapTokens < 0 || overlapTokens >= targetTokens {
		return nil, fmt.Errorf("invalid chunk size: target=%d overlap=%d", targetTokens, overlapTokens)
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(targetTokens),
		textsplitter.WithChunkOverlap(overlapTokens),
		textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
		textsplitter.WithLenFunc(func(s string) int { return len(tokenizer.Encode(s)) }),
	)
	return &RecursiveChunker{tokenizer: tokenizer, splitter: splitter}, nil
}

var _ domain.Chunker = (*RecursiveChunker)(nil)

func (c *RecursiveChunker) Name() string    { return RecursiveChunkerName }
func (c *RecursiveChunker) Version() string { return RecursiveChunkerVersion }

func (c *RecursiveChunker) Chunk(ctx context.Context, text string) ([]domain.ChunkSpan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parts, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("failed to split text: %w", err)
	}

	spans := make([]domain.ChunkSpan, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		spans = append(spans, domain.ChunkSpan{Content: part, TokenCount: len(c.tokenizer.Encode(part))})
	}
	return spans, nil
}
