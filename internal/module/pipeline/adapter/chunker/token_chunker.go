package chunker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

const (
	TokenChunkerName    = "token"
	TokenChunkerVersion = "v1"
)

// TokenChunker は行単位でテキストを積み上げ、目標トークン数に達したらチャンクを確定します
// 目標の半分を超えた時点で段落の区切り(空行)に当たった場合はそこで確定します
type TokenChunker struct {
	tokenizer    Tokenizer
	targetTokens int
	overlap      int
}

// NewTokenChunker は新しいTokenChunkerを作成します
func NewTokenChunker(tokenizer Tokenizer, targetTokens, overlapTokens int) (*TokenChunker, error) {
	if tokenizer == nil {
		return nil, errors.New("tokenizer is required")
	}
	if targetTokens <= 0 {
		return nil, fmt.Errorf("target tokens must be positive: %d", targetTokens)
	}
	if overlapTokens < 0 || overlapTokens >= targetTokens {
		return nil, fmt.Errorf("overlap tokens must be in [0, %d): %d", targetTokens, overlapTokens)
	}
	return &TokenChunker{tokenizer: tokenizer, targetTokens: targetTokens, overlap: overlapTokens}, nil
}

var _ domain.Chunker = (*TokenChunker)(nil)

func (c *TokenChunker) Name() string    { return TokenChunkerName }
func (c *TokenChunker) Version() string { return TokenChunkerVersion }

// Chunk はテキストをチャンクに分割します。同じ入力に対して常に同じ結果を返します
func (c *TokenChunker) Chunk(ctx context.Context, text string) ([]domain.ChunkSpan, error) {
	lines := c.splitLongLines(strings.Split(text, "\n"))

	var (
		spans   []domain.ChunkSpan
		current []string
	)
	flush := func() {
		if span, ok := c.span(current); ok {
			spans = append(spans, span)
		}
		keep := c.overlapLines(current)
		if keep > 0 && keep < len(current) {
			current = append([]string(nil), current[len(current)-keep:]...)
		} else {
			current = nil
		}
	}

	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// 段落の区切り
		if strings.TrimSpace(line) == "" && c.count(current) >= c.targetTokens/2 {
			flush()
			continue
		}

		current = append(current, line)
		if c.count(current) >= c.targetTokens {
			flush()
		}
	}
	if span, ok := c.span(current); ok && !c.isOverlapOnly(spans, span) {
		spans = append(spans, span)
	}
	return spans, nil
}

// splitLongLines は目標トークン数を超える行をトークン境界で分割します
func (c *TokenChunker) splitLongLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		tokens := c.tokenizer.Encode(line)
		if len(tokens) <= c.targetTokens {
			out = append(out, line)
			continue
		}
		for start := 0; start < len(tokens); start += c.targetTokens {
			end := min(start+c.targetTokens, len(tokens))
			out = append(out, c.tokenizer.Decode(tokens[start:end]))
		}
	}
	return out
}

// overlapLines は末尾から数えてオーバーラップトークン数に達するまでの行数を返します
func (c *TokenChunker) overlapLines(lines []string) int {
	if c.overlap == 0 {
		return 0
	}
	total := 0
	for i := len(lines) - 1; i >= 0; i-- {
		total += len(c.tokenizer.Encode(lines[i]))
		if total >= c.overlap {
			return len(lines) - i
		}
	}
	return len(lines)
}

// isOverlapOnly は最後のチャンクが直前のチャンクの末尾と同じ内容だけかどうかを返します
func (c *TokenChunker) isOverlapOnly(spans []domain.ChunkSpan, last domain.ChunkSpan) bool {
	if len(spans) == 0 {
		return false
	}
	return strings.HasSuffix(spans[len(spans)-1].Content, last.Content)
}

func (c *TokenChunker) span(lines []string) (domain.ChunkSpan, bool) {
	content := strings.Join(lines, "\n")
	if strings.TrimSpace(content) == "" {
		return domain.ChunkSpan{}, false
	}
	return domain.ChunkSpan{Content: content, TokenCount: len(c.tokenizer.Encode(content))}, true
}

func (c *TokenChunker) count(lines []string) int {
	if len(lines) == 0 {
		return 0
	}
	return len(c.tokenizer.Encode(strings.Join(lines, "\n")))
}
