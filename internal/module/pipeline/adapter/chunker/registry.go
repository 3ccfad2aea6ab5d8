package chunker

import (
	"fmt"

	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

// New は戦略名に対応するチャンカーを作成します
func New(strategy string, tokenizer Tokenizer, targetTokens, overlapTokens int) (domain.Chunker, error) {
	switch strategy {
	case TokenChunkerName, "":
		return NewTokenChunker(tokenizer, targetTokens, overlapTokens)
	case RecursiveChunkerName:
		return NewRecursiveChunker(tokenizer, targetTokens, overlapTokens)
	default:
		return nil, fmt.Errorf("unknown chunker strategy: %q", strategy)
	}
}
