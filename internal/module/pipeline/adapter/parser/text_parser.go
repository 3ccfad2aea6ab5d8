// Package parser は生バイトからテキストを抽出するパーサーとコンテンツ判定です
package parser

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-enry/go-enry/v2"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// TextParser はテキスト系コンテンツ用のパーサーです
// バイナリは unsupported_content として再試行せずに失敗させます
type TextParser struct{}

// NewTextParser は新しいTextParserを作成します
func NewTextParser() *TextParser {
	return &TextParser{}
}

var _ domain.Parser = (*TextParser)(nil)

// Supports はテキストとして扱えるMIMEタイプかどうかを返します
func (p *TextParser) Supports(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/json", "application/xml", "application/x-yaml", "application/yaml",
		"application/graphql", "application/javascript", "application/x-sh", "application/toml":
		return true
	}
	return false
}

// Parse は改行を LF に正規化したテキストを返します
// ParseHash は正規化後のテキストの ContentHash です
func (p *TextParser) Parse(ctx context.Context, raw []byte, mimeType string) (*domain.ParseOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !p.Supports(mimeType) {
		return nil, fmt.Errorf("%w: mime type %q", domain.ErrUnsupportedContent, mimeType)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: raw content is empty", domain.ErrEmptyContent)
	}
	if enry.IsBinary(raw) {
		return nil, fmt.Errorf("%w: binary content", domain.ErrUnsupportedContent)
	}

	raw = bytes.TrimPrefix(raw, utf8BOM)
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: content is not valid UTF-8", domain.ErrUnsupportedContent)
	}

	text := normalizeNewlines(string(raw))
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: parsed text is blank", domain.ErrEmptyContent)
	}

	return &domain.ParseOutput{
		Text:      text,
		ParseHash: domain.ContentHash([]byte(text)),
	}, nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
