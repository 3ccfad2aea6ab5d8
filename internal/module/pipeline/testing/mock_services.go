package testing

import (
	"context"

	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

// MockParser はテスト用のモックParserです
type MockParser struct {
	SupportsFunc func(mimeType string) bool
	ParseFunc    func(ctx context.Context, raw []byte, mimeType string) (*domain.ParseOutput, error)
}

var _ domain.Parser = (*MockParser)(nil)

func (m *MockParser) Supports(mimeType string) bool {
	if m.SupportsFunc != nil {
		return m.SupportsFunc(mimeType)
	}
	return true
}

func (m *MockParser) Parse(ctx context.Context, raw []byte, mimeType string) (*domain.ParseOutput, error) {
	if m.ParseFunc != nil {
		return m.ParseFunc(ctx, raw, mimeType)
	}
	text := string(raw)
	return &domain.ParseOutput{Text: text, ParseHash: domain.ContentHash([]byte(text))}, nil
}

// MockChunker はテスト用のモックChunkerです
// ChunkFunc が未設定の場合はテキスト全体を1チャンクとして返します
type MockChunker struct {
	NameValue    string
	VersionValue string
	ChunkFunc    func(ctx context.Context, text string) ([]domain.ChunkSpan, error)
}

var _ domain.Chunker = (*MockChunker)(nil)

func (m *MockChunker) Name() string {
	if m.NameValue == "" {
		return "mock"
	}
	return m.NameValue
}

func (m *MockChunker) Version() string {
	if m.VersionValue == "" {
		return "v1"
	}
	return m.VersionValue
}

func (m *MockChunker) Chunk(ctx context.Context, text string) ([]domain.ChunkSpan, error) {
	if m.ChunkFunc != nil {
		return m.ChunkFunc(ctx, text)
	}
	return []domain.ChunkSpan{{Content: text, TokenCount: len(text)}}, nil
}

// MockRepositorySource はテスト用のモックRepositorySourceです
type MockRepositorySource struct {
	FetchFunc func(ctx context.Context, repoURL, ref string) (*domain.SourceSnapshot, error)
}

var _ domain.RepositorySource = (*MockRepositorySource)(nil)

func (m *MockRepositorySource) Fetch(ctx context.Context, repoURL, ref string) (*domain.SourceSnapshot, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, repoURL, ref)
	}
	return &domain.SourceSnapshot{}, nil
}
