package domain

import (
	"context"
	"io"
	"net/url"

	"github.com/google/uuid"
)

// Parser は生バイトからテキストを抽出する外部サービスのポートです
type Parser interface {
	// Supports は MIME タイプを解析できるかどうかを返します
	Supports(mimeType string) bool
	Parse(ctx context.Context, raw []byte, mimeType string) (*ParseOutput, error)
}

// ParseOutput は解析結果です
type ParseOutput struct {
	Text      string
	ParseHash string
}

// Chunker はテキストを順序付きのチャンクに分割する外部サービスのポートです
// 名前とバージョンはチャンクIDの導出に使われるため、出力が変わる変更では必ずバージョンを上げます
type Chunker interface {
	Name() string
	Version() string
	Chunk(ctx context.Context, text string) ([]ChunkSpan, error)
}

// ChunkSpan はチャンカーが返す1つのテキスト範囲です
type ChunkSpan struct {
	Content    string
	TokenCount int
}

// BlobStore は生バイトと解析済みテキストの保存先です
// Put は保存場所を返し、ドキュメントの raw_location / parsed_location にはこの値が記録されます
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	Read(ctx context.Context, location string) ([]byte, error)
	Exists(ctx context.Context, location string) (bool, error)
	Delete(ctx context.Context, location string) error
}

// RawBlobKey は生バイトの保存キーです
func RawBlobKey(userID string, documentID uuid.UUID) string {
	return "raw/" + url.PathEscape(userID) + "/" + documentID.String()
}

// ParsedBlobKey は解析済みテキストの保存キーです
func ParsedBlobKey(documentID uuid.UUID) string {
	return "parsed/" + documentID.String() + ".txt"
}

// RepositorySource はリポジトリの指定 ref にあるファイルを取得するポートです
type RepositorySource interface {
	Fetch(ctx context.Context, repoURL, ref string) (*SourceSnapshot, error)
}

// SourceSnapshot はある時点のリポジトリから取り込み対象として選ばれたファイル群です
type SourceSnapshot struct {
	CommitHash string
	Files      []SourceFile
	// Skipped は除外パターン・バイナリ・サイズ上限で除外したファイル数
	Skipped int
}

// SourceFile は取り込み対象の1ファイルです
type SourceFile struct {
	Path     string
	Content  []byte
	MIMEType string
}
