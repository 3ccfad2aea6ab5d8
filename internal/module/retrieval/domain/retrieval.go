package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

const (
	// DefaultThreshold はデフォルトの類似度の下限（この値を含む）
	DefaultThreshold = 0.35
	// DefaultMaxResults はデフォルトの最大件数
	DefaultMaxResults = 8
)

var (
	// ErrRetrievalUnavailable は検索基盤（ベクトルストア・Embedder）が利用できない場合のエラー
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrInvalidQuery はクエリが不正な場合のエラー
	ErrInvalidQuery = errors.New("invalid retrieval query")
)

// Query は検索リクエストです
type Query struct {
	UserID string
	Vector []float32
	// Threshold は類似度の下限。nil の場合は設定値を使います
	Threshold *float64
	// MaxResults は0以下の場合は設定値を使います
	MaxResults int
}

// Match は検索でヒットした1チャンクです
type Match struct {
	ChunkID    uuid.UUID `json:"chunkID"`
	DocumentID uuid.UUID `json:"documentID"`
	Filename   string    `json:"filename"`
	Ordinal    int       `json:"ordinal"`
	Content    string    `json:"content"`
	// Score はコサイン類似度 (1 - コサイン距離)
	Score float64 `json:"score"`
}

// Outcome は検索結果の種別です
type Outcome string

const (
	OutcomeMatches   Outcome = "matches"
	OutcomeNoMatches Outcome = "no_matches"
)

// Response は検索結果です。ヒットなしはエラーではなく OutcomeNoMatches で表します
type Response struct {
	Outcome Outcome  `json:"outcome"`
	Matches []*Match `json:"matches"`
}

// === Search Repository Port ===

// SearchRepository はベクトル検索の永続化ポートです
type SearchRepository interface {
	// SearchChunks はユーザーの埋め込み完了済みドキュメントのチャンクを類似度の高い順に最大 limit 件返します
	SearchChunks(ctx context.Context, userID string, queryVector []float32, limit int) ([]*Match, error)
}

// Embedder はクエリテキストをベクトルに変換するポートです
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
