package domain

import "errors"

var (
	// ErrRateLimitExceeded はレート制限を超えた場合のエラー
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrInvalidRequest はリクエストが不正な場合のエラー
	ErrInvalidRequest = errors.New("invalid request")

	// ErrModelNotAvailable はモデルが利用できない場合のエラー
	ErrModelNotAvailable = errors.New("model not available")

	// ErrEmptyEmbedding はEmbeddingが返されなかった場合のエラー
	ErrEmptyEmbedding = errors.New("no embeddings generated")

	// ErrDimensionMismatch は返されたベクトルの次元数が設定と一致しない場合のエラー
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
