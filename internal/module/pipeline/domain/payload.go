package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Payload はステージ間で受け渡す型付きペイロードです
// ステージ境界でデコードされ、Validate で検証されます
type Payload interface {
	Validate() error
}

// ParseInput は parsing ステージの入力です
type ParseInput struct {
	RawLocation string `json:"rawLocation"`
	MIMEType    string `json:"mimeType"`
}

func (p ParseInput) Validate() error {
	if p.RawLocation == "" {
		return errors.New("rawLocation is required")
	}
	return nil
}

// ParseOutcome は解析結果の参照です (parsed / parse_validated ステージの入力)
type ParseOutcome struct {
	ParseHash  string `json:"parseHash"`
	TextLength int    `json:"textLength"`
}

func (p ParseOutcome) Validate() error {
	if p.ParseHash == "" {
		return errors.New("parseHash is required")
	}
	return nil
}

// ChunkPlan はチャンク化に使うアルゴリズムの名前とバージョンです
type ChunkPlan struct {
	ChunkerName    string `json:"chunkerName"`
	ChunkerVersion string `json:"chunkerVersion"`
}

func (p ChunkPlan) Validate() error {
	if p.ChunkerName == "" || p.ChunkerVersion == "" {
		return errors.New("chunkerName and chunkerVersion are required")
	}
	return nil
}

// ChunkOutcome はバッファ済みチャンクの情報です (chunks_buffered / chunked ステージの入力)
type ChunkOutcome struct {
	ChunkPlan
	ChunkCount int `json:"chunkCount"`
}

func (p ChunkOutcome) Validate() error {
	if err := p.ChunkPlan.Validate(); err != nil {
		return err
	}
	if p.ChunkCount < 1 {
		return errors.New("chunkCount must be positive")
	}
	return nil
}

// EmbedPlan は埋め込みに使うモデルと対象チャンクの情報です (embedding / embeddings_buffered ステージの入力)
type EmbedPlan struct {
	ChunkOutcome
	Model   string `json:"model"`
	Version string `json:"version"`
}

func (p EmbedPlan) Validate() error {
	if err := p.ChunkOutcome.Validate(); err != nil {
		return err
	}
	if p.Model == "" || p.Version == "" {
		return errors.New("model and version are required")
	}
	return nil
}

// EncodePayload はペイロードをJSONに変換します
func EncodePayload(p Payload) (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return b, nil
}

// DecodePayload はジョブのペイロードを型付き構造体にデコードして検証します
// 検証に失敗した場合はステージ間の契約違反として permanent エラーを返します
func DecodePayload[T any, PT interface {
	*T
	Payload
}](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, Permanent("invalid_payload", errors.New("payload is empty"))
	}
	if err := json.Unmarshal(raw, PT(&v)); err != nil {
		return v, Permanent("invalid_payload", fmt.Errorf("failed to decode payload: %w", err))
	}
	if err := PT(&v).Validate(); err != nil {
		return v, Permanent("invalid_payload", err)
	}
	return v, nil
}
