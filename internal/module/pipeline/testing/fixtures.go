package testing

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

// TestDocument はテスト用の処理中Documentを生成します。ID とハッシュは内容から導出します
func TestDocument(userID string, content []byte) *domain.Document {
	hash := domain.ContentHash(content)
	id := domain.DocumentID(userID, hash)
	return &domain.Document{
		ID:          id,
		UserID:      userID,
		Filename:    "doc.txt",
		MIMEType:    "text/plain",
		Size:        int64(len(content)),
		ContentHash: hash,
		RawLocation: domain.RawBlobKey(userID, id),
		Stage:       domain.StageQueued,
		Status:      domain.DocumentStatusProcessing,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

// TestClaimedJob はテスト用のクレーム済みJobを生成します
func TestClaimedJob(documentID uuid.UUID, stage domain.Stage, payload json.RawMessage) *domain.Job {
	worker := "test-worker"
	token := uuid.New()
	now := time.Now()
	return &domain.Job{
		ID:             domain.NewJobID(),
		DocumentID:     documentID,
		CorrelationID:  domain.NewCorrelationID(),
		Stage:          stage,
		State:          domain.StateWorking,
		MaxAttempts:    domain.DefaultRetryPolicy().MaxAttempts,
		IdempotencyKey: domain.IdempotencyKey(documentID, stage),
		ClaimedBy:      &worker,
		ClaimToken:     &token,
		ClaimedAt:      &now,
		AvailableAt:    now,
		StartedAt:      &now,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// MustPayload はペイロードをJSONにエンコードします
func MustPayload(p domain.Payload) json.RawMessage {
	raw, err := domain.EncodePayload(p)
	if err != nil {
		panic(err)
	}
	return raw
}
