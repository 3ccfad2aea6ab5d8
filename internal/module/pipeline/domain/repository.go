package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// === Document Repository Port ===

// DocumentRepository はドキュメント集約の永続化ポートです
type DocumentRepository interface {
	DocumentReader
	DocumentWriter
}

// DocumentReader はドキュメントの読み取り操作を定義します
type DocumentReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	// CountAdmittedByUser は parsing〜embeddings_buffered にあるユーザーのドキュメント数を返します
	CountAdmittedByUser(ctx context.Context, userID string) (int, error)
}

// DocumentWriter はドキュメントの書き込み操作を定義します
type DocumentWriter interface {
	// CreateIfNotExists は (user, content_hash) が未登録の場合のみ作成し、既存の場合はそれを返します
	CreateIfNotExists(ctx context.Context, doc *Document) (*Document, bool, error)
	// MarkProcessing は受領確認済みのドキュメントを processing にします
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	// Delete はドキュメントと従属するジョブ・チャンク・バッファを削除します
	Delete(ctx context.Context, id uuid.UUID) error
}

// === Job Store Port ===

// JobStore はジョブのライフサイクルを排他的に所有する永続化ポートです
// すべての操作は単一のアトミックなトランザクションとして実行されます
type JobStore interface {
	// Create は (document, stage) にアクティブなジョブが存在する場合 ErrDuplicateActiveJob を返します
	Create(ctx context.Context, params NewJob) (*Job, error)
	// CreateInitial はドキュメントにジョブが1件も存在しない場合のみ queued ジョブを作成します
	CreateInitial(ctx context.Context, params NewJob) (*Job, bool, error)
	// Claim は対象ジョブを1件アトミックに取得します。対象がない場合は nil を返します
	Claim(ctx context.Context, workerID string) (*Job, error)
	// Heartbeat は現在のクレーム保持者のクレーム時刻を更新します
	Heartbeat(ctx context.Context, claim Claim) error
	// Complete はジョブを done にし、後続ステージのジョブを作成します
	Complete(ctx context.Context, claim Claim, completion Completion) (*Job, error)
	// Fail は再試行回数を加算し、retryable またはデッドレターにします
	Fail(ctx context.Context, claim Claim, jobErr *JobError) (*Job, error)
	// Defer はクレームを手放し、再試行回数を消費せずに delay 後まで retryable にします
	Defer(ctx context.Context, claim Claim, delay time.Duration, code string) (*Job, error)
	// Requeue はデッドレターになったジョブを同じステージの新しい queued ジョブとして再投入します
	Requeue(ctx context.Context, documentID uuid.UUID) (*Job, error)
	// LatestByDocument はドキュメントの最新のジョブを返します
	LatestByDocument(ctx context.Context, documentID uuid.UUID) (*Job, error)
	// ListByDocument はドキュメントの全ジョブを作成順に返します
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Job, error)
}

// === Staging Buffer Port ===

// StagingBuffer は高コストなステージ出力の書き込み先行バッファです
// 書き込みは自然キーで一意、昇格は冪等な upsert です
type StagingBuffer interface {
	PutParsedText(ctx context.Context, row ParsedText) error
	GetParsedText(ctx context.Context, documentID uuid.UUID, parseHash string) (*ParsedText, error)
	// PromoteParsedText はドキュメントに解析済みテキストの保存場所とハッシュを記録します
	PromoteParsedText(ctx context.Context, documentID uuid.UUID, parseHash, location string) error

	PutChunkTexts(ctx context.Context, rows []ChunkText) error
	ListChunkTexts(ctx context.Context, documentID uuid.UUID, chunkerName, chunkerVersion string) ([]ChunkText, error)
	// PromoteChunkTexts はチャンクテキストを正規のチャンクテーブルへ upsert し、対象件数を返します
	PromoteChunkTexts(ctx context.Context, documentID uuid.UUID, chunkerName, chunkerVersion string) (int, error)

	PutChunkVector(ctx context.Context, row ChunkVector) error
	ListChunkVectors(ctx context.Context, documentID uuid.UUID, model, version string) ([]ChunkVector, error)
	// PromoteChunkVectors はベクトルを正規のチャンク行へ反映し、対象件数を返します
	PromoteChunkVectors(ctx context.Context, documentID uuid.UUID, model, version string) (int, error)
}

// === Chunk Reader Port ===

// ChunkReader はパイプラインが正規のチャンクを参照するためのポートです
type ChunkReader interface {
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Chunk, error)
}

// === Event Log Port ===

// EventLog は追記専用の監査ログです
type EventLog interface {
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Event, error)
	ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*Event, error)
	// PurgeBefore は保持期間を過ぎたイベントを一括削除し、削除件数を返します
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}
