package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// === Document集約 ===

// Document はアップロードされた1つのソースファイルを表します
// (UserID, ContentHash) は一意で、ID は DocumentID(UserID, ContentHash) と常に一致します
type Document struct {
	ID             uuid.UUID      `json:"id"`
	UserID         string         `json:"userID"`
	Filename       string         `json:"filename"`
	MIMEType       string         `json:"mimeType"`
	Size           int64          `json:"size"`
	ContentHash    string         `json:"contentHash"`
	RawLocation    string         `json:"rawLocation"`
	ParsedLocation *string        `json:"parsedLocation,omitempty"`
	ParseHash      *string        `json:"parseHash,omitempty"`
	Stage          Stage          `json:"stage"`
	Status         DocumentStatus `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// === Job集約 ===

// Job はあるドキュメントのあるステージに対するパイプライン処理の単位です
type Job struct {
	ID             uuid.UUID       `json:"id"`
	DocumentID     uuid.UUID       `json:"documentID"`
	CorrelationID  uuid.UUID       `json:"correlationID"`
	Stage          Stage           `json:"stage"`
	State          State           `json:"state"`
	RetryCount     int             `json:"retryCount"`
	MaxAttempts    int             `json:"maxAttempts"`
	IdempotencyKey string          `json:"idempotencyKey"`
	ClaimedBy      *string         `json:"claimedBy,omitempty"`
	ClaimToken     *uuid.UUID      `json:"claimToken,omitempty"`
	ClaimedAt      *time.Time      `json:"claimedAt,omitempty"`
	AvailableAt    time.Time       `json:"availableAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
	LastError      *JobError       `json:"lastError,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Claim は現在のクレームを返します。クレームされていない場合は false を返します
func (j *Job) Claim() (Claim, bool) {
	if j.ClaimedBy == nil || j.ClaimToken == nil {
		return Claim{}, false
	}
	return Claim{JobID: j.ID, WorkerID: *j.ClaimedBy, Token: *j.ClaimToken}, true
}

// Claim はワーカーがジョブを保持していることの証明です
// Token はクレームのたびに更新されるため、古いクレーム保持者の操作は拒否されます
type Claim struct {
	JobID    uuid.UUID
	WorkerID string
	Token    uuid.UUID
}

// JobError はジョブの直近のエラーを構造化したものです
type JobError struct {
	Class      ErrorClass `json:"class"`
	Code       string     `json:"code"`
	Message    string     `json:"message"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// NewJobError はエラーを分類して JobError を生成します
func NewJobError(err error, now time.Time) *JobError {
	class, code := Classify(err)
	return &JobError{
		Class:      class,
		Code:       code,
		Message:    err.Error(),
		OccurredAt: now,
	}
}

// NewJob はジョブ作成パラメータです
type NewJob struct {
	DocumentID    uuid.UUID
	CorrelationID uuid.UUID
	Stage         Stage
	MaxAttempts   int
	Payload       json.RawMessage
}

// Completion はジョブ完了時に適用する結果と後続ステージの情報です
type Completion struct {
	// Result は完了したステージの結果(JSON)
	Result json.RawMessage
	// NextPayload は後続ステージのジョブに渡すペイロード(JSON)
	NextPayload json.RawMessage
}

// === Chunk集約 ===

// Chunk はドキュメントから抽出した連続したテキスト範囲とその埋め込みベクトルです
type Chunk struct {
	ID               uuid.UUID `json:"id"`
	DocumentID       uuid.UUID `json:"documentID"`
	ChunkerName      string    `json:"chunkerName"`
	ChunkerVersion   string    `json:"chunkerVersion"`
	Ordinal          int       `json:"ordinal"`
	Content          string    `json:"content"`
	ContentHash      string    `json:"contentHash"`
	TokenCount       int       `json:"tokenCount"`
	Embedding        []float32 `json:"embedding,omitempty"`
	EmbeddingModel   *string   `json:"embeddingModel,omitempty"`
	EmbeddingVersion *string   `json:"embeddingVersion,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// === ステージングバッファ ===

// BufferKind はステージングバッファ行の種別です
type BufferKind string

const (
	BufferKindParsedText  BufferKind = "parsed_text"
	BufferKindChunkText   BufferKind = "chunk_text"
	BufferKindChunkVector BufferKind = "chunk_vector"
)

// ParsedText は解析済みテキストのバッファ行です。(DocumentID, ParseHash) で一意です
type ParsedText struct {
	DocumentID uuid.UUID
	ParseHash  string
	Text       string
	CreatedAt  time.Time
	PromotedAt *time.Time
}

// NaturalKey はバッファの自然キーを返します
func (p ParsedText) NaturalKey() string {
	return p.DocumentID.String() + ":" + p.ParseHash
}

// ChunkText はチャンクテキストのバッファ行です。ChunkID で一意です
type ChunkText struct {
	ChunkID        uuid.UUID
	DocumentID     uuid.UUID
	ChunkerName    string
	ChunkerVersion string
	Ordinal        int
	Content        string
	ContentHash    string
	TokenCount     int
	CreatedAt      time.Time
	PromotedAt     *time.Time
}

// NaturalKey はバッファの自然キーを返します
func (c ChunkText) NaturalKey() string {
	return c.ChunkID.String()
}

// ChunkVector はチャンクベクトルのバッファ行です。(ChunkID, Model, Version) で一意です
type ChunkVector struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	Model      string
	Version    string
	Vector     []float32
	CreatedAt  time.Time
	PromotedAt *time.Time
}

// NaturalKey はバッファの自然キーを返します
func (v ChunkVector) NaturalKey() string {
	return v.ChunkID.String() + ":" + v.Model + ":" + v.Version
}

// === Event ===

// EventType はイベント種別です
type EventType string

const (
	EventStageStarted EventType = "stage_started"
	EventStageDone    EventType = "stage_done"
	EventRetry        EventType = "retry"
	EventError        EventType = "error"
	EventFinalized    EventType = "finalized"
)

// Severity はイベントの深刻度です
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event はステージ遷移・再試行・エラーの不変な監査レコードです
type Event struct {
	ID            uuid.UUID       `json:"id"`
	JobID         uuid.UUID       `json:"jobID"`
	DocumentID    uuid.UUID       `json:"documentID"`
	CorrelationID uuid.UUID       `json:"correlationID"`
	Type          EventType       `json:"type"`
	Stage         Stage           `json:"stage"`
	Severity      Severity        `json:"severity"`
	Code          string          `json:"code"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NewEvent はジョブに紐づくイベントを生成します
func NewEvent(job *Job, typ EventType, severity Severity, code string, payload any) *Event {
	var raw json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = b
		}
	}
	return &Event{
		ID:            uuid.New(),
		JobID:         job.ID,
		DocumentID:    job.DocumentID,
		CorrelationID: job.CorrelationID,
		Type:          typ,
		Stage:         job.Stage,
		Severity:      severity,
		Code:          code,
		Payload:       raw,
	}
}

// === ステータス ===

// JobStatus はUI/通知層に返すドキュメントの進捗です
type JobStatus struct {
	DocumentID uuid.UUID      `json:"documentID"`
	Stage      Stage          `json:"stage"`
	State      State          `json:"state"`
	Status     DocumentStatus `json:"status"`
	RetryCount int            `json:"retryCount"`
	Progress   int            `json:"progress"`
	LastError  *JobError      `json:"lastError,omitempty"`
	Message    string         `json:"message"`
}
