package domain

import "fmt"

// Stage はドキュメント処理ジョブがどこまで進んだかを表します
// ステージは固定の線形順序で進行します
type Stage string

const (
	StageQueued             Stage = "queued"
	StageJobValidated       Stage = "job_validated"
	StageParsing            Stage = "parsing"
	StageParsed             Stage = "parsed"
	StageParseValidated     Stage = "parse_validated"
	StageChunking           Stage = "chunking"
	StageChunksBuffered     Stage = "chunks_buffered"
	StageChunked            Stage = "chunked"
	StageEmbedding          Stage = "embedding"
	StageEmbeddingsBuffered Stage = "embeddings_buffered"
	StageEmbedded           Stage = "embedded"
)

// stageOrder はステージの進行順です
var stageOrder = []Stage{
	StageQueued,
	StageJobValidated,
	StageParsing,
	StageParsed,
	StageParseValidated,
	StageChunking,
	StageChunksBuffered,
	StageChunked,
	StageEmbedding,
	StageEmbeddingsBuffered,
	StageEmbedded,
}

// Stages は全ステージを進行順で返します
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// ParseStage は文字列をStageに変換します
func ParseStage(s string) (Stage, error) {
	for _, st := range stageOrder {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage: %q", s)
}

// Index はステージの順序位置を返します（未知のステージは -1）
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// IsValid は定義済みのステージかどうかを返します
func (s Stage) IsValid() bool {
	return s.Index() >= 0
}

// Next は次のステージを返します。終端ステージの場合は false を返します
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// IsTerminal は最終ステージ(embedded)かどうかを返します
func (s Stage) IsTerminal() bool {
	return s == StageEmbedded
}

// Progress はステージから算出した進捗率(0-100)を返します
func (s Stage) Progress() int {
	i := s.Index()
	if i < 0 {
		return 0
	}
	return i * 100 / (len(stageOrder) - 1)
}

// IsAdmitted は同時実行上限の対象となるステージ(parsing〜embeddings_buffered)かどうかを返します
func (s Stage) IsAdmitted() bool {
	i := s.Index()
	return i >= StageParsing.Index() && i < StageEmbedded.Index()
}

// State はステージと直交するジョブの状態です
type State string

const (
	StateQueued     State = "queued"
	StateWorking    State = "working"
	StateRetryable  State = "retryable"
	StateDone       State = "done"
	StateDeadletter State = "deadletter"
)

// IsActive は (document, stage) あたり1件に制限される状態かどうかを返します
func (s State) IsActive() bool {
	switch s {
	case StateQueued, StateWorking, StateRetryable:
		return true
	default:
		return false
	}
}

// ActiveStates はアクティブな状態の一覧です
func ActiveStates() []State {
	return []State{StateQueued, StateWorking, StateRetryable}
}

// DocumentStatus はドキュメント全体の処理状況です
type DocumentStatus string

const (
	// DocumentStatusPending は登録済みだが生バイトの受領が確認されていない状態
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusEmbedded   DocumentStatus = "embedded"
	DocumentStatusFailed     DocumentStatus = "failed"
)
