package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDuplicateActiveJob は同じ (document, stage) にアクティブなジョブが既に存在する場合のエラー
	ErrDuplicateActiveJob = errors.New("duplicate active job")

	// ErrStaleClaim は現在のクレーム保持者ではないワーカーが完了/失敗を報告した場合のエラー
	ErrStaleClaim = errors.New("stale claim")

	// ErrJobNotFound はジョブが存在しない場合のエラー
	ErrJobNotFound = errors.New("job not found")

	// ErrDocumentNotFound はドキュメントが存在しない場合のエラー
	ErrDocumentNotFound = errors.New("document not found")

	// ErrBufferNotFound はステージングバッファの行が存在しない場合のエラー
	ErrBufferNotFound = errors.New("staging buffer row not found")

	// ErrIdentifierMismatch は再計算した識別子が保存済みの識別子と一致しない場合のエラー
	// 識別子生成の契約がどこかで破られていることを示すため致命的に扱います
	ErrIdentifierMismatch = errors.New("identifier mismatch")

	// ErrUnsupportedContent は解析できないコンテンツの場合のエラー
	ErrUnsupportedContent = errors.New("unsupported content")

	// ErrEmptyContent は空のドキュメントや空の解析結果の場合のエラー
	ErrEmptyContent = errors.New("empty content")

	// ErrUserQuotaExceeded はユーザーの同時処理ドキュメント数上限に達している場合のエラー
	ErrUserQuotaExceeded = errors.New("user concurrent document limit reached")

	// ErrNotDeadlettered は再投入対象のジョブがデッドレターではない場合のエラー
	ErrNotDeadlettered = errors.New("document has no deadlettered job")

	// ErrInvalidUpload はアップロード要求が不正な場合のエラー
	ErrInvalidUpload = errors.New("invalid upload")

	// ErrContentMismatch はアップロードされたバイトが登録時のサイズ・ハッシュと一致しない場合のエラー
	ErrContentMismatch = errors.New("uploaded content does not match registration")

	// ErrUploadIncomplete は生バイトが保存されていない状態でアップロード完了が通知された場合のエラー
	ErrUploadIncomplete = errors.New("raw content has not been uploaded")
)

// CodeUserQuota はユーザーの同時処理数上限による延期を示すコードです
const CodeUserQuota = "user_quota"

// ErrorClass はエラーの分類です
type ErrorClass string

const (
	// ErrorClassTransient は外部サービスのタイムアウトや一時的な不可用。バックオフ付きで再試行します
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassPermanent は不正・未対応のドキュメント。再試行せずデッドレターにします
	ErrorClassPermanent ErrorClass = "permanent"
	// ErrorClassConcurrency は DuplicateActiveJob / StaleClaim。別のアクターが処理を継続します
	ErrorClassConcurrency ErrorClass = "concurrency"
	// ErrorClassIntegrity はステージ間の識別子不一致。致命的でアラート対象です
	ErrorClassIntegrity ErrorClass = "integrity"
)

// Retryable はこの分類のエラーが再試行対象かどうかを返します
func (c ErrorClass) Retryable() bool {
	return c == ErrorClassTransient
}

// StageError はステージハンドラが返す分類済みエラーです
type StageError struct {
	Class ErrorClass
	Code  string
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Class, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Code, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Transient は再試行可能なエラーを生成します
func Transient(code string, err error) error {
	return &StageError{Class: ErrorClassTransient, Code: code, Err: err}
}

// Permanent は再試行しないエラーを生成します
func Permanent(code string, err error) error {
	return &StageError{Class: ErrorClassPermanent, Code: code, Err: err}
}

// Integrity はデータ整合性違反のエラーを生成します
func Integrity(code string, err error) error {
	return &StageError{Class: ErrorClassIntegrity, Code: code, Err: err}
}

// Classify はエラーを分類し、機械可読なコードを返します
func Classify(err error) (ErrorClass, string) {
	if err == nil {
		return "", ""
	}

	var se *StageError
	if errors.As(err, &se) {
		return se.Class, se.Code
	}

	switch {
	case errors.Is(err, ErrIdentifierMismatch):
		return ErrorClassIntegrity, "identifier_mismatch"
	case errors.Is(err, ErrDuplicateActiveJob):
		return ErrorClassConcurrency, "duplicate_active_job"
	case errors.Is(err, ErrStaleClaim):
		return ErrorClassConcurrency, "stale_claim"
	case errors.Is(err, ErrUnsupportedContent):
		return ErrorClassPermanent, "unsupported_content"
	case errors.Is(err, ErrEmptyContent):
		return ErrorClassPermanent, "empty_content"
	case errors.Is(err, ErrDocumentNotFound):
		return ErrorClassPermanent, "document_not_found"
	case errors.Is(err, ErrBufferNotFound):
		return ErrorClassPermanent, "buffer_missing"
	case errors.Is(err, ErrUploadIncomplete):
		return ErrorClassPermanent, "upload_incomplete"
	case errors.Is(err, ErrUserQuotaExceeded):
		return ErrorClassTransient, CodeUserQuota
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTransient, "timeout"
	case errors.Is(err, context.Canceled):
		return ErrorClassTransient, "canceled"
	default:
		return ErrorClassTransient, "unknown"
	}
}
