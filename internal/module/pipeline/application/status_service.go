package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

// userFacingReasons はエラーコードごとの利用者向けの説明です
var userFacingReasons = map[string]string{
	"unsupported_content":   "the file type is not supported",
	"empty_content":         "the file contains no text",
	"upload_incomplete":     "the upload did not finish",
	"buffer_missing":        "intermediate results were lost",
	"embedding_rejected":    "the embedding service rejected the content",
	"stale_claim_exhausted": "processing was interrupted too many times",
}

// StatusService はドキュメントの進捗・イベント履歴・手動再投入のユースケースを提供します
type StatusService struct {
	documents domain.DocumentReader
	jobs      domain.JobStore
	events    domain.EventLog
	now       func() time.Time
	log       *slog.Logger
}

// NewStatusService は新しいStatusServiceを作成します
func NewStatusService(documents domain.DocumentReader, jobs domain.JobStore, events domain.EventLog, log *slog.Logger) *StatusService {
	return &StatusService{
		documents: documents,
		jobs:      jobs,
		events:    events,
		now:       time.Now,
		log:       log,
	}
}

// Status はドキュメントの現在の進捗を返します
func (s *StatusService) Status(ctx context.Context, documentID uuid.UUID) (*domain.JobStatus, error) {
	doc, err := s.documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}

	status := &domain.JobStatus{
		DocumentID: doc.ID,
		Stage:      doc.Stage,
		Status:     doc.Status,
		Progress:   doc.Stage.Progress(),
	}

	job, err := s.jobs.LatestByDocument(ctx, documentID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		// アップロード確認前はジョブが存在しない
	case err != nil:
		return nil, fmt.Errorf("failed to get latest job: %w", err)
	default:
		status.State = job.State
		status.RetryCount = job.RetryCount
		status.LastError = job.LastError
		if job.State == domain.StateRetryable {
			waiting, err := s.waitingForQuota(ctx, job)
			if err != nil {
				return nil, err
			}
			if waiting {
				status.Message = fmt.Sprintf("processing (%d%%), waiting for other documents to finish", status.Progress)
				return status, nil
			}
		}
	}

	status.Message = statusMessage(status)
	return status, nil
}

// waitingForQuota はジョブの直近の retry イベントが同時処理数上限による延期かどうかを返します
func (s *StatusService) waitingForQuota(ctx context.Context, job *domain.Job) (bool, error) {
	events, err := s.events.ListByDocument(ctx, job.DocumentID)
	if err != nil {
		return false, fmt.Errorf("failed to list events: %w", err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.JobID == job.ID && ev.Type == domain.EventRetry {
			return ev.Code == domain.CodeUserQuota, nil
		}
	}
	return false, nil
}

func statusMessage(st *domain.JobStatus) string {
	switch {
	case st.Status == domain.DocumentStatusPending:
		return "waiting for upload"
	case st.Status == domain.DocumentStatusEmbedded:
		return "ready"
	case st.State == domain.StateDeadletter || st.Status == domain.DocumentStatusFailed:
		return "could not be processed: " + failureReason(st.LastError)
	case st.State == domain.StateRetryable:
		return fmt.Sprintf("processing (%d%%), retrying after a temporary problem", st.Progress)
	default:
		return fmt.Sprintf("processing (%d%%)", st.Progress)
	}
}

func failureReason(jobErr *domain.JobError) string {
	if jobErr == nil {
		return "unknown error"
	}
	if reason, ok := userFacingReasons[jobErr.Code]; ok {
		return reason
	}
	if jobErr.Class == domain.ErrorClassIntegrity {
		return "an internal consistency check failed"
	}
	return jobErr.Code
}

// Events はドキュメントのイベント履歴を時系列で返します
func (s *StatusService) Events(ctx context.Context, documentID uuid.UUID) ([]*domain.Event, error) {
	if _, err := s.documents.GetByID(ctx, documentID); err != nil {
		return nil, err
	}
	return s.events.ListByDocument(ctx, documentID)
}

// Requeue はデッドレターになったドキュメントを同じステージから再投入します
func (s *StatusService) Requeue(ctx context.Context, documentID uuid.UUID) (*domain.Job, error) {
	job, err := s.jobs.Requeue(ctx, documentID)
	if err != nil {
		return nil, err
	}
	s.log.Info("Document requeued", "documentID", documentID, "jobID", job.ID, "stage", job.Stage)
	return job, nil
}

// PurgeEvents は olderThan より古いイベントを削除し、削除件数を返します
func (s *StatusService) PurgeEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", olderThan)
	}
	before := s.now().Add(-olderThan)
	n, err := s.events.PurgeBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	s.log.Info("Events purged", "before", before, "deleted", n)
	return n, nil
}
