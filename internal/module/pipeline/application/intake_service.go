package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

// DefaultMaxUploadSize はアップロードできるファイルサイズの上限です
const DefaultMaxUploadSize = 32 << 20

// UploadRequest はアップロードの登録要求です
// Content を指定した場合は ContentHash と Size を内容から計算します
type UploadRequest struct {
	UserID      string
	Filename    string
	MIMEType    string
	Size        int64
	ContentHash string
	Content     []byte
}

// Registration は登録結果です
type Registration struct {
	Document *domain.Document
	// Created は今回の要求で新しく登録された場合に true
	Created bool
}

// IngestResult は一括取り込みの結果です
type IngestResult struct {
	Document *domain.Document
	// Job は作成された最初のジョブ。再アップロードの場合は nil
	Job *domain.Job
	// Duplicate は同じユーザーが同じ内容を既にアップロード済みだった場合に true
	Duplicate bool
}

// RepositoryIngestResult はリポジトリ取り込みの結果です
type RepositoryIngestResult struct {
	CommitHash string
	Ingested   int
	Duplicates int
	Skipped    int
	Failed     int
}

// IntakeService はアップロードの受付とドキュメント削除のユースケースを提供します
type IntakeService struct {
	documents     domain.DocumentRepository
	jobs          domain.JobStore
	blobs         domain.BlobStore
	source        domain.RepositorySource
	maxUploadSize int64
	log           *slog.Logger
}

// NewIntakeService は新しいIntakeServiceを作成します
// source が nil の場合、リポジトリ取り込みは利用できません
func NewIntakeService(
	documents domain.DocumentRepository,
	jobs domain.JobStore,
	blobs domain.BlobStore,
	source domain.RepositorySource,
	log *slog.Logger,
) *IntakeService {
	return &IntakeService{
		documents:     documents,
		jobs:          jobs,
		blobs:         blobs,
		source:        source,
		maxUploadSize: DefaultMaxUploadSize,
		log:           log,
	}
}

// MaxUploadSize はアップロードできるファイルサイズの上限を返します
func (s *IntakeService) MaxUploadSize() int64 {
	return s.maxUploadSize
}

// Document はドキュメントを取得します
func (s *IntakeService) Document(ctx context.Context, documentID uuid.UUID) (*domain.Document, error) {
	return s.documents.GetByID(ctx, documentID)
}

// Register はドキュメントを登録し、生バイトの保存先を決定します
// (ユーザー, 内容ハッシュ) が登録済みの場合は既存のドキュメントを返します
func (s *IntakeService) Register(ctx context.Context, req UploadRequest) (*Registration, error) {
	if req.Content != nil {
		req.ContentHash = domain.ContentHash(req.Content)
		req.Size = int64(len(req.Content))
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}

	id := domain.DocumentID(req.UserID, req.ContentHash)
	doc, created, err := s.documents.CreateIfNotExists(ctx, &domain.Document{
		ID:          id,
		UserID:      req.UserID,
		Filename:    req.Filename,
		MIMEType:    req.MIMEType,
		Size:        req.Size,
		ContentHash: req.ContentHash,
		RawLocation: domain.RawBlobKey(req.UserID, id),
	})
	if err != nil {
		s.log.Error("Failed to register document", "userID", req.UserID, "filename", req.Filename, "error", err)
		return nil, fmt.Errorf("failed to register document: %w", err)
	}

	if created {
		s.log.Info("Document registered", "documentID", doc.ID, "userID", doc.UserID, "size", doc.Size)
	}
	return &Registration{Document: doc, Created: created}, nil
}

func (s *IntakeService) validate(req UploadRequest) error {
	var errs []error
	if strings.TrimSpace(req.UserID) == "" {
		errs = append(errs, errors.New("user ID is required"))
	}
	if strings.TrimSpace(req.Filename) == "" {
		errs = append(errs, errors.New("filename is required"))
	}
	if strings.TrimSpace(req.MIMEType) == "" {
		errs = append(errs, errors.New("MIME type is required"))
	}
	if req.Size <= 0 {
		errs = append(errs, errors.New("size must be positive"))
	}
	if req.Size > s.maxUploadSize {
		errs = append(errs, fmt.Errorf("size exceeds the %d byte limit", s.maxUploadSize))
	}
	if len(req.ContentHash) != 64 {
		errs = append(errs, errors.New("content hash must be a hex SHA-256"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidUpload, errors.Join(errs...))
	}
	return nil
}

// PutContent は登録済みドキュメントの生バイトを保存します
// サイズとハッシュが登録時の値と一致しない場合は ErrContentMismatch を返します
func (s *IntakeService) PutContent(ctx context.Context, documentID uuid.UUID, r io.Reader) error {
	doc, err := s.documents.GetByID(ctx, documentID)
	if err != nil {
		return err
	}

	content, err := io.ReadAll(io.LimitReader(r, doc.Size+1))
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(content)) != doc.Size || domain.ContentHash(content) != doc.ContentHash {
		return fmt.Errorf("%w: document %s", domain.ErrContentMismatch, documentID)
	}

	if _, err := s.blobs.Put(ctx, doc.RawLocation, bytes.NewReader(content)); err != nil {
		s.log.Error("Failed to store raw content", "documentID", documentID, "error", err)
		return fmt.Errorf("failed to store raw content: %w", err)
	}
	return nil
}

// Confirm は生バイトの保存を確認し、最初のジョブを作成します
// 既にジョブが存在する場合(再アップロード)は何も作成せず、job は nil になります
func (s *IntakeService) Confirm(ctx context.Context, documentID uuid.UUID) (*domain.Job, error) {
	doc, err := s.documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}

	ok, err := s.blobs.Exists(ctx, doc.RawLocation)
	if err != nil {
		return nil, fmt.Errorf("failed to check raw content: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: document %s", domain.ErrUploadIncomplete, documentID)
	}

	if err := s.documents.MarkProcessing(ctx, documentID); err != nil {
		return nil, fmt.Errorf("failed to mark document processing: %w", err)
	}

	job, created, err := s.jobs.CreateInitial(ctx, domain.NewJob{
		DocumentID:    doc.ID,
		CorrelationID: domain.NewCorrelationID(),
		Stage:         domain.StageQueued,
	})
	if err != nil {
		s.log.Error("Failed to create initial job", "documentID", documentID, "error", err)
		return nil, fmt.Errorf("failed to create initial job: %w", err)
	}
	if !created {
		s.log.Info("Upload confirmed for an existing document, no job created", "documentID", documentID)
		return nil, nil
	}

	s.log.Info("Upload confirmed", "documentID", documentID, "jobID", job.ID, "correlationID", job.CorrelationID)
	return job, nil
}

// Ingest は登録・保存・確認を一度に行います
func (s *IntakeService) Ingest(ctx context.Context, req UploadRequest) (*IngestResult, error) {
	if req.Content == nil {
		return nil, fmt.Errorf("%w: content is required", domain.ErrInvalidUpload)
	}

	reg, err := s.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	if !reg.Created && reg.Document.Status != domain.DocumentStatusPending {
		return &IngestResult{Document: reg.Document, Duplicate: true}, nil
	}

	if err := s.PutContent(ctx, reg.Document.ID, bytes.NewReader(req.Content)); err != nil {
		return nil, err
	}
	job, err := s.Confirm(ctx, reg.Document.ID)
	if err != nil {
		return nil, err
	}

	doc, err := s.documents.GetByID(ctx, reg.Document.ID)
	if err != nil {
		return nil, err
	}
	return &IngestResult{Document: doc, Job: job, Duplicate: job == nil}, nil
}

// IngestRepository はリポジトリの ref にあるテキストファイルをすべて取り込みます
// 個々のファイルの失敗はログに記録して続行します
func (s *IntakeService) IngestRepository(ctx context.Context, userID, repoURL, ref string) (*RepositoryIngestResult, error) {
	if s.source == nil {
		return nil, errors.New("repository source is not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user ID is required", domain.ErrInvalidUpload)
	}

	snapshot, err := s.source.Fetch(ctx, repoURL, ref)
	if err != nil {
		s.log.Error("Failed to fetch repository", "repo", repoURL, "ref", ref, "error", err)
		return nil, fmt.Errorf("failed to fetch repository: %w", err)
	}

	result := &RepositoryIngestResult{CommitHash: snapshot.CommitHash, Skipped: snapshot.Skipped}
	for _, file := range snapshot.Files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res, err := s.Ingest(ctx, UploadRequest{
			UserID:   userID,
			Filename: file.Path,
			MIMEType: file.MIMEType,
			Content:  file.Content,
		})
		if err != nil {
			result.Failed++
			s.log.Warn("Failed to ingest file", "path", file.Path, "error", err)
			continue
		}
		if res.Duplicate {
			result.Duplicates++
			continue
		}
		result.Ingested++
	}

	s.log.Info("Repository ingested",
		"repo", repoURL,
		"commit", result.CommitHash,
		"ingested", result.Ingested,
		"duplicates", result.Duplicates,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

// Delete はドキュメントを削除します。ジョブ・チャンク・バッファは連鎖して削除され、ブロブも削除します
func (s *IntakeService) Delete(ctx context.Context, documentID uuid.UUID) error {
	doc, err := s.documents.GetByID(ctx, documentID)
	if err != nil {
		return err
	}
	if err := s.documents.Delete(ctx, documentID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	locations := []string{doc.RawLocation}
	if doc.ParsedLocation != nil {
		locations = append(locations, *doc.ParsedLocation)
	}
	for _, loc := range locations {
		if err := s.blobs.Delete(ctx, loc); err != nil {
			// 行は削除済みのため、孤立したブロブは警告に留める
			s.log.Warn("Failed to delete blob", "documentID", documentID, "location", loc, "error", err)
		}
	}

	s.log.Info("Document deleted", "documentID", documentID)
	return nil
}
