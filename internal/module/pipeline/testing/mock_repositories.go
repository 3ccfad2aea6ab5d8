package testing

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

// MockDocumentRepository はテスト用のモックDocumentRepositoryです
type MockDocumentRepository struct {
	GetByIDFunc             func(ctx context.Context, id uuid.UUID) (*domain.Document, error)
	CountAdmittedByUserFunc func(ctx context.Context, userID string) (int, error)
	CreateIfNotExistsFunc   func(ctx context.Context, doc *domain.Document) (*domain.Document, bool, error)
	MarkProcessingFunc      func(ctx context.Context, id uuid.UUID) error
	DeleteFunc              func(ctx context.Context, id uuid.UUID) error
}

var _ domain.DocumentRepository = (*MockDocumentRepository)(nil)

func (m *MockDocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, domain.ErrDocumentNotFound
}

func (m *MockDocumentRepository) CountAdmittedByUser(ctx context.Context, userID string) (int, error) {
	if m.CountAdmittedByUserFunc != nil {
		return m.CountAdmittedByUserFunc(ctx, userID)
	}
	return 0, nil
}

func (m *MockDocumentRepository) CreateIfNotExists(ctx context.Context, doc *domain.Document) (*domain.Document, bool, error) {
	if m.CreateIfNotExistsFunc != nil {
		return m.CreateIfNotExistsFunc(ctx, doc)
	}
	return doc, true, nil
}

func (m *MockDocumentRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	if m.MarkProcessingFunc != nil {
		return m.MarkProcessingFunc(ctx, id)
	}
	return nil
}

func (m *MockDocumentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	return nil
}

// MockJobStore はテスト用のモックJobStoreです
type MockJobStore struct {
	CreateFunc           func(ctx context.Context, params domain.NewJob) (*domain.Job, error)
	CreateInitialFunc    func(ctx context.Context, params domain.NewJob) (*domain.Job, bool, error)
	ClaimFunc            func(ctx context.Context, workerID string) (*domain.Job, error)
	HeartbeatFunc        func(ctx context.Context, claim domain.Claim) error
	CompleteFunc         func(ctx context.Context, claim domain.Claim, completion domain.Completion) (*domain.Job, error)
	FailFunc             func(ctx context.Context, claim domain.Claim, jobErr *domain.JobError) (*domain.Job, error)
	DeferFunc            func(ctx context.Context, claim domain.Claim, delay time.Duration, code string) (*domain.Job, error)
	RequeueFunc          func(ctx context.Context, documentID uuid.UUID) (*domain.Job, error)
	LatestByDocumentFunc func(ctx context.Context, documentID uuid.UUID) (*domain.Job, error)
	ListByDocumentFunc   func(ctx context.Context, documentID uuid.UUID) ([]*domain.Job, error)
}

var _ domain.JobStore = (*MockJobStore)(nil)

func (m *MockJobStore) Create(ctx context.Context, params domain.NewJob) (*domain.Job, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, params)
	}
	return nil, nil
}

func (m *MockJobStore) CreateInitial(ctx context.Context, params domain.NewJob) (*domain.Job, bool, error) {
	if m.CreateInitialFunc != nil {
		return m.CreateInitialFunc(ctx, params)
	}
	return nil, false, nil
}

func (m *MockJobStore) Claim(ctx context.Context, workerID string) (*domain.Job, error) {
	if m.ClaimFunc != nil {
		return m.ClaimFunc(ctx, workerID)
	}
	return nil, nil
}

func (m *MockJobStore) Heartbeat(ctx context.Context, claim domain.Claim) error {
	if m.HeartbeatFunc != nil {
		return m.HeartbeatFunc(ctx, claim)
	}
	return nil
}

func (m *MockJobStore) Complete(ctx context.Context, claim domain.Claim, completion domain.Completion) (*domain.Job, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, claim, completion)
	}
	return nil, nil
}

func (m *MockJobStore) Fail(ctx context.Context, claim domain.Claim, jobErr *domain.JobError) (*domain.Job, error) {
	if m.FailFunc != nil {
		return m.FailFunc(ctx, claim, jobErr)
	}
	return nil, nil
}

func (m *MockJobStore) Defer(ctx context.Context, claim domain.Claim, delay time.Duration, code string) (*domain.Job, error) {
	if m.DeferFunc != nil {
		return m.DeferFunc(ctx, claim, delay, code)
	}
	return nil, nil
}

func (m *MockJobStore) Requeue(ctx context.Context, documentID uuid.UUID) (*domain.Job, error) {
	if m.RequeueFunc != nil {
		return m.RequeueFunc(ctx, documentID)
	}
	return nil, nil
}

func (m *MockJobStore) LatestByDocument(ctx context.Context, documentID uuid.UUID) (*domain.Job, error) {
	if m.LatestByDocumentFunc != nil {
		return m.LatestByDocumentFunc(ctx, documentID)
	}
	return nil, domain.ErrJobNotFound
}

func (m *MockJobStore) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*domain.Job, error) {
	if m.ListByDocumentFunc != nil {
		return m.ListByDocumentFunc(ctx, documentID)
	}
	return nil, nil
}

// MockEventLog はテスト用のモックEventLogです
type MockEventLog struct {
	ListByDocumentFunc    func(ctx context.Context, documentID uuid.UUID) ([]*domain.Event, error)
	ListByCorrelationFunc func(ctx context.Context, correlationID uuid.UUID) ([]*domain.Event, error)
	PurgeBeforeFunc       func(ctx context.Context, before time.Time) (int64, error)
}

var _ domain.EventLog = (*MockEventLog)(nil)

func (m *MockEventLog) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*domain.Event, error) {
	if m.ListByDocumentFunc != nil {
		return m.ListByDocumentFunc(ctx, documentID)
	}
	return nil, nil
}

func (m *MockEventLog) ListByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*domain.Event, error) {
	if m.ListByCorrelationFunc != nil {
		return m.ListByCorrelationFunc(ctx, correlationID)
	}
	return nil, nil
}

func (m *MockEventLog) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	if m.PurgeBeforeFunc != nil {
		return m.PurgeBeforeFunc(ctx, before)
	}
	return 0, nil
}

// MockBlobStore はテスト用のモックBlobStoreです
type MockBlobStore struct {
	PutFunc    func(ctx context.Context, key string, r io.Reader) (string, error)
	ReadFunc   func(ctx context.Context, location string) ([]byte, error)
	ExistsFunc func(ctx context.Context, location string) (bool, error)
	DeleteFunc func(ctx context.Context, location string) error
}

var _ domain.BlobStore = (*MockBlobStore)(nil)

func (m *MockBlobStore) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	if m.PutFunc != nil {
		return m.PutFunc(ctx, key, r)
	}
	return key, nil
}

func (m *MockBlobStore) Read(ctx context.Context, location string) ([]byte, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(ctx, location)
	}
	return nil, domain.ErrUploadIncomplete
}

func (m *MockBlobStore) Exists(ctx context.Context, location string) (bool, error) {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(ctx, location)
	}
	return false, nil
}

func (m *MockBlobStore) Delete(ctx context.Context, location string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, location)
	}
	return nil
}
