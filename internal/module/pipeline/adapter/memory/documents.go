package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

// DocumentRepository は domain.DocumentRepository のインメモリ実装です
type DocumentRepository struct {
	s *Store
}

var _ domain.DocumentRepository = (*DocumentRepository)(nil)

func (r *DocumentRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.Document, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	doc, ok := r.s.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, id)
	}
	return cloneDocument(doc), nil
}

func (r *DocumentRepository) CountAdmittedByUser(_ context.Context, userID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	count := 0
	for _, doc := range r.s.documents {
		if doc.UserID == userID && doc.Status == domain.DocumentStatusProcessing && doc.Stage.IsAdmitted() {
			count++
		}
	}
	return count, nil
}

func (r *DocumentRepository) CreateIfNotExists(_ context.Context, doc *domain.Document) (*domain.Document, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if existing, ok := r.s.documents[doc.ID]; ok {
		return cloneDocument(existing), false, nil
	}
	for _, existing := range r.s.documents {
		if existing.UserID == doc.UserID && existing.ContentHash == doc.ContentHash {
			return cloneDocument(existing), false, nil
		}
	}

	now := r.s.now()
	stored := cloneDocument(doc)
	stored.Stage = domain.StageQueued
	stored.Status = domain.DocumentStatusPending
	stored.ParsedLocation = nil
	stored.ParseHash = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.s.documents[doc.ID] = stored
	return cloneDocument(stored), true, nil
}

func (r *DocumentRepository) MarkProcessing(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	doc, ok := r.s.documents[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, id)
	}
	if doc.Status == domain.DocumentStatusPending {
		doc.Status = domain.DocumentStatusProcessing
		doc.UpdatedAt = r.s.now()
	}
	return nil
}

func (r *DocumentRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.documents[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, id)
	}
	delete(r.s.documents, id)

	order := r.s.jobOrder[:0]
	for _, jobID := range r.s.jobOrder {
		if r.s.jobs[jobID].DocumentID == id {
			delete(r.s.jobs, jobID)
			continue
		}
		order = append(order, jobID)
	}
	r.s.jobOrder = order

	for key, row := range r.s.parsedTexts {
		if row.DocumentID == id {
			delete(r.s.parsedTexts, key)
		}
	}
	for key, row := range r.s.chunkTexts {
		if row.DocumentID == id {
			delete(r.s.chunkTexts, key)
		}
	}
	vectorOrder := r.s.vectorOrder[:0]
	for _, key := range r.s.vectorOrder {
		if r.s.chunkVectors[key].DocumentID == id {
			delete(r.s.chunkVectors, key)
			continue
		}
		vectorOrder = append(vectorOrder, key)
	}
	r.s.vectorOrder = vectorOrder

	for chunkID, ch := range r.s.chunks {
		if ch.DocumentID == id {
			delete(r.s.chunks, chunkID)
		}
	}
	return nil
}
