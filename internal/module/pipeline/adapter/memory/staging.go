package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

// StagingBuffer は domain.StagingBuffer のインメモリ実装です
type StagingBuffer struct {
	s *Store
}

var _ domain.StagingBuffer = (*StagingBuffer)(nil)

func (b *StagingBuffer) PutParsedText(_ context.Context, row domain.ParsedText) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	key := row.NaturalKey()
	if _, ok := b.s.parsedTexts[key]; ok {
		return nil
	}
	stored := row
	stored.CreatedAt = b.s.now()
	stored.PromotedAt = nil
	b.s.parsedTexts[key] = &stored
	return nil
}

func (b *StagingBuffer) GetParsedText(_ context.Context, documentID uuid.UUID, parseHash string) (*domain.ParsedText, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	key := domain.ParsedText{DocumentID: documentID, ParseHash: parseHash}.NaturalKey()
	row, ok := b.s.parsedTexts[key]
	if !ok {
		return nil, fmt.Errorf("%w: parsed text %s", domain.ErrBufferNotFound, key)
	}
	c := *row
	return &c, nil
}

func (b *StagingBuffer) PromoteParsedText(_ context.Context, documentID uuid.UUID, parseHash, location string) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	doc, ok := b.s.documents[documentID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, documentID)
	}
	now := b.s.now()
	doc.ParsedLocation = ptr(location)
	doc.ParseHash = ptr(parseHash)
	doc.UpdatedAt = now

	key := domain.ParsedText{DocumentID: documentID, ParseHash: parseHash}.NaturalKey()
	if row, ok := b.s.parsedTexts[key]; ok && row.PromotedAt == nil {
		row.PromotedAt = ptr(now)
	}
	return nil
}

func (b *StagingBuffer) PutChunkTexts(_ context.Context, rows []domain.ChunkText) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	now := b.s.now()
	for _, row := range rows {
		key := row.NaturalKey()
		if _, ok := b.s.chunkTexts[key]; ok {
			continue
		}
		stored := row
		stored.CreatedAt = now
		stored.PromotedAt = nil
		b.s.chunkTexts[key] = &stored
	}
	return nil
}

func (b *StagingBuffer) ListChunkTexts(_ context.Context, documentID uuid.UUID, chunkerName, chunkerVersion string) ([]domain.ChunkText, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	return b.s.chunkTextsFor(documentID, chunkerName, chunkerVersion), nil
}

func (b *StagingBuffer) PromoteChunkTexts(_ context.Context, documentID uuid.UUID, chunkerName, chunkerVersion string) (int, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	now := b.s.now()
	for _, row := range b.s.chunkTextsFor(documentID, chunkerName, chunkerVersion) {
		if _, ok := b.s.chunks[row.ChunkID]; !ok {
			b.s.chunks[row.ChunkID] = &domain.Chunk{
				ID:             row.ChunkID,
				DocumentID:     row.DocumentID,
				ChunkerName:    row.ChunkerName,
				ChunkerVersion: row.ChunkerVersion,
				Ordinal:        row.Ordinal,
				Content:        row.Content,
				ContentHash:    row.ContentHash,
				TokenCount:     row.TokenCount,
				CreatedAt:      now,
			}
		}
		if stored := b.s.chunkTexts[row.NaturalKey()]; stored.PromotedAt == nil {
			stored.PromotedAt = ptr(now)
		}
	}

	count := 0
	for _, ch := range b.s.chunks {
		if ch.DocumentID == documentID && ch.ChunkerName == chunkerName && ch.ChunkerVersion == chunkerVersion {
			count++
		}
	}
	return count, nil
}

func (b *StagingBuffer) PutChunkVector(_ context.Context, row domain.ChunkVector) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	key := row.NaturalKey()
	if _, ok := b.s.chunkVectors[key]; ok {
		return nil
	}
	stored := row
	stored.Vector = append([]float32(nil), row.Vector...)
	stored.CreatedAt = b.s.now()
	stored.PromotedAt = nil
	b.s.chunkVectors[key] = &stored
	b.s.vectorOrder = append(b.s.vectorOrder, key)
	return nil
}

func (b *StagingBuffer) ListChunkVectors(_ context.Context, documentID uuid.UUID, model, version string) ([]domain.ChunkVector, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	out := make([]domain.ChunkVector, 0)
	for _, key := range b.s.vectorOrder {
		row := b.s.chunkVectors[key]
		if row.DocumentID == documentID && row.Model == model && row.Version == version {
			c := *row
			c.Vector = append([]float32(nil), row.Vector...)
			out = append(out, c)
		}
	}
	return out, nil
}

func (b *StagingBuffer) PromoteChunkVectors(_ context.Context, documentID uuid.UUID, model, version string) (int, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	now := b.s.now()
	for _, key := range b.s.vectorOrder {
		row := b.s.chunkVectors[key]
		if row.DocumentID != documentID || row.Model != model || row.Version != version {
			continue
		}
		ch, ok := b.s.chunks[row.ChunkID]
		if !ok {
			continue
		}
		sameModel := ch.EmbeddingModel != nil && *ch.EmbeddingModel == model &&
			ch.EmbeddingVersion != nil && *ch.EmbeddingVersion == version
		if ch.Embedding == nil || !sameModel {
			ch.Embedding = append([]float32(nil), row.Vector...)
			ch.EmbeddingModel = ptr(model)
			ch.EmbeddingVersion = ptr(version)
		}
		if row.PromotedAt == nil {
			row.PromotedAt = ptr(now)
		}
	}

	count := 0
	for _, ch := range b.s.chunks {
		if ch.DocumentID == documentID && ch.Embedding != nil &&
			ch.EmbeddingModel != nil && *ch.EmbeddingModel == model &&
			ch.EmbeddingVersion != nil && *ch.EmbeddingVersion == version {
			count++
		}
	}
	return count, nil
}

func (s *Store) chunkTextsFor(documentID uuid.UUID, chunkerName, chunkerVersion string) []domain.ChunkText {
	out := make([]domain.ChunkText, 0)
	for _, row := range s.chunkTexts {
		if row.DocumentID == documentID && row.ChunkerName == chunkerName && row.ChunkerVersion == chunkerVersion {
			out = append(out, *row)
		}
	}
	slices.SortFunc(out, func(a, b domain.ChunkText) int { return a.Ordinal - b.Ordinal })
	return out
}

// ChunkReader は domain.ChunkReader のインメモリ実装です
type ChunkReader struct {
	s *Store
}

var _ domain.ChunkReader = (*ChunkReader)(nil)

func (r *ChunkReader) ListByDocument(_ context.Context, documentID uuid.UUID) ([]*domain.Chunk, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*domain.Chunk, 0)
	for _, ch := range r.s.chunks {
		if ch.DocumentID == documentID {
			out = append(out, cloneChunk(ch))
		}
	}
	slices.SortFunc(out, func(a, b *domain.Chunk) int {
		switch {
		case a.ChunkerName != b.ChunkerName:
			if a.ChunkerName < b.ChunkerName {
				return -1
			}
			return 1
		case a.ChunkerVersion != b.ChunkerVersion:
			if a.ChunkerVersion < b.ChunkerVersion {
				return -1
			}
			return 1
		default:
			return a.Ordinal - b.Ordinal
		}
	})
	return out, nil
}
