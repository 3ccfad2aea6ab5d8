package pg

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
	"github.com/jinford/docpipe/internal/platform/database"
	pgvector "github.com/pgvector/pgvector-go"
)

// ChunkRepository は正規のチャンクテーブルの読み取りアダプターです
type ChunkRepository struct {
	db database.DBTX
}

// NewChunkRepository は新しいチャンクリポジトリを作成します
func NewChunkRepository(db database.DBTX) *ChunkRepository {
	return &ChunkRepository{db: db}
}

var _ domain.ChunkReader = (*ChunkRepository)(nil)

// ListByDocument はドキュメントのチャンクを (チャンカー, 序数) 順に返します
func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*domain.Chunk, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, document_id, chunker_name, chunker_version, ordinal, content, content_hash, token_count,
			embedding, embedding_model, embedding_version, created_at
		 FROM chunks
		 WHERE document_id = $1
		 ORDER BY chunker_name, chunker_version, ordinal`,
		UUIDToPgtype(documentID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]*domain.Chunk, 0)
	for rows.Next() {
		var (
			c                   domain.Chunk
			id, docID           pgtype.UUID
			ordinal, tokenCount int32
			embedding           *pgvector.Vector
			model, version      pgtype.Text
			createdAt           pgtype.Timestamptz
		)
		if err := rows.Scan(&id, &docID, &c.ChunkerName, &c.ChunkerVersion, &ordinal, &c.Content, &c.ContentHash,
			&tokenCount, &embedding, &model, &version, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.ID = PgtypeToUUID(id)
		c.DocumentID = PgtypeToUUID(docID)
		c.Ordinal = int(ordinal)
		c.TokenCount = int(tokenCount)
		c.Embedding = VectorToSlice(embedding)
		c.EmbeddingModel = PgtextToStringPtr(model)
		c.EmbeddingVersion = PgtextToStringPtr(version)
		c.CreatedAt = PgtypeToTime(createdAt)
		chunks = append(chunks, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunks: %w", err)
	}
	return chunks, nil
}
