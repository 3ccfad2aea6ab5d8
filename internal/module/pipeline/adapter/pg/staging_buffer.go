package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
	"github.com/jinford/docpipe/internal/platform/database"
	pgvector "github.com/pgvector/pgvector-go"
)

// StagingBuffer は高コストなステージ出力を先に書き込むバッファの永続化アダプターです
// 書き込みは (kind, natural_key) の一意制約で冪等になり、昇格は正規テーブルへの冪等な upsert です
type StagingBuffer struct {
	db database.DBTX
}

// NewStagingBuffer は新しいステージングバッファを作成します
func NewStagingBuffer(db database.DBTX) *StagingBuffer {
	return &StagingBuffer{db: db}
}

var _ domain.StagingBuffer = (*StagingBuffer)(nil)

// === 解析済みテキスト ===

// PutParsedText は解析済みテキストを書き込みます。同じ自然キーの行が存在する場合は何もしません
func (b *StagingBuffer) PutParsedText(ctx context.Context, row domain.ParsedText) error {
	_, err := b.db.Exec(ctx,
		`INSERT INTO staging_buffers (kind, natural_key, document_id, content, content_hash)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (kind, natural_key) DO NOTHING`,
		string(domain.BufferKindParsedText), row.NaturalKey(), UUIDToPgtype(row.DocumentID), row.Text, row.ParseHash,
	)
	if err != nil {
		return fmt.Errorf("failed to put parsed text: %w", err)
	}
	return nil
}

// GetParsedText は解析済みテキストを取得します
func (b *StagingBuffer) GetParsedText(ctx context.Context, documentID uuid.UUID, parseHash string) (*domain.ParsedText, error) {
	key := domain.ParsedText{DocumentID: documentID, ParseHash: parseHash}.NaturalKey()

	var (
		row        domain.ParsedText
		createdAt  pgtype.Timestamptz
		promotedAt pgtype.Timestamptz
	)
	err := b.db.QueryRow(ctx,
		`SELECT content, content_hash, created_at, promoted_at FROM staging_buffers
		 WHERE kind = $1 AND natural_key = $2`,
		string(domain.BufferKindParsedText), key,
	).Scan(&row.Text, &row.ParseHash, &createdAt, &promotedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: parsed text %s", domain.ErrBufferNotFound, key)
		}
		return nil, fmt.Errorf("failed to get parsed text: %w", err)
	}

	row.DocumentID = documentID
	row.CreatedAt = PgtypeToTime(createdAt)
	row.PromotedAt = PgtypeToTimePtr(promotedAt)
	return &row, nil
}

// PromoteParsedText はドキュメントに解析済みテキストの保存場所とハッシュを記録します
func (b *StagingBuffer) PromoteParsedText(ctx context.Context, documentID uuid.UUID, parseHash, location string) error {
	key := domain.ParsedText{DocumentID: documentID, ParseHash: parseHash}.NaturalKey()

	_, err := database.Transact(ctx, b.db, func(tx pgx.Tx) (struct{}, error) {
		tag, err := tx.Exec(ctx,
			`UPDATE documents SET parsed_location = $2, parse_hash = $3, updated_at = now() WHERE id = $1`,
			UUIDToPgtype(documentID), location, parseHash,
		)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to promote parsed text: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return struct{}{}, fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, documentID)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE staging_buffers SET promoted_at = COALESCE(promoted_at, now())
			 WHERE kind = $1 AND natural_key = $2`,
			string(domain.BufferKindParsedText), key,
		); err != nil {
			return struct{}{}, fmt.Errorf("failed to stamp parsed text: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// === チャンクテキスト ===

// PutChunkTexts はチャンクテキストをまとめて書き込みます。既存のチャンクIDは無視されます
func (b *StagingBuffer) PutChunkTexts(ctx context.Context, rows []domain.ChunkText) error {
	if len(rows) == 0 {
		return nil
	}

	_, err := database.Transact(ctx, b.db, func(tx pgx.Tx) (struct{}, error) {
		batch := &pgx.Batch{}
		for _, row := range rows {
			batch.Queue(
				`INSERT INTO staging_buffers
					(kind, natural_key, document_id, chunk_id, ordinal, name, version, content, content_hash, token_count)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				 ON CONFLICT (kind, natural_key) DO NOTHING`,
				string(domain.BufferKindChunkText), row.NaturalKey(), UUIDToPgtype(row.DocumentID), UUIDToPgtype(row.ChunkID),
				row.Ordinal, row.ChunkerName, row.ChunkerVersion, row.Content, row.ContentHash, row.TokenCount,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return struct{}{}, fmt.Errorf("failed to put chunk texts: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// ListChunkTexts はチャンカー名とバージョンに対応するチャンクテキストを序数順に返します
func (b *StagingBuffer) ListChunkTexts(ctx context.Context, documentID uuid.UUID, chunkerName, chunkerVersion string) ([]domain.ChunkText, error) {
	rows, err := b.db.Query(ctx,
		`SELECT chunk_id, ordinal, content, content_hash, token_count, created_at, promoted_at
		 FROM staging_buffers
		 WHERE kind = $1 AND document_id = $2 AND name = $3 AND version = $4
		 ORDER BY ordinal`,
		string(domain.BufferKindChunkText), UUIDToPgtype(documentID), chunkerName, chunkerVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk texts: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ChunkText, 0)
	for rows.Next() {
		var (
			ct                    domain.ChunkText
			chunkID               pgtype.UUID
			ordinal, tokenCount   int32
			createdAt, promotedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&chunkID, &ordinal, &ct.Content, &ct.ContentHash, &tokenCount, &createdAt, &promotedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk text: %w", err)
		}
		ct.ChunkID = PgtypeToUUID(chunkID)
		ct.DocumentID = documentID
		ct.ChunkerName = chunkerName
		ct.ChunkerVersion = chunkerVersion
		ct.Ordinal = int(ordinal)
		ct.TokenCount = int(tokenCount)
		ct.CreatedAt = PgtypeToTime(createdAt)
		ct.PromotedAt = PgtypeToTimePtr(promotedAt)
		out = append(out, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk texts: %w", err)
	}
	return out, nil
}

// PromoteChunkTexts はチャンクテキストを正規のチャンクテーブルへ upsert します
// 既存のチャンクIDは変更しないため、繰り返し実行しても結果は変わりません
func (b *StagingBuffer) PromoteChunkTexts(ctx context.Context, documentID uuid.UUID, chunkerName, chunkerVersion string) (int, error) {
	return database.Transact(ctx, b.db, func(tx pgx.Tx) (int, error) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chunks (id, document_id, chunker_name, chunker_version, ordinal, content, content_hash, token_count)
			 SELECT chunk_id, document_id, name, version, ordinal, content, content_hash, token_count
			 FROM staging_buffers
			 WHERE kind = $1 AND document_id = $2 AND name = $3 AND version = $4
			 ON CONFLICT (id) DO NOTHING`,
			string(domain.BufferKindChunkText), UUIDToPgtype(documentID), chunkerName, chunkerVersion,
		); err != nil {
			return 0, fmt.Errorf("failed to promote chunk texts: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE staging_buffers SET promoted_at = COALESCE(promoted_at, now())
			 WHERE kind = $1 AND document_id = $2 AND name = $3 AND version = $4`,
			string(domain.BufferKindChunkText), UUIDToPgtype(documentID), chunkerName, chunkerVersion,
		); err != nil {
			return 0, fmt.Errorf("failed to stamp chunk texts: %w", err)
		}

		var count int64
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM chunks WHERE document_id = $1 AND chunker_name = $2 AND chunker_version = $3`,
			UUIDToPgtype(documentID), chunkerName, chunkerVersion,
		).Scan(&count); err != nil {
			return 0, fmt.Errorf("failed to count chunks: %w", err)
		}
		return int(count), nil
	})
}

// === チャンクベクトル ===

// PutChunkVector はチャンクベクトルを書き込みます。同じ (chunk, model, version) が存在する場合は何もしません
func (b *StagingBuffer) PutChunkVector(ctx context.Context, row domain.ChunkVector) error {
	_, err := b.db.Exec(ctx,
		`INSERT INTO staging_buffers (kind, natural_key, document_id, chunk_id, name, version, vector)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (kind, natural_key) DO NOTHING`,
		string(domain.BufferKindChunkVector), row.NaturalKey(), UUIDToPgtype(row.DocumentID), UUIDToPgtype(row.ChunkID),
		row.Model, row.Version, pgvector.NewVector(row.Vector),
	)
	if err != nil {
		return fmt.Errorf("failed to put chunk vector: %w", err)
	}
	return nil
}

// ListChunkVectors はモデルとバージョンに対応するチャンクベクトルを返します
func (b *StagingBuffer) ListChunkVectors(ctx context.Context, documentID uuid.UUID, model, version string) ([]domain.ChunkVector, error) {
	rows, err := b.db.Query(ctx,
		`SELECT chunk_id, vector, created_at, promoted_at
		 FROM staging_buffers
		 WHERE kind = $1 AND document_id = $2 AND name = $3 AND version = $4
		 ORDER BY id`,
		string(domain.BufferKindChunkVector), UUIDToPgtype(documentID), model, version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk vectors: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ChunkVector, 0)
	for rows.Next() {
		var (
			cv                    domain.ChunkVector
			chunkID               pgtype.UUID
			vector                *pgvector.Vector
			createdAt, promotedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&chunkID, &vector, &createdAt, &promotedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk vector: %w", err)
		}
		cv.ChunkID = PgtypeToUUID(chunkID)
		cv.DocumentID = documentID
		cv.Model = model
		cv.Version = version
		cv.Vector = VectorToSlice(vector)
		cv.CreatedAt = PgtypeToTime(createdAt)
		cv.PromotedAt = PgtypeToTimePtr(promotedAt)
		out = append(out, cv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunk vectors: %w", err)
	}
	return out, nil
}

// PromoteChunkVectors はベクトルを正規のチャンク行へ反映し、そのモデルのベクトルを持つチャンク数を返します
// 同じモデル・バージョンのベクトルが既に設定されているチャンクは変更しません
func (b *StagingBuffer) PromoteChunkVectors(ctx context.Context, documentID uuid.UUID, model, version string) (int, error) {
	return database.Transact(ctx, b.db, func(tx pgx.Tx) (int, error) {
		if _, err := tx.Exec(ctx,
			`UPDATE chunks c SET
				embedding = s.vector,
				embedding_model = s.name,
				embedding_version = s.version
			 FROM staging_buffers s
			 WHERE s.kind = $1 AND s.document_id = $2 AND s.name = $3 AND s.version = $4
			   AND c.id = s.chunk_id
			   AND (c.embedding IS NULL
			        OR c.embedding_model IS DISTINCT FROM s.name
			        OR c.embedding_version IS DISTINCT FROM s.version)`,
			string(domain.BufferKindChunkVector), UUIDToPgtype(documentID), model, version,
		); err != nil {
			return 0, fmt.Errorf("failed to promote chunk vectors: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE staging_buffers SET promoted_at = COALESCE(promoted_at, now())
			 WHERE kind = $1 AND document_id = $2 AND name = $3 AND version = $4`,
			string(domain.BufferKindChunkVector), UUIDToPgtype(documentID), model, version,
		); err != nil {
			return 0, fmt.Errorf("failed to stamp chunk vectors: %w", err)
		}

		var count int64
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM chunks
			 WHERE document_id = $1 AND embedding IS NOT NULL AND embedding_model = $2 AND embedding_version = $3`,
			UUIDToPgtype(documentID), model, version,
		).Scan(&count); err != nil {
			return 0, fmt.Errorf("failed to count embedded chunks: %w", err)
		}
		return int(count), nil
	})
}
