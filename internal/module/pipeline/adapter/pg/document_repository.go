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
)

const documentColumns = `id, user_id, filename, mime_type, size, content_hash, raw_location,
	parsed_location, parse_hash, stage, status, created_at, updated_at`

// DocumentRepository はドキュメントの永続化アダプターです
type DocumentRepository struct {
	db database.DBTX
}

// NewDocumentRepository は新しいドキュメントリポジトリを作成します
func NewDocumentRepository(db database.DBTX) *DocumentRepository {
	return &DocumentRepository{db: db}
}

var _ domain.DocumentRepository = (*DocumentRepository)(nil)

// GetByID はIDでドキュメントを取得します
func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	row := r.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, UUIDToPgtype(id))
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, id)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// CountAdmittedByUser は parsing〜embeddings_buffered にあるユーザーのドキュメント数を返します
func (r *DocumentRepository) CountAdmittedByUser(ctx context.Context, userID string) (int, error) {
	stages := make([]string, 0)
	for _, st := range domain.Stages() {
		if st.IsAdmitted() {
			stages = append(stages, string(st))
		}
	}

	var count int64
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM documents
		 WHERE user_id = $1 AND status = $2 AND stage = ANY($3)`,
		userID, string(domain.DocumentStatusProcessing), stages,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count admitted documents: %w", err)
	}
	return int(count), nil
}

// CreateIfNotExists は (user_id, content_hash) が未登録の場合のみ作成します
// 既に存在する場合は既存の行を返し、created は false になります
func (r *DocumentRepository) CreateIfNotExists(ctx context.Context, doc *domain.Document) (*domain.Document, bool, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO documents (id, user_id, filename, mime_type, size, content_hash, raw_location, stage, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT DO NOTHING
		 RETURNING `+documentColumns,
		UUIDToPgtype(doc.ID), doc.UserID, doc.Filename, doc.MIMEType, doc.Size, doc.ContentHash,
		doc.RawLocation, string(domain.StageQueued), string(domain.DocumentStatusPending),
	)
	created, err := scanDocument(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create document: %w", err)
	}

	existing, err := r.GetByID(ctx, doc.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// MarkProcessing は受領確認済みのドキュメントを processing にします
func (r *DocumentRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE documents SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`,
		UUIDToPgtype(id), string(domain.DocumentStatusProcessing), string(domain.DocumentStatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark document processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// 既に処理中または完了済みの場合は何もしない
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Delete はドキュメントを削除します。ジョブ・チャンク・バッファは外部キーでカスケード削除されます
func (r *DocumentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, UUIDToPgtype(id))
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrDocumentNotFound, id)
	}
	return nil
}

func scanDocument(row pgx.Row) (*domain.Document, error) {
	var (
		id             pgtype.UUID
		doc            domain.Document
		parsedLocation pgtype.Text
		parseHash      pgtype.Text
		stage, status  string
		createdAt      pgtype.Timestamptz
		updatedAt      pgtype.Timestamptz
	)
	if err := row.Scan(
		&id, &doc.UserID, &doc.Filename, &doc.MIMEType, &doc.Size, &doc.ContentHash, &doc.RawLocation,
		&parsedLocation, &parseHash, &stage, &status, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	doc.ID = PgtypeToUUID(id)
	doc.ParsedLocation = PgtextToStringPtr(parsedLocation)
	doc.ParseHash = PgtextToStringPtr(parseHash)
	doc.Stage = domain.Stage(stage)
	doc.Status = domain.DocumentStatus(status)
	doc.CreatedAt = PgtypeToTime(createdAt)
	doc.UpdatedAt = PgtypeToTime(updatedAt)
	return &doc, nil
}
