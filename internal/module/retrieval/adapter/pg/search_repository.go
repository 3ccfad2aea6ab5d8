package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jinford/docpipe/internal/module/retrieval/domain"
	"github.com/jinford/docpipe/internal/platform/database"
	pgvector "github.com/pgvector/pgvector-go"
)

const (
	// minEfSearch は pgvector の hnsw.ef_search の既定値
	minEfSearch = 40
	// maxEfSearch は hnsw.ef_search に設定できる上限
	maxEfSearch = 1000
)

// SearchRepository はpgvectorによるベクトル検索の永続化アダプターです
type SearchRepository struct {
	db database.DBTX
}

// NewSearchRepository は新しい検索リポジトリを作成します
func NewSearchRepository(db database.DBTX) *SearchRepository {
	return &SearchRepository{db: db}
}

var _ domain.SearchRepository = (*SearchRepository)(nil)

// SearchChunks はユーザーの埋め込み完了済みドキュメントのチャンクをコサイン距離の近い順に返します
// 昇格前のステージングバッファや処理中のドキュメントは対象外です
// HNSW インデックスは全ユーザーの近傍を返すため、フィルタ後に limit 件に満たない場合は
// iterative scan で走査を続けます (pgvector 0.8 以降)
func (r *SearchRepository) SearchChunks(ctx context.Context, userID string, queryVector []float32, limit int) ([]*domain.Match, error) {
	return database.Transact(ctx, r.db, func(tx pgx.Tx) ([]*domain.Match, error) {
		if _, err := tx.Exec(ctx, `SET LOCAL hnsw.iterative_scan = strict_order`); err != nil {
			return nil, fmt.Errorf("failed to enable iterative scan: %w", err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`SET LOCAL hnsw.ef_search = %d`, efSearch(limit))); err != nil {
			return nil, fmt.Errorf("failed to set ef_search: %w", err)
		}
		return searchChunks(ctx, tx, userID, queryVector, limit)
	})
}

// efSearch は limit 件を得るための候補数を返します
func efSearch(limit int) int {
	ef := limit * 4
	if ef < minEfSearch {
		return minEfSearch
	}
	if ef > maxEfSearch {
		return maxEfSearch
	}
	return ef
}

func searchChunks(ctx context.Context, tx pgx.Tx, userID string, queryVector []float32, limit int) ([]*domain.Match, error) {
	rows, err := tx.Query(ctx,
		`SELECT c.id, c.document_id, d.filename, c.ordinal, c.content,
			1 - (c.embedding <=> $1) AS score
		 FROM chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE d.user_id = $2
		   AND d.stage = 'embedded'
		   AND c.embedding IS NOT NULL
		 ORDER BY c.embedding <=> $1
		 LIMIT $3`,
		pgvector.NewVector(queryVector), userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	matches := make([]*domain.Match, 0, limit)
	for rows.Next() {
		var (
			m         domain.Match
			id, docID pgtype.UUID
			ordinal   int32
		)
		if err := rows.Scan(&id, &docID, &m.Filename, &ordinal, &m.Content, &m.Score); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		m.ChunkID = id.Bytes
		m.DocumentID = docID.Bytes
		m.Ordinal = int(ordinal)
		matches = append(matches, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search results: %w", err)
	}
	return matches, nil
}
