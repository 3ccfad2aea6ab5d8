package pg

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jinford/docpipe/internal/platform/database/pgtest"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(i int) []float32 {
	v := make([]float32, pgtest.Dimension)
	v[i] = 1
	return v
}

func insertDocument(t *testing.T, db *pgtest.Database, userID, hash, stage string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := db.Pool.Exec(context.Background(),
		`INSERT INTO documents (id, user_id, filename, mime_type, size, content_hash, raw_location, stage, status)
		 VALUES ($1, $2, 'notes.txt', 'text/plain', 10, $3, 'raw', $4, 'processing')`,
		id, userID, hash, stage)
	require.NoError(t, err)
	return id
}

func insertChunk(t *testing.T, db *pgtest.Database, docID uuid.UUID, ordinal int, content string, vec []float32) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := db.Pool.Exec(context.Background(),
		`INSERT INTO chunks (id, document_id, chunker_name, chunker_version, ordinal, content, content_hash, token_count, embedding)
		 VALUES ($1, $2, 'token', 'v1', $3, $4, 'h', 3, $5)`,
		id, docID, ordinal, content, pgvector.NewVector(vec))
	require.NoError(t, err)
	return id
}

func TestSearchRepository_SearchChunks(t *testing.T) {
	if testing.Short() {
		t.Skip("統合テストをスキップします")
	}
	db, err := pgtest.Start(context.Background())
	if err != nil {
		t.Skipf("PostgreSQLを起動できません: %v", err)
	}
	t.Cleanup(db.Close)

	ctx := context.Background()
	repo := NewSearchRepository(db.Pool)

	alice := insertDocument(t, db, "alice", "hash-a", "embedded")
	near := insertChunk(t, db, alice, 0, "near", unit(0))
	far := insertChunk(t, db, alice, 1, "far", unit(1))

	// 処理中のドキュメントと他ユーザーのチャンクは対象外
	pending := insertDocument(t, db, "alice", "hash-b", "embedding")
	insertChunk(t, db, pending, 0, "pending", unit(0))
	bob := insertDocument(t, db, "bob", "hash-c", "embedded")
	insertChunk(t, db, bob, 0, "other user", unit(0))

	matches, err := repo.SearchChunks(ctx, "alice", unit(0), 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, near, matches[0].ChunkID)
	assert.Equal(t, alice, matches[0].DocumentID)
	assert.Equal(t, "notes.txt", matches[0].Filename)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
	assert.Equal(t, far, matches[1].ChunkID)
	assert.InDelta(t, 0.0, matches[1].Score, 1e-6)

	matches, err = repo.SearchChunks(ctx, "alice", unit(0), 1)
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	matches, err = repo.SearchChunks(ctx, "carol", unit(0), 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSearchRepository_SearchChunks_ForeignNeighbours(t *testing.T) {
	if testing.Short() {
		t.Skip("統合テストをスキップします")
	}
	ctx := context.Background()
	db, err := pgtest.Start(ctx)
	if err != nil {
		t.Skipf("PostgreSQLを起動できません: %v", err)
	}
	t.Cleanup(db.Close)

	// シーケンシャルスキャンを無効にして HNSW インデックスを必ず使わせる
	cfg, err := pgxpool.ParseConfig(db.ConnString)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["enable_seqscan"] = "off"
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	// 他ユーザーのチャンクがクエリの近傍を埋め尽くす
	for i := 0; i < 300; i++ {
		doc := insertDocument(t, db, "bob", fmt.Sprintf("bob-%d", i), "embedded")
		v := unit(0)
		v[2] = float32(i%7) * 0.01
		insertChunk(t, db, doc, 0, "bob chunk", v)
	}
	alice := insertDocument(t, db, "alice", "alice-only", "embedded")
	v := unit(1)
	v[0] = 0.5
	mine := insertChunk(t, db, alice, 0, "alice chunk", v)

	repo := NewSearchRepository(pool)
	matches, err := repo.SearchChunks(ctx, "alice", unit(0), 3)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, mine, matches[0].ChunkID)
	assert.Greater(t, matches[0].Score, 0.4)
}

func TestEfSearch(t *testing.T) {
	assert.Equal(t, minEfSearch, efSearch(1))
	assert.Equal(t, 80, efSearch(20))
	assert.Equal(t, maxEfSearch, efSearch(5000))
}
