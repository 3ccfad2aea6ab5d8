package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	llmdomain "github.com/jinford/docpipe/internal/module/llm/domain"
	"github.com/jinford/docpipe/internal/module/pipeline/adapter/blob"
	"github.com/jinford/docpipe/internal/module/pipeline/adapter/memory"
	"github.com/jinford/docpipe/internal/module/pipeline/adapter/parser"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
	testutil "github.com/jinford/docpipe/internal/module/pipeline/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processorFixture struct {
	store     *memory.Store
	blobs     *blob.LocalFS
	embedder  *testutil.MockEmbedder
	processor *StageProcessor
}

func newProcessorFixture(t *testing.T, cfg ProcessorConfig) *processorFixture {
	t.Helper()
	store := memory.New()
	blobs, err := blob.NewLocalFS(t.TempDir())
	require.NoError(t, err)
	embedder := &testutil.MockEmbedder{}
	return &processorFixture{
		store:    store,
		blobs:    blobs,
		embedder: embedder,
		processor: NewStageProcessor(
			store.Documents(), store.Staging(), store.Chunks(), blobs,
			parser.NewTextParser(), paragraphChunker(), embedder, cfg, discardLogger(),
		),
	}
}

// seed はドキュメントを登録し、生バイトを保存します
func (f *processorFixture) seed(t *testing.T, doc *domain.Document, content string) *domain.Document {
	t.Helper()
	ctx := context.Background()
	stored, _, err := f.store.Documents().CreateIfNotExists(ctx, doc)
	require.NoError(t, err)
	require.NoError(t, f.store.Documents().MarkProcessing(ctx, stored.ID))
	if content != "" {
		_, err = f.blobs.Put(ctx, stored.RawLocation, strings.NewReader(content))
		require.NoError(t, err)
	}
	return stored
}

func assertClass(t *testing.T, err error, class domain.ErrorClass, code string) {
	t.Helper()
	require.Error(t, err)
	gotClass, gotCode := domain.Classify(err)
	assert.Equal(t, class, gotClass, "error: %v", err)
	assert.Equal(t, code, gotCode, "error: %v", err)
}

func TestStageProcessor_ValidateJob(t *testing.T) {
	ctx := context.Background()

	t.Run("valid document advances", func(t *testing.T) {
		f := newProcessorFixture(t, ProcessorConfig{})
		doc := f.seed(t, testutil.TestDocument("alice", []byte("hello")), "hello")

		completion, err := f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageQueued, nil))
		require.NoError(t, err)
		assert.Nil(t, completion.NextPayload)
		assert.NotEmpty(t, completion.Result)
	})

	t.Run("identifier mismatch is an integrity error", func(t *testing.T) {
		f := newProcessorFixture(t, ProcessorConfig{})
		doc := testutil.TestDocument("alice", []byte("hello"))
		doc.ID = uuid.New()
		doc = f.seed(t, doc, "hello")

		_, err := f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageQueued, nil))
		assertClass(t, err, domain.ErrorClassIntegrity, "identifier_mismatch")
	})

	t.Run("unsupported MIME type", func(t *testing.T) {
		f := newProcessorFixture(t, ProcessorConfig{})
		doc := testutil.TestDocument("alice", []byte("hello"))
		doc.MIMEType = "application/pdf"
		doc = f.seed(t, doc, "hello")

		_, err := f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageQueued, nil))
		assertClass(t, err, domain.ErrorClassPermanent, "unsupported_content")
	})

	t.Run("missing raw bytes", func(t *testing.T) {
		f := newProcessorFixture(t, ProcessorConfig{})
		doc := f.seed(t, testutil.TestDocument("alice", []byte("hello")), "")

		_, err := f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageQueued, nil))
		assertClass(t, err, domain.ErrorClassPermanent, "upload_incomplete")
	})

	t.Run("deleted document", func(t *testing.T) {
		f := newProcessorFixture(t, ProcessorConfig{})

		_, err := f.processor.Process(ctx, testutil.TestClaimedJob(uuid.New(), domain.StageQueued, nil))
		assertClass(t, err, domain.ErrorClassPermanent, "document_not_found")
	})
}

func TestStageProcessor_Admit(t *testing.T) {
	ctx := context.Background()
	doc := testutil.TestDocument("alice", []byte("hello"))

	tests := []struct {
		name    string
		limit   int
		active  int
		wantErr error
	}{
		{name: "below limit", limit: 2, active: 1},
		{name: "at limit", limit: 2, active: 2, wantErr: domain.ErrUserQuotaExceeded},
		{name: "unlimited", limit: 0, active: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			documents := &testutil.MockDocumentRepository{
				GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
					return doc, nil
				},
				CountAdmittedByUserFunc: func(ctx context.Context, userID string) (int, error) {
					assert.Equal(t, "alice", userID)
					return tt.active, nil
				},
			}
			p := NewStageProcessor(documents, nil, nil, nil, nil, nil, &testutil.MockEmbedder{},
				ProcessorConfig{UserMaxActiveDocuments: tt.limit}, discardLogger())

			completion, err := p.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageJobValidated, nil))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			in, err := domain.DecodePayload[domain.ParseInput](completion.NextPayload)
			require.NoError(t, err)
			assert.Equal(t, doc.RawLocation, in.RawLocation)
			assert.Equal(t, "text/plain", in.MIMEType)
		})
	}
}

func TestStageProcessor_ParseAndValidate(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, ProcessorConfig{})
	content := "line one\r\nline two\r\n"
	doc := f.seed(t, testutil.TestDocument("alice", []byte(content)), content)

	input := testutil.MustPayload(domain.ParseInput{RawLocation: doc.RawLocation, MIMEType: doc.MIMEType})
	completion, err := f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageParsing, input))
	require.NoError(t, err)
	outcome, err := domain.DecodePayload[domain.ParseOutcome](completion.NextPayload)
	require.NoError(t, err)
	assert.Equal(t, domain.ContentHash([]byte("line one\nline two\n")), outcome.ParseHash)

	// 再実行しても同じ結果
	again, err := f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageParsing, input))
	require.NoError(t, err)
	assert.JSONEq(t, string(completion.NextPayload), string(again.NextPayload))

	_, err = f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageParsed, completion.NextPayload))
	require.NoError(t, err)

	stored, err := f.store.Documents().GetByID(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ParseHash)
	assert.Equal(t, outcome.ParseHash, *stored.ParseHash)
	require.NotNil(t, stored.ParsedLocation)
	assert.Equal(t, domain.ParsedBlobKey(doc.ID), *stored.ParsedLocation)
}

func TestStageProcessor_ParseRejectsTamperedBytes(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, ProcessorConfig{})
	doc := f.seed(t, testutil.TestDocument("alice", []byte("original")), "tampered")

	input := testutil.MustPayload(domain.ParseInput{RawLocation: doc.RawLocation, MIMEType: doc.MIMEType})
	_, err := f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageParsing, input))
	assertClass(t, err, domain.ErrorClassIntegrity, "identifier_mismatch")
}

func TestStageProcessor_InvalidPayload(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, ProcessorConfig{})
	doc := f.seed(t, testutil.TestDocument("alice", []byte("hello")), "hello")

	for _, stage := range []domain.Stage{domain.StageParsing, domain.StageParsed, domain.StageChunking, domain.StageEmbedding} {
		t.Run(string(stage), func(t *testing.T) {
			_, err := f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, stage, []byte(`{}`)))
			assertClass(t, err, domain.ErrorClassPermanent, "invalid_payload")
		})
	}
}

func TestStageProcessor_TerminalStage(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{})
	doc := f.seed(t, testutil.TestDocument("alice", []byte("hello")), "hello")

	_, err := f.processor.Process(context.Background(), testutil.TestClaimedJob(doc.ID, domain.StageEmbedded, nil))
	assertClass(t, err, domain.ErrorClassPermanent, "terminal_stage")
}

func TestStageProcessor_ChunkerMismatch(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{})
	doc := f.seed(t, testutil.TestDocument("alice", []byte("hello")), "hello")

	plan := testutil.MustPayload(domain.ChunkPlan{ChunkerName: "token", ChunkerVersion: "v9"})
	_, err := f.processor.Process(context.Background(), testutil.TestClaimedJob(doc.ID, domain.StageChunking, plan))
	assertClass(t, err, domain.ErrorClassPermanent, "chunker_mismatch")
}

// seedChunks はチャンクテキストをバッファに書き込み、正規のチャンクへ昇格します
func seedChunks(t *testing.T, f *processorFixture, doc *domain.Document, contents ...string) domain.ChunkOutcome {
	t.Helper()
	ctx := context.Background()
	rows := make([]domain.ChunkText, 0, len(contents))
	for i, c := range contents {
		rows = append(rows, domain.ChunkText{
			ChunkID:        domain.ChunkID(doc.ID, "paragraph", "v1", i),
			DocumentID:     doc.ID,
			ChunkerName:    "paragraph",
			ChunkerVersion: "v1",
			Ordinal:        i,
			Content:        c,
			ContentHash:    domain.ContentHash([]byte(c)),
			TokenCount:     1,
		})
	}
	require.NoError(t, f.store.Staging().PutChunkTexts(ctx, rows))
	_, err := f.store.Staging().PromoteChunkTexts(ctx, doc.ID, "paragraph", "v1")
	require.NoError(t, err)
	return domain.ChunkOutcome{
		ChunkPlan:  domain.ChunkPlan{ChunkerName: "paragraph", ChunkerVersion: "v1"},
		ChunkCount: len(contents),
	}
}

func TestStageProcessor_EmbedSkipsBufferedVectors(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, ProcessorConfig{})
	doc := f.seed(t, testutil.TestDocument("alice", []byte("hello")), "hello")
	outcome := seedChunks(t, f, doc, "first", "second", "third")

	require.NoError(t, f.store.Staging().PutChunkVector(ctx, domain.ChunkVector{
		ChunkID:    domain.ChunkID(doc.ID, "paragraph", "v1", 0),
		DocumentID: doc.ID,
		Model:      f.embedder.ModelID(),
		Version:    f.embedder.ModelVersion(),
		Vector:     make([]float32, 8),
	}))

	var calls atomic.Int32
	f.embedder.EmbedFunc = func(ctx context.Context, text string) ([]float32, error) {
		calls.Add(1)
		assert.NotEqual(t, "first", text)
		return make([]float32, 8), nil
	}

	plan := testutil.MustPayload(domain.EmbedPlan{ChunkOutcome: outcome, Model: f.embedder.ModelID(), Version: f.embedder.ModelVersion()})
	_, err := f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageEmbedding, plan))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	vectors, err := f.store.Staging().ListChunkVectors(ctx, doc.ID, f.embedder.ModelID(), f.embedder.ModelVersion())
	require.NoError(t, err)
	assert.Len(t, vectors, 3)

	// 全件バッファ済みなら埋め込みは呼ばれない
	_, err = f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageEmbedding, plan))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	_, err = f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageEmbeddingsBuffered, plan))
	require.NoError(t, err)
}

func TestStageProcessor_EmbedInBatches(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, ProcessorConfig{EmbedBatchSize: 2})
	doc := f.seed(t, testutil.TestDocument("alice", []byte("hello")), "hello")
	outcome := seedChunks(t, f, doc, "c0", "c1", "c2", "c3", "c4")

	var sizes []int
	failSecond := true
	f.embedder.EmbedFunc = func(ctx context.Context, text string) ([]float32, error) {
		t.Fatal("chunks must be embedded in batches")
		return nil, nil
	}
	f.embedder.EmbedBatchFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		sizes = append(sizes, len(texts))
		if failSecond && len(sizes) == 2 {
			return nil, errors.New("502 bad gateway")
		}
		vectors := make([][]float32, len(texts))
		for i := range texts {
			vectors[i] = make([]float32, 8)
		}
		return vectors, nil
	}

	plan := testutil.MustPayload(domain.EmbedPlan{ChunkOutcome: outcome, Model: f.embedder.ModelID(), Version: f.embedder.ModelVersion()})
	_, err := f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageEmbedding, plan))
	assertClass(t, err, domain.ErrorClassTransient, "embedding_unavailable")

	// 1バッチ目はバッファ済みなので、再試行では残りの3件だけを埋め込む
	vectors, err := f.store.Staging().ListChunkVectors(ctx, doc.ID, f.embedder.ModelID(), f.embedder.ModelVersion())
	require.NoError(t, err)
	assert.Len(t, vectors, 2)

	failSecond = false
	sizes = nil
	_, err = f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageEmbedding, plan))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, sizes)

	vectors, err = f.store.Staging().ListChunkVectors(ctx, doc.ID, f.embedder.ModelID(), f.embedder.ModelVersion())
	require.NoError(t, err)
	assert.Len(t, vectors, 5)
}

func TestStageProcessor_EmbedCallTimeout(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{CallTimeout: 20 * time.Millisecond})
	doc := f.seed(t, testutil.TestDocument("alice", []byte("hello")), "hello")
	outcome := seedChunks(t, f, doc, "first")

	f.embedder.EmbedBatchFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	plan := testutil.MustPayload(domain.EmbedPlan{ChunkOutcome: outcome, Model: f.embedder.ModelID(), Version: f.embedder.ModelVersion()})
	_, err := f.processor.Process(context.Background(), testutil.TestClaimedJob(doc.ID, domain.StageEmbedding, plan))
	assertClass(t, err, domain.ErrorClassTransient, "timeout")
}

func TestStageProcessor_EmbedShortBatchIsRejected(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{})
	doc := f.seed(t, testutil.TestDocument("alice", []byte("hello")), "hello")
	outcome := seedChunks(t, f, doc, "first", "second")

	f.embedder.EmbedBatchFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		return [][]float32{make([]float32, 8)}, nil
	}

	plan := testutil.MustPayload(domain.EmbedPlan{ChunkOutcome: outcome, Model: f.embedder.ModelID(), Version: f.embedder.ModelVersion()})
	_, err := f.processor.Process(context.Background(), testutil.TestClaimedJob(doc.ID, domain.StageEmbedding, plan))
	assertClass(t, err, domain.ErrorClassPermanent, "embedding_rejected")
}

func TestStageProcessor_PromoteVectorsDetectsMissingVectors(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, ProcessorConfig{})
	doc := f.seed(t, testutil.TestDocument("alice", []byte("hello")), "hello")
	outcome := seedChunks(t, f, doc, "first", "second")

	require.NoError(t, f.store.Staging().PutChunkVector(ctx, domain.ChunkVector{
		ChunkID:    domain.ChunkID(doc.ID, "paragraph", "v1", 0),
		DocumentID: doc.ID,
		Model:      f.embedder.ModelID(),
		Version:    f.embedder.ModelVersion(),
		Vector:     make([]float32, 8),
	}))

	plan := testutil.MustPayload(domain.EmbedPlan{ChunkOutcome: outcome, Model: f.embedder.ModelID(), Version: f.embedder.ModelVersion()})
	_, err := f.processor.Process(ctx, testutil.TestClaimedJob(doc.ID, domain.StageEmbeddingsBuffered, plan))
	assertClass(t, err, domain.ErrorClassIntegrity, "vector_count_mismatch")
}

func TestStageProcessor_PromoteChunksDetectsCountMismatch(t *testing.T) {
	f := newProcessorFixture(t, ProcessorConfig{})
	doc := f.seed(t, testutil.TestDocument("alice", []byte("hello")), "hello")
	outcome := seedChunks(t, f, doc, "first", "second")
	outcome.ChunkCount = 3

	_, err := f.processor.Process(context.Background(), testutil.TestClaimedJob(doc.ID, domain.StageChunksBuffered, testutil.MustPayload(outcome)))
	assertClass(t, err, domain.ErrorClassIntegrity, "chunk_count_mismatch")
}

func TestClassifyEmbedError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantClass domain.ErrorClass
		wantCode  string
	}{
		{"invalid request", fmt.Errorf("bad input: %w", llmdomain.ErrInvalidRequest), domain.ErrorClassPermanent, "embedding_rejected"},
		{"dimension mismatch", llmdomain.ErrDimensionMismatch, domain.ErrorClassPermanent, "embedding_rejected"},
		{"model unavailable", llmdomain.ErrModelNotAvailable, domain.ErrorClassPermanent, "embedding_rejected"},
		{"rate limited", llmdomain.ErrRateLimitExceeded, domain.ErrorClassTransient, "embedding_rate_limited"},
		{"deadline", context.DeadlineExceeded, domain.ErrorClassTransient, "timeout"},
		{"other", errors.New("502 bad gateway"), domain.ErrorClassTransient, "embedding_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertClass(t, classifyEmbedError(tt.err), tt.wantClass, tt.wantCode)
		})
	}
}
