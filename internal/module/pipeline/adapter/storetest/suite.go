// Package storetest は永続化ポートの実装が満たすべき振る舞いを検証する共通テストスイートです
// インメモリ実装とPostgreSQL実装の両方から呼び出されます
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jinford/docpipe/internal/module/pipeline/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fixture はテスト対象のポート一式です
type Fixture struct {
	Documents domain.DocumentRepository
	Jobs      domain.JobStore
	Staging   domain.StagingBuffer
	Chunks    domain.ChunkReader
	Events    domain.EventLog
	// Advance は実装の時計を d だけ進めます（実時間の実装では待機します）
	Advance func(d time.Duration)
}

// Factory は空のストアからFixtureを作成します
type Factory func(t *testing.T, policy domain.RetryPolicy, staleAfter time.Duration) Fixture

// testPolicy はバックオフなしで即座に再取得できる再試行ポリシーです
func testPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{MaxAttempts: 3, BaseDelay: 0, MaxDelay: 0}
}

// Run は全ケースを実行します
func Run(t *testing.T, factory Factory) {
	t.Run("CreateRejectsDuplicateActiveJob", func(t *testing.T) { testCreateDuplicate(t, factory) })
	t.Run("ConcurrentCreateAtMostOneActive", func(t *testing.T) { testConcurrentCreate(t, factory) })
	t.Run("CreateInitialIdempotent", func(t *testing.T) { testCreateInitial(t, factory) })
	t.Run("ClaimExclusive", func(t *testing.T) { testClaimExclusive(t, factory) })
	t.Run("CompleteAdvancesStage", func(t *testing.T) { testCompleteAdvances(t, factory) })
	t.Run("CompleteFinalizes", func(t *testing.T) { testCompleteFinalizes(t, factory) })
	t.Run("StaleClaimRejected", func(t *testing.T) { testStaleClaim(t, factory) })
	t.Run("RetryBudgetTerminates", func(t *testing.T) { testRetryBudget(t, factory) })
	t.Run("PermanentErrorDeadletters", func(t *testing.T) { testPermanent(t, factory) })
	t.Run("StaleWorkingJobReclaimed", func(t *testing.T) { testStaleRecovery(t, factory) })
	t.Run("DeferKeepsRetryBudget", func(t *testing.T) { testDefer(t, factory) })
	t.Run("Requeue", func(t *testing.T) { testRequeue(t, factory) })
	t.Run("DocumentCreateIfNotExists", func(t *testing.T) { testDocumentCreate(t, factory) })
	t.Run("PromotionIdempotent", func(t *testing.T) { testPromotion(t, factory) })
	t.Run("EventsPurge", func(t *testing.T) { testPurge(t, factory) })
}

// SeedDocument はprocessing状態のドキュメントを作成します
func SeedDocument(t *testing.T, repo domain.DocumentRepository, userID string, content []byte) *domain.Document {
	t.Helper()
	hash := domain.ContentHash(content)
	id := domain.DocumentID(userID, hash)
	doc, created, err := repo.CreateIfNotExists(context.Background(), &domain.Document{
		ID:          id,
		UserID:      userID,
		Filename:    "note.txt",
		MIMEType:    "text/plain",
		Size:        int64(len(content)),
		ContentHash: hash,
		RawLocation: fmt.Sprintf("raw/%s/%s", userID, id),
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, repo.MarkProcessing(context.Background(), id))
	return doc
}

func newJob(doc *domain.Document, stage domain.Stage) domain.NewJob {
	return domain.NewJob{
		DocumentID:    doc.ID,
		CorrelationID: domain.NewCorrelationID(),
		Stage:         stage,
		Payload:       json.RawMessage(`{"rawLocation":"x"}`),
	}
}

func mustClaim(t *testing.T, jobs domain.JobStore, workerID string) (*domain.Job, domain.Claim) {
	t.Helper()
	job, err := jobs.Claim(context.Background(), workerID)
	require.NoError(t, err)
	require.NotNil(t, job, "expected a claimable job")
	claim, ok := job.Claim()
	require.True(t, ok)
	return job, claim
}

func testCreateDuplicate(t *testing.T, factory Factory) {
	ctx := context.Background()
	f := factory(t, testPolicy(), time.Minute)
	doc := SeedDocument(t, f.Documents, "u1", []byte("dup"))

	_, err := f.Jobs.Create(ctx, newJob(doc, domain.StageParsing))
	require.NoError(t, err)

	_, err = f.Jobs.Create(ctx, newJob(doc, domain.StageParsing))
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveJob)

	// 別ステージは作成できる
	_, err = f.Jobs.Create(ctx, newJob(doc, domain.StageParsed))
	assert.NoError(t, err)
}

func testConcurrentCreate(t *testing.T, factory Factory) {
	ctx := context.Background()
	f := factory(t, testPolicy(), time.Minute)
	doc := SeedDocument(t, f.Documents, "u1", []byte("race"))

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		duplicate int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Jobs.Create(ctx, newJob(doc, domain.StageChunking))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrDuplicateActiveJob):
				duplicate++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, n-1, duplicate)
}

func testCreateInitial(t *testing.T, factory Factory) {
	ctx := context.Background()
	f := factory(t, testPolicy(), time.Minute)
	doc := SeedDocument(t, f.Documents, "u1", []byte("initial"))

	job, created, err := f.Jobs.CreateInitial(ctx, newJob(doc, domain.StageQueued))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, domain.StateQueued, job.State)
	assert.Equal(t, 3, job.MaxAttempts)

	_, created, err = f.Jobs.CreateInitial(ctx, newJob(doc, domain.StageQueued))
	require.NoError(t, err)
	assert.False(t, created)

	jobs, err := f.Jobs.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func testClaimExclusive(t *testing.T, factory Factory) {
	ctx := context.Background()
	f := factory(t, testPolicy(), time.Minute)
	doc := SeedDocument(t, f.Documents, "u1", []byte("claim"))
	_, err := f.Jobs.Create(ctx, newJob(doc, domain.StageQueued))
	require.NoError(t, err)

	const n = 12
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			workerID := fmt.Sprintf("worker-%d", i)
			job, err := f.Jobs.Claim(ctx, workerID)
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			if job != nil {
				mu.Lock()
				winner = append(winner, workerID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winner, 1)

	latest, err := f.Jobs.LatestByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateWorking, latest.State)
	require.NotNil(t, latest.ClaimedBy)
	assert.Equal(t, winner[0], *latest.ClaimedBy)

	events, err := f.Events.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventStageStarted, events[0].Type)
}

func testCompleteAdvances(t *testing.T, factory Factory) {
	ctx := context.Background()
	f := factory(t, testPolicy(), time.Minute)
	doc := SeedDocument(t, f.Documents, "u1", []byte("advance"))
	_, err := f.Jobs.Create(ctx, newJob(doc, domain.StageJobValidated))
	require.NoError(t, err)

	job, claim := mustClaim(t, f.Jobs, "w1")
	next := json.RawMessage(`{"rawLocation":"raw/u1/x","mimeType":"text/plain"}`)
	done, err := f.Jobs.Complete(ctx, claim, domain.Completion{Result: next, NextPayload: next})
	require.NoError(t, err)
	assert.Equal(t, domain.StateDone, done.State)
	assert.Equal(t, job.ID, done.ID)

	latest, err := f.Jobs.LatestByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageParsing, latest.Stage)
	assert.Equal(t, domain.StateQueued, latest.State)
	assert.Equal(t, job.CorrelationID, latest.CorrelationID)
	assert.JSONEq(t, string(next), string(latest.Payload))

	stored, err := f.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageParsing, stored.Stage)

	events, err := f.Events.ListByCorrelation(ctx, job.CorrelationID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventStageStarted, events[0].Type)
	assert.Equal(t, domain.EventStageDone, events[1].Type)

	// 2回目の完了報告は拒否される
	_, err = f.Jobs.Complete(ctx, claim, domain.Completion{})
	assert.ErrorIs(t, err, domain.ErrStaleClaim)
}

func testCompleteFinalizes(t *testing.T, factory Factory) {
	ctx := context.Background()
	f := factory(t, testPolicy(), time.Minute)
	doc := SeedDocument(t, f.Documents, "u1", []byte("final"))
	_, err := f.Jobs.Create(ctx, newJob(doc, domain.StageEmbeddingsBuffered))
	require.NoError(t, err)

	_, claim := mustClaim(t, f.Jobs, "w1")
	_, err = f.Jobs.Complete(ctx, claim, domain.Completion{})
	require.NoError(t, err)

	stored, err := f.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageEmbedded, stored.Stage)
	assert.Equal(t, domain.DocumentStatusEmbedded, stored.Status)

	jobs, err := f.Jobs.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "no job is created for the terminal stage")

	events, err := f.Events.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventFinalized, last.Type)
	assert.Equal(t, domain.StageEmbedded, last.Stage)
}

func testStaleClaim(t *testing.T, factory Factory) {
	ctx := context.Background()
	f := factory(t, testPolicy(), time.Minute)
	doc := SeedDocument(t, f.Documents, "u1", []byte("stale"))
	_, err := f.Jobs.Create(ctx, newJob(doc, domain.StageParsing))
	require.NoError(t, err)

	_, claim := mustClaim(t, f.Jobs, "w1")
	forged := claim
	forged.Token = domain.NewJobID()

	assert.ErrorIs(t, f.Jobs.Heartbeat(ctx, forged), domain.ErrStaleClaim)
	_, err = f.Jobs.Complete(ctx, forged, domain.Completion{})
	assert.ErrorIs(t, err, domain.ErrStaleClaim)
	_, err = f.Jobs.Fail(ctx, forged, &domain.JobError{Class: domain.ErrorClassTransient, Code: "x"})
	assert.ErrorIs(t, err, domain.ErrStaleClaim)

	assert.NoError(t, f.Jobs.Heartbeat(ctx, claim))

	missing := claim
	missing.JobID = domain.NewJobID()
	_, err = f.Jobs.Complete(ctx, missing, domain.Completion{})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func testRetryBudget(t *testing.T, factory Factory) {
	ctx := context.Background()
	policy := testPolicy()
	f := factory(t, policy, time.Minute)
	doc := SeedDocument(t, f.Documents, "u1", []byte("budget"))
	_, err := f.Jobs.Create(ctx, newJob(doc, domain.StageParsing))
	require.NoError(t, err)

	var last *domain.Job
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		_, claim := mustClaim(t, f.Jobs, "w1")
		last, err = f.Jobs.Fail(ctx, claim, &domain.JobError{
			Class:   domain.ErrorClassTransient,
			Code:    "parser_unavailable",
			Message: "503",
		})
		require.NoError(t, err)
		assert.Equal(t, attempt, last.RetryCount)
		if attempt < policy.MaxAttempts {
			assert.Equal(t, domain.StateRetryable, last.State)
		}
	}
	assert.Equal(t, domain.StateDeadletter, last.State)
	require.NotNil(t, last.LastError)
	assert.Equal(t, "parser_unavailable", last.LastError.Code)

	job, err := f.Jobs.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job, "deadlettered job must not be claimed again")

	stored, err := f.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusFailed, stored.Status)

	events, err := f.Events.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	retries, errs := 0, 0
	for _, ev := range events {
		switch ev.Type {
		case domain.EventRetry:
			retries++
		case domain.EventError:
			errs++
			assert.Equal(t, domain.SeverityError, ev.Severity)
		}
	}
	assert.Equal(t, policy.MaxAttempts-1, retries)
	assert.Equal(t, 1, errs)
}

func testPermanent(t *testing.T, factory Factory) {
	ctx := context.Background()
	f := factory(t, testPolicy(), time.Minute)
	doc := SeedDocument(t, f.Documents, "u1", []byte("permanent"))
	_, err := f.Jobs.Create(ctx, newJob(doc, domain.StageQueued))
	require.NoError(t, err)

	_, claim := mustClaim(t, f.Jobs, "w1")
	job, err := f.Jobs.Fail(ctx, claim, &domain.JobError{Class: domain.ErrorClassIntegrity, Code: "identifier_mismatch"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateDeadletter, job.State)
	assert.Equal(t, 1, job.RetryCount)

	events, err := f.Events.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventError, last.Type)
	assert.Equal(t, domain.SeverityCritical, last.Severity)
	assert.Equal(t, "identifier_mismatch", last.Code)
}

func testStaleRecovery(t *testing.T, factory Factory) {
	ctx := context.Background()
	staleAfter := 200 * time.Millisecond
	f := factory(t, testPolicy(), staleAfter)
	doc := SeedDocument(t, f.Documents, "u1", []byte("abandoned"))
	_, err := f.Jobs.Create(ctx, newJob(doc, domain.StageChunking))
	require.NoError(t, err)

	_, first := mustClaim(t, f.Jobs, "crashed")

	// クレームが新しい間は再取得されない
	job, err := f.Jobs.Claim(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, job)

	f.Advance(3 * staleAfter)

	reclaimed, second := mustClaim(t, f.Jobs, "w2")
	assert.Equal(t, first.JobID, reclaimed.ID)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, 1, reclaimed.RetryCount)

	// 古いクレーム保持者の完了報告は拒否される
	_, err = f.Jobs.Complete(ctx, first, domain.Completion{})
	assert.ErrorIs(t, err, domain.ErrStaleClaim)

	_, err = f.Jobs.Complete(ctx, second, domain.Completion{NextPayload: json.RawMessage(`{}`)})
	assert.NoError(t, err)

	events, err := f.Events.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	found := false
	for _, ev := range events {
		if ev.Type == domain.EventRetry && ev.Code == "stale_claim_recovered" {
			found = true
		}
	}
	assert.True(t, found)
}

func testDefer(t *testing.T, factory Factory) {
	ctx := context.Background()
	f := factory(t, testPolicy(), time.Minute)
	doc := SeedDocument(t, f.Documents, "u1", []byte("defer"))
	_, err := f.Jobs.Create(ctx, newJob(doc, domain.StageJobValidated))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, claim := mustClaim(t, f.Jobs, "w1")
		job, err := f.Jobs.Defer(ctx, claim, 0, "user_quota")
		require.NoError(t, err)
		assert.Equal(t, domain.StateRetryable, job.State)
		assert.Equal(t, 0, job.RetryCount)
		assert.Nil(t, job.ClaimToken)

		_, err = f.Jobs.Defer(ctx, claim, 0, "user_quota")
		assert.ErrorIs(t, err, domain.ErrStaleClaim)
	}

	_, claim := mustClaim(t, f.Jobs, "w1")
	_, err = f.Jobs.Defer(ctx, claim, time.Hour, "user_quota")
	require.NoError(t, err)

	job, err := f.Jobs.Claim(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job, "deferred job is not claimable before its delay")
}

func testRequeue(t *testing.T, factory Factory) {
	ctx := context.Background()
	f := factory(t, testPolicy(), time.Minute)
	doc := SeedDocument(t, f.Documents, "u1", []byte("requeue"))
	_, err := f.Jobs.Create(ctx, newJob(doc, domain.StageParsing))
	require.NoError(t, err)

	_, err = f.Jobs.Requeue(ctx, doc.ID)
	assert.ErrorIs(t, err, domain.ErrNotDeadlettered)

	_, claim := mustClaim(t, f.Jobs, "w1")
	_, err = f.Jobs.Fail(ctx, claim, &domain.JobError{Class: domain.ErrorClassPermanent, Code: "unsupported_content"})
	require.NoError(t, err)

	job, err := f.Jobs.Requeue(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageParsing, job.Stage)
	assert.Equal(t, domain.StateQueued, job.State)
	assert.Equal(t, 0, job.RetryCount)

	stored, err := f.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusProcessing, stored.Status)

	_, err = f.Jobs.Requeue(ctx, domain.NewJobID())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func testDocumentCreate(t *testing.T, factory Factory) {
	ctx := context.Background()
	f := factory(t, testPolicy(), time.Minute)
	doc := SeedDocument(t, f.Documents, "u1", []byte("same bytes"))

	again, created, err := f.Documents.CreateIfNotExists(ctx, &domain.Document{
		ID:          doc.ID,
		UserID:      "u1",
		Filename:    "renamed.txt",
		MIMEType:    "text/plain",
		Size:        doc.Size,
		ContentHash: doc.ContentHash,
		RawLocation: doc.RawLocation,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, doc.ID, again.ID)
	assert.Equal(t, "note.txt", again.Filename)

	_, err = f.Documents.GetByID(ctx, domain.NewJobID())
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)

	n, err := f.Documents.CountAdmittedByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "queued documents are not admitted yet")

	require.NoError(t, f.Documents.Delete(ctx, doc.ID))
	assert.ErrorIs(t, f.Documents.Delete(ctx, doc.ID), domain.ErrDocumentNotFound)
}

func testPromotion(t *testing.T, factory Factory) {
	ctx := context.Background()
	f := factory(t, testPolicy(), time.Minute)
	doc := SeedDocument(t, f.Documents, "u1", []byte("promote"))

	// 解析済みテキスト
	parsed := domain.ParsedText{DocumentID: doc.ID, ParseHash: domain.ContentHash([]byte("promote")), Text: "promote"}
	require.NoError(t, f.Staging.PutParsedText(ctx, parsed))
	require.NoError(t, f.Staging.PutParsedText(ctx, parsed))
	got, err := f.Staging.GetParsedText(ctx, doc.ID, parsed.ParseHash)
	require.NoError(t, err)
	assert.Equal(t, "promote", got.Text)
	assert.Nil(t, got.PromotedAt)

	_, err = f.Staging.GetParsedText(ctx, doc.ID, "missing")
	assert.ErrorIs(t, err, domain.ErrBufferNotFound)

	require.NoError(t, f.Staging.PromoteParsedText(ctx, doc.ID, parsed.ParseHash, "parsed/x.txt"))
	require.NoError(t, f.Staging.PromoteParsedText(ctx, doc.ID, parsed.ParseHash, "parsed/x.txt"))
	stored, err := f.Documents.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ParsedLocation)
	assert.Equal(t, "parsed/x.txt", *stored.ParsedLocation)
	got, err = f.Staging.GetParsedText(ctx, doc.ID, parsed.ParseHash)
	require.NoError(t, err)
	assert.NotNil(t, got.PromotedAt)

	// チャンクテキスト
	texts := make([]domain.ChunkText, 0, 3)
	for i, content := range []string{"alpha", "beta", "gamma"} {
		texts = append(texts, domain.ChunkText{
			ChunkID:        domain.ChunkID(doc.ID, "token", "v1", i),
			DocumentID:     doc.ID,
			ChunkerName:    "token",
			ChunkerVersion: "v1",
			Ordinal:        i,
			Content:        content,
			ContentHash:    domain.ContentHash([]byte(content)),
			TokenCount:     1,
		})
	}
	require.NoError(t, f.Staging.PutChunkTexts(ctx, texts))
	require.NoError(t, f.Staging.PutChunkTexts(ctx, texts))

	listed, err := f.Staging.ListChunkTexts(ctx, doc.ID, "token", "v1")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "beta", listed[1].Content)

	for i := 0; i < 2; i++ {
		n, err := f.Staging.PromoteChunkTexts(ctx, doc.ID, "token", "v1")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	}
	chunks, err := f.Chunks.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, texts[0].ChunkID, chunks[0].ID)
	assert.Nil(t, chunks[0].Embedding)

	// チャンクベクトル
	for i, ct := range texts {
		v := domain.ChunkVector{
			ChunkID:    ct.ChunkID,
			DocumentID: doc.ID,
			Model:      "m",
			Version:    "1",
			Vector:     []float32{float32(i + 1), 0, 0, 0, 0, 0, 0, 0},
		}
		require.NoError(t, f.Staging.PutChunkVector(ctx, v))
		require.NoError(t, f.Staging.PutChunkVector(ctx, v))
	}
	vectors, err := f.Staging.ListChunkVectors(ctx, doc.ID, "m", "1")
	require.NoError(t, err)
	assert.Len(t, vectors, 3)

	for i := 0; i < 2; i++ {
		n, err := f.Staging.PromoteChunkVectors(ctx, doc.ID, "m", "1")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	}
	chunks, err = f.Chunks.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	for i, ch := range chunks {
		require.NotNil(t, ch.EmbeddingModel)
		assert.Equal(t, "m", *ch.EmbeddingModel)
		assert.InDelta(t, float64(i+1), float64(ch.Embedding[0]), 1e-6)
	}
}

func testPurge(t *testing.T, factory Factory) {
	ctx := context.Background()
	f := factory(t, testPolicy(), time.Minute)
	doc := SeedDocument(t, f.Documents, "u1", []byte("purge"))
	_, err := f.Jobs.Create(ctx, newJob(doc, domain.StageQueued))
	require.NoError(t, err)
	mustClaim(t, f.Jobs, "w1")

	n, err := f.Events.PurgeBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	f.Advance(10 * time.Millisecond)
	n, err = f.Events.PurgeBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := f.Events.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}
