package application

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jinford/docpipe/internal/module/pipeline/adapter/blob"
	"github.com/jinford/docpipe/internal/module/pipeline/adapter/memory"
	"github.com/jinford/docpipe/internal/module/pipeline/adapter/parser"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
	testutil "github.com/jinford/docpipe/internal/module/pipeline/testing"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// paragraphChunker は空行ごとに1チャンクを返します
func paragraphChunker() *testutil.MockChunker {
	return &testutil.MockChunker{
		NameValue:    "paragraph",
		VersionValue: "v1",
		ChunkFunc: func(ctx context.Context, text string) ([]domain.ChunkSpan, error) {
			spans := make([]domain.ChunkSpan, 0)
			for _, p := range strings.Split(text, "\n\n") {
				p = strings.TrimSpace(p)
				if p == "" {
					continue
				}
				spans = append(spans, domain.ChunkSpan{Content: p, TokenCount: len(strings.Fields(p))})
			}
			return spans, nil
		},
	}
}

type harness struct {
	store    *memory.Store
	blobs    *blob.LocalFS
	embedder *testutil.BagOfWordsEmbedder
	intake   *IntakeService
	status   *StatusService
	worker   *WorkerPool
}

func newHarness(t *testing.T, pcfg ProcessorConfig, wcfg WorkerConfig) *harness {
	t.Helper()

	store := memory.New()
	blobs, err := blob.NewLocalFS(t.TempDir())
	require.NoError(t, err)
	embedder := &testutil.BagOfWordsEmbedder{}
	log := discardLogger()

	processor := NewStageProcessor(
		store.Documents(), store.Staging(), store.Chunks(), blobs,
		parser.NewTextParser(), paragraphChunker(), embedder, pcfg, log,
	)
	return &harness{
		store:    store,
		blobs:    blobs,
		embedder: embedder,
		intake:   NewIntakeService(store.Documents(), store.Jobs(), blobs, nil, log),
		status:   NewStatusService(store.Documents(), store.Jobs(), store.Events(), log),
		worker:   NewWorkerPool(store.Jobs(), processor, wcfg, log),
	}
}

// drain は取得可能なジョブがなくなるまでワーカーを1件ずつ実行し、処理した件数を返します
func (h *harness) drain(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		processed, err := h.worker.RunOnce(ctx, "test-worker")
		require.NoError(t, err)
		if !processed {
			return i
		}
	}
	t.Fatal("worker did not drain the queue")
	return 0
}

func (h *harness) ingest(t *testing.T, userID, filename, content string) *IngestResult {
	t.Helper()
	res, err := h.intake.Ingest(context.Background(), UploadRequest{
		UserID:   userID,
		Filename: filename,
		MIMEType: "text/plain",
		Content:  []byte(content),
	})
	require.NoError(t, err)
	return res
}
