package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	llmdomain "github.com/jinford/docpipe/internal/module/llm/domain"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

// StageHandler はジョブのステージに応じた処理を実行し、完了情報を返します
type StageHandler interface {
	Process(ctx context.Context, job *domain.Job) (domain.Completion, error)
}

// ProcessorConfig はステージ処理の設定です
type ProcessorConfig struct {
	// UserMaxActiveDocuments はユーザーごとに parsing〜embeddings_buffered に同時に置けるドキュメント数
	UserMaxActiveDocuments int
	// CallTimeout はパーサー・チャンカー・埋め込みの各呼び出しのタイムアウト
	CallTimeout time.Duration
	// EmbedBatchSize は1回の埋め込み呼び出しに渡すチャンク数
	EmbedBatchSize int
}

// StageProcessor は各ステージのハンドラです
// すべてのハンドラは冪等で、同じジョブを再実行しても同じ結果になります
type StageProcessor struct {
	documents domain.DocumentRepository
	staging   domain.StagingBuffer
	chunks    domain.ChunkReader
	blobs     domain.BlobStore
	parser    domain.Parser
	chunker   domain.Chunker
	embedder  llmdomain.Embedder
	cfg       ProcessorConfig
	log       *slog.Logger
}

// NewStageProcessor は新しいStageProcessorを作成します
func NewStageProcessor(
	documents domain.DocumentRepository,
	staging domain.StagingBuffer,
	chunks domain.ChunkReader,
	blobs domain.BlobStore,
	parser domain.Parser,
	chunker domain.Chunker,
	embedder llmdomain.Embedder,
	cfg ProcessorConfig,
	log *slog.Logger,
) *StageProcessor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.EmbedBatchSize <= 0 || cfg.EmbedBatchSize > llmdomain.MaxBatchSize {
		cfg.EmbedBatchSize = llmdomain.MaxBatchSize
	}
	return &StageProcessor{
		documents: documents,
		staging:   staging,
		chunks:    chunks,
		blobs:     blobs,
		parser:    parser,
		chunker:   chunker,
		embedder:  embedder,
		cfg:       cfg,
		log:       log,
	}
}

var _ StageHandler = (*StageProcessor)(nil)

// Process はジョブのステージに対応するハンドラを実行します
func (p *StageProcessor) Process(ctx context.Context, job *domain.Job) (domain.Completion, error) {
	doc, err := p.documents.GetByID(ctx, job.DocumentID)
	if err != nil {
		return domain.Completion{}, err
	}

	switch job.Stage {
	case domain.StageQueued:
		return p.validateJob(ctx, doc)
	case domain.StageJobValidated:
		return p.admit(ctx, doc)
	case domain.StageParsing:
		return p.parse(ctx, doc, job)
	case domain.StageParsed:
		return p.validateParse(ctx, doc, job)
	case domain.StageParseValidated:
		return p.planChunking(doc, job)
	case domain.StageChunking:
		return p.chunk(ctx, doc, job)
	case domain.StageChunksBuffered:
		return p.promoteChunks(ctx, doc, job)
	case domain.StageChunked:
		return p.planEmbedding(job)
	case domain.StageEmbedding:
		return p.embed(ctx, doc, job)
	case domain.StageEmbeddingsBuffered:
		return p.promoteVectors(ctx, doc, job)
	case domain.StageEmbedded:
		return domain.Completion{}, domain.Permanent("terminal_stage", fmt.Errorf("no handler for terminal stage %s", job.Stage))
	default:
		return domain.Completion{}, domain.Permanent("unknown_stage", fmt.Errorf("unknown stage %q", job.Stage))
	}
}

// queued: ドキュメントの存在・サイズ・識別子・MIMEタイプを検証します
func (p *StageProcessor) validateJob(ctx context.Context, doc *domain.Document) (domain.Completion, error) {
	if doc.Size <= 0 {
		return domain.Completion{}, fmt.Errorf("%w: document size is %d", domain.ErrEmptyContent, doc.Size)
	}
	if want := domain.DocumentID(doc.UserID, doc.ContentHash); want != doc.ID {
		return domain.Completion{}, fmt.Errorf("%w: document id %s, derived %s", domain.ErrIdentifierMismatch, doc.ID, want)
	}
	if !p.parser.Supports(doc.MIMEType) {
		return domain.Completion{}, fmt.Errorf("%w: mime type %q", domain.ErrUnsupportedContent, doc.MIMEType)
	}
	ok, err := p.blobs.Exists(ctx, doc.RawLocation)
	if err != nil {
		return domain.Completion{}, domain.Transient("blob_unavailable", err)
	}
	if !ok {
		return domain.Completion{}, fmt.Errorf("%w: %s", domain.ErrUploadIncomplete, doc.RawLocation)
	}
	return domain.Completion{Result: mustJSON(map[string]any{"documentID": doc.ID, "size": doc.Size})}, nil
}

// job_validated: ユーザーごとの同時処理数の上限を確認します
func (p *StageProcessor) admit(ctx context.Context, doc *domain.Document) (domain.Completion, error) {
	if limit := p.cfg.UserMaxActiveDocuments; limit > 0 {
		active, err := p.documents.CountAdmittedByUser(ctx, doc.UserID)
		if err != nil {
			return domain.Completion{}, domain.Transient("store_unavailable", err)
		}
		if active >= limit {
			return domain.Completion{}, fmt.Errorf("%w: user=%s active=%d limit=%d", domain.ErrUserQuotaExceeded, doc.UserID, active, limit)
		}
	}
	return completeWith(domain.ParseInput{RawLocation: doc.RawLocation, MIMEType: doc.MIMEType})
}

// parsing: 生バイトを解析してテキストをバッファに書き込みます
func (p *StageProcessor) parse(ctx context.Context, doc *domain.Document, job *domain.Job) (domain.Completion, error) {
	in, err := domain.DecodePayload[domain.ParseInput](job.Payload)
	if err != nil {
		return domain.Completion{}, err
	}

	raw, err := p.blobs.Read(ctx, in.RawLocation)
	if err != nil {
		return domain.Completion{}, err
	}
	if domain.ContentHash(raw) != doc.ContentHash {
		return domain.Completion{}, fmt.Errorf("%w: raw bytes do not match content hash", domain.ErrIdentifierMismatch)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	out, err := p.parser.Parse(callCtx, raw, in.MIMEType)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("failed to parse document: %w", err)
	}

	if err := p.staging.PutParsedText(ctx, domain.ParsedText{
		DocumentID: doc.ID,
		ParseHash:  out.ParseHash,
		Text:       out.Text,
	}); err != nil {
		return domain.Completion{}, domain.Transient("store_unavailable", err)
	}
	return completeWith(domain.ParseOutcome{ParseHash: out.ParseHash, TextLength: len(out.Text)})
}

// parsed: バッファのテキストを検証し、解析済みブロブとして保存して昇格します
func (p *StageProcessor) validateParse(ctx context.Context, doc *domain.Document, job *domain.Job) (domain.Completion, error) {
	in, err := domain.DecodePayload[domain.ParseOutcome](job.Payload)
	if err != nil {
		return domain.Completion{}, err
	}

	row, err := p.staging.GetParsedText(ctx, doc.ID, in.ParseHash)
	if err != nil {
		return domain.Completion{}, err
	}
	if strings.TrimSpace(row.Text) == "" {
		return domain.Completion{}, fmt.Errorf("%w: parsed text is blank", domain.ErrEmptyContent)
	}
	if got := domain.ContentHash([]byte(row.Text)); got != in.ParseHash {
		return domain.Completion{}, fmt.Errorf("%w: parse hash %s, buffered text hashes to %s", domain.ErrIdentifierMismatch, in.ParseHash, got)
	}

	location, err := p.blobs.Put(ctx, domain.ParsedBlobKey(doc.ID), strings.NewReader(row.Text))
	if err != nil {
		return domain.Completion{}, domain.Transient("blob_unavailable", err)
	}
	if err := p.staging.PromoteParsedText(ctx, doc.ID, in.ParseHash, location); err != nil {
		return domain.Completion{}, err
	}
	return completeWith(in)
}

// parse_validated: 使用するチャンカーを決定します
func (p *StageProcessor) planChunking(doc *domain.Document, job *domain.Job) (domain.Completion, error) {
	in, err := domain.DecodePayload[domain.ParseOutcome](job.Payload)
	if err != nil {
		return domain.Completion{}, err
	}
	if doc.ParseHash == nil || *doc.ParseHash != in.ParseHash {
		return domain.Completion{}, fmt.Errorf("%w: document parse hash does not match %s", domain.ErrIdentifierMismatch, in.ParseHash)
	}
	return completeWith(domain.ChunkPlan{ChunkerName: p.chunker.Name(), ChunkerVersion: p.chunker.Version()})
}

// chunking: テキストをチャンクに分割してバッファに書き込みます
func (p *StageProcessor) chunk(ctx context.Context, doc *domain.Document, job *domain.Job) (domain.Completion, error) {
	plan, err := domain.DecodePayload[domain.ChunkPlan](job.Payload)
	if err != nil {
		return domain.Completion{}, err
	}
	if plan.ChunkerName != p.chunker.Name() || plan.ChunkerVersion != p.chunker.Version() {
		return domain.Completion{}, domain.Permanent("chunker_mismatch",
			fmt.Errorf("planned %s/%s, running %s/%s", plan.ChunkerName, plan.ChunkerVersion, p.chunker.Name(), p.chunker.Version()))
	}
	if doc.ParseHash == nil {
		return domain.Completion{}, fmt.Errorf("%w: document has no parse hash", domain.ErrBufferNotFound)
	}

	parsed, err := p.staging.GetParsedText(ctx, doc.ID, *doc.ParseHash)
	if err != nil {
		return domain.Completion{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	spans, err := p.chunker.Chunk(callCtx, parsed.Text)
	if err != nil {
		return domain.Completion{}, fmt.Errorf("failed to chunk document: %w", err)
	}
	if len(spans) == 0 {
		return domain.Completion{}, fmt.Errorf("%w: chunker produced no chunks", domain.ErrEmptyContent)
	}

	rows := make([]domain.ChunkText, 0, len(spans))
	for i, span := range spans {
		rows = append(rows, domain.ChunkText{
			ChunkID:        domain.ChunkID(doc.ID, plan.ChunkerName, plan.ChunkerVersion, i),
			DocumentID:     doc.ID,
			ChunkerName:    plan.ChunkerName,
			ChunkerVersion: plan.ChunkerVersion,
			Ordinal:        i,
			Content:        span.Content,
			ContentHash:    domain.ContentHash([]byte(span.Content)),
			TokenCount:     span.TokenCount,
		})
	}
	if err := p.staging.PutChunkTexts(ctx, rows); err != nil {
		return domain.Completion{}, domain.Transient("store_unavailable", err)
	}
	return completeWith(domain.ChunkOutcome{ChunkPlan: plan, ChunkCount: len(rows)})
}

// chunks_buffered: チャンクIDを再計算して検証し、正規のチャンクテーブルへ昇格します
func (p *StageProcessor) promoteChunks(ctx context.Context, doc *domain.Document, job *domain.Job) (domain.Completion, error) {
	in, err := domain.DecodePayload[domain.ChunkOutcome](job.Payload)
	if err != nil {
		return domain.Completion{}, err
	}

	rows, err := p.staging.ListChunkTexts(ctx, doc.ID, in.ChunkerName, in.ChunkerVersion)
	if err != nil {
		return domain.Completion{}, domain.Transient("store_unavailable", err)
	}
	if len(rows) != in.ChunkCount {
		return domain.Completion{}, domain.Integrity("chunk_count_mismatch",
			fmt.Errorf("%w: expected %d buffered chunks, found %d", domain.ErrIdentifierMismatch, in.ChunkCount, len(rows)))
	}
	for _, row := range rows {
		if want := domain.ChunkID(doc.ID, row.ChunkerName, row.ChunkerVersion, row.Ordinal); want != row.ChunkID {
			return domain.Completion{}, fmt.Errorf("%w: chunk %d has id %s, derived %s", domain.ErrIdentifierMismatch, row.Ordinal, row.ChunkID, want)
		}
		if domain.ContentHash([]byte(row.Content)) != row.ContentHash {
			return domain.Completion{}, fmt.Errorf("%w: chunk %d content hash", domain.ErrIdentifierMismatch, row.Ordinal)
		}
	}

	n, err := p.staging.PromoteChunkTexts(ctx, doc.ID, in.ChunkerName, in.ChunkerVersion)
	if err != nil {
		return domain.Completion{}, domain.Transient("store_unavailable", err)
	}
	if n != in.ChunkCount {
		return domain.Completion{}, domain.Integrity("chunk_count_mismatch",
			fmt.Errorf("%w: promoted %d chunks, expected %d", domain.ErrIdentifierMismatch, n, in.ChunkCount))
	}
	return completeWith(in)
}

// chunked: 使用する埋め込みモデルを決定します
func (p *StageProcessor) planEmbedding(job *domain.Job) (domain.Completion, error) {
	in, err := domain.DecodePayload[domain.ChunkOutcome](job.Payload)
	if err != nil {
		return domain.Completion{}, err
	}
	return completeWith(domain.EmbedPlan{
		ChunkOutcome: in,
		Model:        p.embedder.ModelID(),
		Version:      p.embedder.ModelVersion(),
	})
}

// embedding: ベクトルが未作成のチャンクを埋め込み、バッファに書き込みます
func (p *StageProcessor) embed(ctx context.Context, doc *domain.Document, job *domain.Job) (domain.Completion, error) {
	plan, err := domain.DecodePayload[domain.EmbedPlan](job.Payload)
	if err != nil {
		return domain.Completion{}, err
	}
	if plan.Model != p.embedder.ModelID() || plan.Version != p.embedder.ModelVersion() {
		return domain.Completion{}, domain.Permanent("embedder_mismatch",
			fmt.Errorf("planned %s/%s, running %s/%s", plan.Model, plan.Version, p.embedder.ModelID(), p.embedder.ModelVersion()))
	}

	texts, err := p.staging.ListChunkTexts(ctx, doc.ID, plan.ChunkerName, plan.ChunkerVersion)
	if err != nil {
		return domain.Completion{}, domain.Transient("store_unavailable", err)
	}
	existing, err := p.staging.ListChunkVectors(ctx, doc.ID, plan.Model, plan.Version)
	if err != nil {
		return domain.Completion{}, domain.Transient("store_unavailable", err)
	}
	done := make(map[string]bool, len(existing))
	for _, v := range existing {
		done[v.ChunkID.String()] = true
	}

	pending := make([]domain.ChunkText, 0, len(texts))
	for _, text := range texts {
		if !done[text.ChunkID.String()] {
			pending = append(pending, text)
		}
	}

	// バッチごとにバッファへ書き込むので、途中で失敗しても再試行時は残りだけを埋め込む
	batches := 0
	for start := 0; start < len(pending); start += p.cfg.EmbedBatchSize {
		end := min(start+p.cfg.EmbedBatchSize, len(pending))
		batch := pending[start:end]

		contents := make([]string, len(batch))
		for i, text := range batch {
			contents[i] = text.Content
		}
		vectors, err := p.embedBatch(ctx, contents)
		if err != nil {
			return domain.Completion{}, err
		}
		for i, text := range batch {
			if err := p.staging.PutChunkVector(ctx, domain.ChunkVector{
				ChunkID:    text.ChunkID,
				DocumentID: doc.ID,
				Model:      plan.Model,
				Version:    plan.Version,
				Vector:     vectors[i],
			}); err != nil {
				return domain.Completion{}, domain.Transient("store_unavailable", err)
			}
		}
		batches++
	}

	p.log.Debug("chunks embedded",
		"documentID", doc.ID,
		"embedded", len(pending),
		"batches", batches,
		"alreadyBuffered", len(done),
	)
	return completeWith(plan)
}

func (p *StageProcessor) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	vectors, err := p.embedder.EmbedBatch(callCtx, texts)
	if err != nil {
		return nil, classifyEmbedError(err)
	}
	if len(vectors) != len(texts) {
		return nil, domain.Permanent("embedding_rejected",
			fmt.Errorf("%w: got %d vectors for %d chunks", llmdomain.ErrEmptyEmbedding, len(vectors), len(texts)))
	}
	return vectors, nil
}

// classifyEmbedError は埋め込みサービスのエラーを分類します
func classifyEmbedError(err error) error {
	switch {
	case errors.Is(err, llmdomain.ErrInvalidRequest),
		errors.Is(err, llmdomain.ErrDimensionMismatch),
		errors.Is(err, llmdomain.ErrEmptyEmbedding),
		errors.Is(err, llmdomain.ErrModelNotAvailable):
		return domain.Permanent("embedding_rejected", err)
	case errors.Is(err, llmdomain.ErrRateLimitExceeded):
		return domain.Transient("embedding_rate_limited", err)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.Transient("timeout", err)
	default:
		return domain.Transient("embedding_unavailable", err)
	}
}

// embeddings_buffered: ベクトルを昇格し、すべてのチャンクにベクトルがあることを確認します
func (p *StageProcessor) promoteVectors(ctx context.Context, doc *domain.Document, job *domain.Job) (domain.Completion, error) {
	plan, err := domain.DecodePayload[domain.EmbedPlan](job.Payload)
	if err != nil {
		return domain.Completion{}, err
	}

	n, err := p.staging.PromoteChunkVectors(ctx, doc.ID, plan.Model, plan.Version)
	if err != nil {
		return domain.Completion{}, domain.Transient("store_unavailable", err)
	}
	if n != plan.ChunkCount {
		return domain.Completion{}, domain.Integrity("vector_count_mismatch",
			fmt.Errorf("%w: promoted %d vectors, expected %d", domain.ErrIdentifierMismatch, n, plan.ChunkCount))
	}

	chunks, err := p.chunks.ListByDocument(ctx, doc.ID)
	if err != nil {
		return domain.Completion{}, domain.Transient("store_unavailable", err)
	}
	for _, ch := range chunks {
		if ch.ChunkerName != plan.ChunkerName || ch.ChunkerVersion != plan.ChunkerVersion {
			continue
		}
		if len(ch.Embedding) == 0 {
			return domain.Completion{}, domain.Integrity("vector_missing",
				fmt.Errorf("%w: chunk %s has no embedding", domain.ErrIdentifierMismatch, ch.ID))
		}
	}
	return domain.Completion{Result: mustJSON(map[string]any{"chunks": n, "model": plan.Model, "version": plan.Version})}, nil
}

// completeWith は結果と後続ステージのペイロードに同じ値を使う完了情報を返します
func completeWith(p domain.Payload) (domain.Completion, error) {
	raw, err := domain.EncodePayload(p)
	if err != nil {
		return domain.Completion{}, domain.Permanent("invalid_payload", err)
	}
	return domain.Completion{Result: raw, NextPayload: raw}, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
