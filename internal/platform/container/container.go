package container

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	llmadapter "github.com/jinford/docpipe/internal/module/llm/adapter"
	llmdomain "github.com/jinford/docpipe/internal/module/llm/domain"
	"github.com/jinford/docpipe/internal/module/pipeline/adapter/blob"
	"github.com/jinford/docpipe/internal/module/pipeline/adapter/chunker"
	"github.com/jinford/docpipe/internal/module/pipeline/adapter/gitsource"
	"github.com/jinford/docpipe/internal/module/pipeline/adapter/parser"
	pipelinepg "github.com/jinford/docpipe/internal/module/pipeline/adapter/pg"
	pipelineapp "github.com/jinford/docpipe/internal/module/pipeline/application"
	pipelinedomain "github.com/jinford/docpipe/internal/module/pipeline/domain"
	retrievalpg "github.com/jinford/docpipe/internal/module/retrieval/adapter/pg"
	retrievalapp "github.com/jinford/docpipe/internal/module/retrieval/application"
	"github.com/jinford/docpipe/internal/platform/database"
	"github.com/jinford/docpipe/pkg/config"
	"github.com/jinford/docpipe/pkg/db"
)

// ServiceContainer はアプリケーションサービスとその依存関係を保持する。
type ServiceContainer struct {
	Intake    *pipelineapp.IntakeService
	Status    *pipelineapp.StatusService
	Retrieval *retrievalapp.RetrievalService

	cfg       *config.Config
	logger    *slog.Logger
	database  *db.DB
	documents *pipelinepg.DocumentRepository
	jobs      *pipelinepg.JobStore
	staging   *pipelinepg.StagingBuffer
	chunks    *pipelinepg.ChunkRepository
	blobs     pipelinedomain.BlobStore
	embedder  llmdomain.Embedder
	chunker   pipelinedomain.Chunker
}

type containerOptions struct {
	logger   *slog.Logger
	embedder llmdomain.Embedder
	chunker  pipelinedomain.Chunker
	blobs    pipelinedomain.BlobStore
	source   pipelinedomain.RepositorySource
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerEmbedder はカスタム Embedder を注入する
func WithContainerEmbedder(embedder llmdomain.Embedder) ContainerOption {
	return func(opts *containerOptions) {
		opts.embedder = embedder
	}
}

// WithContainerChunker は Chunker を差し替える
func WithContainerChunker(c pipelinedomain.Chunker) ContainerOption {
	return func(opts *containerOptions) {
		opts.chunker = c
	}
}

// WithContainerBlobStore は BlobStore を差し替える
func WithContainerBlobStore(store pipelinedomain.BlobStore) ContainerOption {
	return func(opts *containerOptions) {
		opts.blobs = store
	}
}

// WithContainerRepositorySource は RepositorySource を差し替える
func WithContainerRepositorySource(source pipelinedomain.RepositorySource) ContainerOption {
	return func(opts *containerOptions) {
		opts.source = source
	}
}

// NewContainer は設定からコンテナを生成する。
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	database, err := db.New(ctx, db.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Worker.Concurrency + 4),
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}

	c, err := NewContainerWithDB(cfg, database, opts...)
	if err != nil {
		database.Close()
		return nil, err
	}
	return c, nil
}

// NewContainerWithDB は既存の DB を受け取りコンテナを生成する。
func NewContainerWithDB(cfg *config.Config, database *db.DB, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	logger := options.logger

	// BlobStore (ローカルファイルシステム)
	blobs := options.blobs
	if blobs == nil {
		fs, err := blob.NewLocalFS(cfg.Storage.BlobRoot)
		if err != nil {
			return nil, fmt.Errorf("BlobStore 初期化に失敗しました: %w", err)
		}
		blobs = fs
	}

	// Embedder。APIキーがない場合、検索はベクトル指定のみ、ワーカーは起動できない
	embedder := options.embedder
	if embedder == nil {
		e, err := newEmbedder(cfg)
		if err != nil {
			logger.Warn("Embedder を初期化できませんでした", "provider", cfg.OpenAI.Provider, "error", err)
		} else {
			embedder = e
		}
	}

	// RepositorySource (Git)
	source := options.source
	if source == nil {
		source = gitsource.New(gitsource.Config{
			CloneBaseDir: cfg.Git.CloneDir,
			SSHKeyPath:   cfg.Git.SSHKeyPath,
			SSHPassword:  cfg.Git.SSHPassword,
			MaxFileSize:  cfg.Git.MaxFileSize,
		}, logger.With("component", "gitsource"))
	}

	// Repository (PostgreSQL)
	policy := pipelinedomain.RetryPolicy{
		MaxAttempts: cfg.Worker.MaxAttempts,
		BaseDelay:   cfg.Worker.BackoffBase,
		MaxDelay:    cfg.Worker.BackoffMax,
	}
	documents := pipelinepg.NewDocumentRepository(database.Pool)
	jobs := pipelinepg.NewJobStore(database.Pool, policy, cfg.Worker.StaleAfter)
	staging := pipelinepg.NewStagingBuffer(database.Pool)
	chunks := pipelinepg.NewChunkRepository(database.Pool)
	events := pipelinepg.NewEventLog(database.Pool)

	return &ServiceContainer{
		Intake: pipelineapp.NewIntakeService(documents, jobs, blobs, source, logger.With("component", "intake")),
		Status: pipelineapp.NewStatusService(documents, jobs, events, logger.With("component", "status")),
		Retrieval: retrievalapp.NewRetrievalService(
			retrievalpg.NewSearchRepository(database.Pool),
			embedder,
			retrievalapp.Config{
				Threshold:  cfg.Retrieval.Threshold,
				MaxResults: cfg.Retrieval.MaxResults,
				Dimension:  cfg.OpenAI.EmbeddingDimension,
			},
			logger.With("component", "retrieval"),
		),
		cfg:       cfg,
		logger:    logger,
		database:  database,
		documents: documents,
		jobs:      jobs,
		staging:   staging,
		chunks:    chunks,
		blobs:     blobs,
		embedder:  embedder,
		chunker:   options.chunker,
	}, nil
}

// newEmbedder は設定のプロバイダーに応じた Embedder を作成し、レート制限を掛ける
func newEmbedder(cfg *config.Config) (llmdomain.Embedder, error) {
	var (
		base llmdomain.Embedder
		err  error
	)
	switch cfg.OpenAI.Provider {
	case "compat":
		base, err = llmadapter.NewCompatEmbedder(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey,
			cfg.OpenAI.EmbeddingModel, cfg.OpenAI.EmbeddingVersion, cfg.OpenAI.EmbeddingDimension)
	default:
		base, err = llmadapter.NewOpenAIEmbedder(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL,
			cfg.OpenAI.EmbeddingModel, cfg.OpenAI.EmbeddingVersion, cfg.OpenAI.EmbeddingDimension)
	}
	if err != nil {
		return nil, err
	}
	return llmadapter.NewRateLimitedEmbedder(base, cfg.OpenAI.RatePerSecond, cfg.Worker.Concurrency), nil
}

// NewWorkerPool はステージハンドラとワーカープールを生成する。
// チャンカーのトークナイザーと Embedder はワーカーでのみ必要なため、ここで初期化する。
func (c *ServiceContainer) NewWorkerPool() (*pipelineapp.WorkerPool, error) {
	if c.embedder == nil {
		return nil, fmt.Errorf("embedder is not configured: set OPENAI_API_KEY or EMBEDDING_PROVIDER=compat")
	}

	chunk := c.chunker
	if chunk == nil {
		tokenizer, err := chunker.NewTiktokenTokenizer()
		if err != nil {
			return nil, fmt.Errorf("Tokenizer 初期化に失敗しました: %w", err)
		}
		chunk, err = chunker.New(c.cfg.Chunker.Strategy, tokenizer, c.cfg.Chunker.TargetTokens, c.cfg.Chunker.OverlapTokens)
		if err != nil {
			return nil, fmt.Errorf("Chunker 初期化に失敗しました: %w", err)
		}
	}

	processor := pipelineapp.NewStageProcessor(
		c.documents, c.staging, c.chunks, c.blobs,
		parser.NewTextParser(), chunk, c.embedder,
		pipelineapp.ProcessorConfig{
			UserMaxActiveDocuments: c.cfg.Worker.UserMaxActiveDocuments,
			CallTimeout:            c.cfg.Worker.CallTimeout,
			EmbedBatchSize:         c.cfg.Worker.EmbedBatchSize,
		},
		c.logger.With("component", "stage"),
	)

	workerID := c.cfg.Worker.ID
	if workerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	return pipelineapp.NewWorkerPool(c.jobs, processor, pipelineapp.WorkerConfig{
		WorkerID:     workerID,
		Concurrency:  c.cfg.Worker.Concurrency,
		PollInterval: c.cfg.Worker.PollInterval,
		StaleAfter:   c.cfg.Worker.StaleAfter,
		StageTimeout: c.cfg.Worker.StageTimeout,
		DeferDelay:   c.cfg.Worker.DeferDelay,
	}, c.logger.With("component", "worker")), nil
}

// Migrate はデータベースのマイグレーションを適用する。
func (c *ServiceContainer) Migrate(ctx context.Context) error {
	return database.Migrate(ctx, c.database.Pool, c.cfg.OpenAI.EmbeddingDimension)
}

// Ping はデータベースへの疎通を確認する。
func (c *ServiceContainer) Ping(ctx context.Context) error {
	return c.database.Pool.Ping(ctx)
}

// Close は内部リソースを解放する。
func (c *ServiceContainer) Close() {
	if c != nil && c.database != nil {
		c.database.Close()
	}
}

// Logger はロガーを返す。
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}
