package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// OpenAI設定（Embeddings用）
	OpenAI OpenAIConfig

	// 生バイト・解析済みテキストの保存先
	Storage StorageConfig

	// ワーカー・ジョブストア設定
	Worker WorkerConfig

	// チャンク分割設定
	Chunker ChunkerConfig

	// 検索設定
	Retrieval RetrievalConfig

	// Gitリポジトリからの一括取り込み設定
	Git GitConfig

	HTTP HTTPConfig
	Log  LogConfig
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// OpenAIConfig はEmbedding API設定
type OpenAIConfig struct {
	// Provider は "openai"（公式API）または "compat"（OpenAI互換のローカルサービス）
	Provider           string
	APIKey             string
	BaseURL            string
	EmbeddingModel     string
	EmbeddingVersion   string
	EmbeddingDimension int
	// RatePerSecond は1秒あたりのEmbedding呼び出し上限（0以下で無制限）
	RatePerSecond float64
}

// StorageConfig はBlob保存先の設定
type StorageConfig struct {
	BlobRoot string
}

// WorkerConfig はワーカープールとジョブの再試行設定
type WorkerConfig struct {
	// ID はクレームに記録されるワーカー名（空の場合はホスト名）
	ID           string
	Concurrency  int
	PollInterval time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	// StaleAfter はこの時間クレーム時刻が更新されていないジョブを再取得可能とみなす
	StaleAfter   time.Duration
	StageTimeout time.Duration
	// CallTimeout はパーサー・チャンカー・埋め込みAPIの1回の呼び出しのタイムアウト
	CallTimeout time.Duration
	// EmbedBatchSize は1回の埋め込みAPI呼び出しに渡すチャンク数
	EmbedBatchSize int
	// UserMaxActiveDocuments はユーザーごとに同時に処理できるドキュメント数の上限（0以下で無制限）
	UserMaxActiveDocuments int
	// DeferDelay は同時処理数の上限に達したジョブを再取得するまでの待機時間
	DeferDelay time.Duration
}

// ChunkerConfig はチャンク分割の設定
type ChunkerConfig struct {
	Strategy      string // "token" or "recursive"
	TargetTokens  int
	OverlapTokens int
}

// RetrievalConfig は検索の設定
type RetrievalConfig struct {
	Threshold  float64
	MaxResults int
}

// GitConfig はGit取り込みの設定
type GitConfig struct {
	CloneDir    string
	SSHKeyPath  string
	SSHPassword string
	// MaxFileSize はこのサイズを超えるファイルを取り込み対象から除外する（バイト）
	MaxFileSize int64
}

// HTTPConfig はHTTPサーバーの設定
type HTTPConfig struct {
	Addr string
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string
	Format string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "docpipe"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "docpipe"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		OpenAI: OpenAIConfig{
			Provider:           getEnv("EMBEDDING_PROVIDER", "openai"),
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			BaseURL:            getEnv("OPENAI_BASE_URL", ""),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingVersion:   getEnv("OPENAI_EMBEDDING_VERSION", "1"),
			EmbeddingDimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
			RatePerSecond:      getEnvAsFloat("EMBEDDING_RATE_PER_SECOND", 0),
		},
		Storage: StorageConfig{
			BlobRoot: getEnv("BLOB_ROOT", "/var/lib/docpipe/blobs"),
		},
		Worker: WorkerConfig{
			ID:                     getEnv("WORKER_ID", ""),
			Concurrency:            getEnvAsInt("WORKER_CONCURRENCY", 4),
			PollInterval:           getEnvAsDuration("WORKER_POLL_INTERVAL", time.Second),
			MaxAttempts:            getEnvAsInt("JOB_MAX_ATTEMPTS", 4),
			BackoffBase:            getEnvAsDuration("JOB_BACKOFF_BASE", 2*time.Second),
			BackoffMax:             getEnvAsDuration("JOB_BACKOFF_MAX", 2*time.Minute),
			StaleAfter:             getEnvAsDuration("JOB_STALE_AFTER", 5*time.Minute),
			StageTimeout:           getEnvAsDuration("STAGE_TIMEOUT", 10*time.Minute),
			CallTimeout:            getEnvAsDuration("CALL_TIMEOUT", 30*time.Second),
			EmbedBatchSize:         getEnvAsInt("EMBED_BATCH_SIZE", 100),
			UserMaxActiveDocuments: getEnvAsInt("USER_MAX_ACTIVE_DOCUMENTS", 10),
			DeferDelay:             getEnvAsDuration("JOB_DEFER_DELAY", 5*time.Second),
		},
		Chunker: ChunkerConfig{
			Strategy:      getEnv("CHUNKER_STRATEGY", "token"),
			TargetTokens:  getEnvAsInt("CHUNK_TARGET_TOKENS", 800),
			OverlapTokens: getEnvAsInt("CHUNK_OVERLAP_TOKENS", 200),
		},
		Retrieval: RetrievalConfig{
			Threshold:  getEnvAsFloat("RETRIEVAL_THRESHOLD", 0.35),
			MaxResults: getEnvAsInt("RETRIEVAL_MAX_RESULTS", 8),
		},
		Git: GitConfig{
			CloneDir:    getEnv("GIT_CLONE_DIR", "/var/lib/docpipe/repos"),
			SSHKeyPath:  getEnv("GIT_SSH_KEY_PATH", ""),
			SSHPassword: getEnv("GIT_SSH_PASSWORD", ""),
			MaxFileSize: int64(getEnvAsInt("GIT_MAX_FILE_SIZE", 1<<20)),
		},
		HTTP: HTTPConfig{
			Addr: getEnv("HTTP_ADDR", ":8080"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate は設定値の整合性を検証します
func (c *Config) Validate() error {
	var errs []error

	if c.OpenAI.EmbeddingDimension <= 0 {
		errs = append(errs, fmt.Errorf("OPENAI_EMBEDDING_DIMENSION must be positive: %d", c.OpenAI.EmbeddingDimension))
	}
	switch c.OpenAI.Provider {
	case "openai", "compat":
	default:
		errs = append(errs, fmt.Errorf("unknown EMBEDDING_PROVIDER: %q", c.OpenAI.Provider))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be at least 1: %d", c.Worker.Concurrency))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1: %d", c.Worker.MaxAttempts))
	}
	if c.Worker.StaleAfter <= 0 {
		errs = append(errs, errors.New("JOB_STALE_AFTER must be positive"))
	}
	if c.Worker.CallTimeout <= 0 || c.Worker.CallTimeout > c.Worker.StageTimeout {
		errs = append(errs, fmt.Errorf("CALL_TIMEOUT must be positive and not exceed STAGE_TIMEOUT: %s", c.Worker.CallTimeout))
	}
	if c.Worker.EmbedBatchSize < 1 || c.Worker.EmbedBatchSize > 100 {
		errs = append(errs, fmt.Errorf("EMBED_BATCH_SIZE must be within [1, 100]: %d", c.Worker.EmbedBatchSize))
	}
	switch c.Chunker.Strategy {
	case "token", "recursive":
	default:
		errs = append(errs, fmt.Errorf("unknown CHUNKER_STRATEGY: %q", c.Chunker.Strategy))
	}
	if c.Chunker.TargetTokens <= 0 || c.Chunker.OverlapTokens < 0 || c.Chunker.OverlapTokens >= c.Chunker.TargetTokens {
		errs = append(errs, fmt.Errorf("invalid chunk size: target=%d overlap=%d", c.Chunker.TargetTokens, c.Chunker.OverlapTokens))
	}
	if c.Retrieval.Threshold < -1 || c.Retrieval.Threshold > 1 {
		errs = append(errs, fmt.Errorf("RETRIEVAL_THRESHOLD must be within [-1, 1]: %v", c.Retrieval.Threshold))
	}
	if c.Retrieval.MaxResults < 1 {
		errs = append(errs, fmt.Errorf("RETRIEVAL_MAX_RESULTS must be at least 1: %d", c.Retrieval.MaxResults))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: "30s", "2m"）
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
