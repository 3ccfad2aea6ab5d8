package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.MaxAttempts)
	assert.Equal(t, 0.35, cfg.Retrieval.Threshold)
	assert.Equal(t, 8, cfg.Retrieval.MaxResults)
	assert.Equal(t, "token", cfg.Chunker.Strategy)
	assert.Equal(t, 1536, cfg.OpenAI.EmbeddingDimension)
	assert.Equal(t, 5*time.Second, cfg.Worker.DeferDelay)
	assert.Equal(t, int64(1<<20), cfg.Git.MaxFileSize)
	assert.Equal(t, 30*time.Second, cfg.Worker.CallTimeout)
	assert.Equal(t, 100, cfg.Worker.EmbedBatchSize)
	assert.Less(t, cfg.Worker.CallTimeout, cfg.Worker.StageTimeout)
}

func TestValidate_CallTimeoutAndBatchSize(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	cfg.Worker.CallTimeout = cfg.Worker.StageTimeout + time.Second
	assert.ErrorContains(t, cfg.Validate(), "CALL_TIMEOUT")

	cfg.Worker.CallTimeout = time.Second
	cfg.Worker.EmbedBatchSize = 101
	assert.ErrorContains(t, cfg.Validate(), "EMBED_BATCH_SIZE")

	cfg.Worker.EmbedBatchSize = 16
	assert.NoError(t, cfg.Validate())
}

func TestLoad_GitAndWorkerFromEnv(t *testing.T) {
	t.Setenv("GIT_CLONE_DIR", "/tmp/repos")
	t.Setenv("GIT_MAX_FILE_SIZE", "2048")
	t.Setenv("WORKER_ID", "worker-a")
	t.Setenv("JOB_DEFER_DELAY", "30s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/repos", cfg.Git.CloneDir)
	assert.Equal(t, int64(2048), cfg.Git.MaxFileSize)
	assert.Equal(t, "worker-a", cfg.Worker.ID)
	assert.Equal(t, 30*time.Second, cfg.Worker.DeferDelay)
}

func TestLoad_FromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "JOB_MAX_ATTEMPTS=6\nJOB_STALE_AFTER=90s\nRETRIEVAL_THRESHOLD=0.5\nCHUNKER_STRATEGY=recursive\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o600))

	// godotenv は既存の環境変数を上書きしないため、テスト後に消しておく
	for _, k := range []string{"JOB_MAX_ATTEMPTS", "JOB_STALE_AFTER", "RETRIEVAL_THRESHOLD", "CHUNKER_STRATEGY"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Worker.MaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.Worker.StaleAfter)
	assert.Equal(t, 0.5, cfg.Retrieval.Threshold)
	assert.Equal(t, "recursive", cfg.Chunker.Strategy)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		t.Setenv("OPENAI_API_KEY", "")
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"閾値が範囲外", func(c *Config) { c.Retrieval.Threshold = 1.5 }},
		{"試行回数が0", func(c *Config) { c.Worker.MaxAttempts = 0 }},
		{"重複がターゲット以上", func(c *Config) { c.Chunker.OverlapTokens = c.Chunker.TargetTokens }},
		{"未知のプロバイダー", func(c *Config) { c.OpenAI.Provider = "anthropic" }},
		{"未知のチャンカー", func(c *Config) { c.Chunker.Strategy = "ast" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
