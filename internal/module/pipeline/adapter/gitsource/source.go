package gitsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-enry/go-enry/v2"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/jinford/docpipe/internal/module/pipeline/adapter/parser"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

// DefaultMaxFileSize は取り込むファイルサイズの上限です
const DefaultMaxFileSize = 1 << 20

// Config はGitソースの設定です
type Config struct {
	// CloneBaseDir はリモートリポジトリのクローン先
	CloneBaseDir string
	SSHKeyPath   string
	SSHPassword  string
	MaxFileSize  int64
	// ExtraIgnore は追加の除外パターン
	ExtraIgnore []string
}

// Source は domain.RepositorySource の go-git 実装です
type Source struct {
	cfg    Config
	client *client
	parser *parser.TextParser
	logger *slog.Logger
}

// New は新しいSourceを作成します
func New(cfg Config, logger *slog.Logger) *Source {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	return &Source{
		cfg:    cfg,
		client: &client{sshKeyPath: cfg.SSHKeyPath, sshPassword: cfg.SSHPassword},
		parser: parser.NewTextParser(),
		logger: logger,
	}
}

var _ domain.RepositorySource = (*Source)(nil)

// Fetch はリポジトリの ref にあるテキストファイルを返します
// repoURL がローカルのリポジトリディレクトリの場合はクローンせずに直接開きます
func (s *Source) Fetch(ctx context.Context, repoURL, ref string) (*domain.SourceSnapshot, error) {
	repo, err := s.open(ctx, repoURL, ref)
	if err != nil {
		return nil, err
	}

	commit, tree, err := resolveTree(repo, ref)
	if err != nil {
		return nil, err
	}
	filter := newIgnoreFilter(tree, s.cfg.ExtraIgnore)

	snapshot := &domain.SourceSnapshot{CommitHash: commit.Hash.String()}
	err = tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		file, ok, err := s.readFile(f, filter)
		if err != nil {
			return err
		}
		if !ok {
			snapshot.Skipped++
			return nil
		}
		snapshot.Files = append(snapshot.Files, *file)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate files: %w", err)
	}

	s.logger.Info("リポジトリのファイルを取得しました",
		"repo", repoURL, "commit", snapshot.CommitHash, "files", len(snapshot.Files), "skipped", snapshot.Skipped)
	return snapshot, nil
}

func (s *Source) open(ctx context.Context, repoURL, ref string) (*git.Repository, error) {
	if info, err := os.Stat(repoURL); err == nil && info.IsDir() {
		repo, err := git.PlainOpen(repoURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open local repository: %w", err)
		}
		return repo, nil
	}

	if s.cfg.CloneBaseDir == "" {
		return nil, errors.New("clone base directory is not configured")
	}
	dirName, err := urlToDirectoryName(repoURL)
	if err != nil {
		return nil, err
	}
	return s.client.cloneOrPull(ctx, repoURL, filepath.Join(s.cfg.CloneBaseDir, dirName), ref)
}

func (s *Source) readFile(f *object.File, filter *ignoreFilter) (*domain.SourceFile, bool, error) {
	if filter.shouldIgnore(f.Name) || enry.IsVendor(f.Name) || f.Size > s.cfg.MaxFileSize || f.Size == 0 {
		return nil, false, nil
	}

	reader, err := f.Reader()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read file %s: %w", f.Name, err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read file %s: %w", f.Name, err)
	}

	mimeType := parser.DetectMIME(f.Name, content)
	if !s.parser.Supports(mimeType) || enry.IsBinary(content) {
		return nil, false, nil
	}
	return &domain.SourceFile{Path: f.Name, Content: content, MIMEType: mimeType}, true, nil
}
