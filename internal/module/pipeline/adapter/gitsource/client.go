// Package gitsource は Git リポジトリからドキュメントを一括取り込みするためのソースです
package gitsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	giturls "github.com/whilp/git-urls"
)

// client は clone/pull と ref の解決を行います
type client struct {
	sshKeyPath  string
	sshPassword string
}

// urlToDirectoryName は Git URL をクローン先のディレクトリ名に変換します
// 例: git@github.com:user/repo.git -> github.com/user/repo
func urlToDirectoryName(gitURL string) (string, error) {
	u, err := giturls.Parse(gitURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse git URL: %w", err)
	}

	hostname := u.Hostname()
	if hostname == "" {
		hostname = u.Host
	}
	path := strings.TrimSuffix(strings.TrimPrefix(u.Path, "/"), ".git")
	if path == "" || strings.Contains(path, "..") {
		return "", fmt.Errorf("invalid repository path in URL: %q", gitURL)
	}
	return filepath.Join(hostname, path), nil
}

func (c *client) cloneOrPull(ctx context.Context, url, destDir, ref string) (*git.Repository, error) {
	auth, err := c.sshAuth()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(filepath.Join(destDir, ".git")); errors.Is(err, os.ErrNotExist) {
		opts := &git.CloneOptions{URL: url}
		if auth != nil {
			opts.Auth = auth
		}
		repo, err := git.PlainCloneContext(ctx, destDir, false, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to clone repository: %w", err)
		}
		return repo, nil
	}

	repo, err := git.PlainOpen(destDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return nil, fmt.Errorf("failed to get remote: %w", err)
	}
	fetchOpts := &git.FetchOptions{}
	if auth != nil {
		fetchOpts.Auth = auth
	}
	if err := remote.FetchContext(ctx, fetchOpts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	if ref != "" && ref != "HEAD" {
		if err := worktree.Checkout(&git.CheckoutOptions{
			Branch: plumbing.NewRemoteReferenceName("origin", ref),
			Force:  true,
		}); err != nil {
			return nil, fmt.Errorf("failed to checkout: %w", err)
		}
	}
	return repo, nil
}

func (c *client) sshAuth() (*ssh.PublicKeys, error) {
	if c.sshKeyPath == "" {
		return nil, nil
	}
	if _, err := os.Stat(c.sshKeyPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	auth, err := ssh.NewPublicKeysFromFile("git", c.sshKeyPath, c.sshPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to load SSH key: %w", err)
	}
	return auth, nil
}

// resolveTree はブランチ・リモートブランチ・タグ・HEAD・コミットハッシュの順に ref を解決します
func resolveTree(repo *git.Repository, ref string) (*object.Commit, *object.Tree, error) {
	hash, err := resolveRef(repo, ref)
	if err != nil {
		return nil, nil, err
	}
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get commit object: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get tree: %w", err)
	}
	return commit, tree, nil
}

func resolveRef(repo *git.Repository, ref string) (plumbing.Hash, error) {
	if ref == "" || ref == "HEAD" {
		head, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		return head.Hash(), nil
	}

	candidates := []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(ref),
		plumbing.NewRemoteReferenceName("origin", ref),
		plumbing.NewTagReferenceName(ref),
	}
	for _, name := range candidates {
		if r, err := repo.Reference(name, true); err == nil {
			if tag, err := repo.TagObject(r.Hash()); err == nil {
				return tag.Target, nil
			}
			return r.Hash(), nil
		}
	}

	hash := plumbing.NewHash(ref)
	if !hash.IsZero() {
		if _, err := repo.CommitObject(hash); err == nil {
			return hash, nil
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("failed to resolve ref: %s", ref)
}
