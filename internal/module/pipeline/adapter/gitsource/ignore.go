package gitsource

import (
	"strings"

	"github.com/go-git/go-git/v5/plumbing/object"
	gitignore "github.com/sabhiram/go-gitignore"
)

// ignoreFileNames はツリーのルートから読み込む除外パターンファイルです
var ignoreFileNames = []string{".gitignore", ".docpipeignore"}

var defaultIgnorePatterns = []string{
	".git",
	".gitignore",
	".docpipeignore",
	".gitattributes",
	".gitmodules",
	"node_modules",
	"vendor",
	"dist",
	"build",
	"target",
	".idea",
	".vscode",
	".DS_Store",
	"*.log",
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"*.lock",
	"*.min.js",
	"*.map",
}

// ignoreFilter は .gitignore / .docpipeignore とデフォルトパターンによる除外判定です
type ignoreFilter struct {
	matcher *gitignore.GitIgnore
}

// newIgnoreFilter はコミットのツリーから除外パターンを読み込みます
// 作業ツリーではなくツリーから読むため、ref ごとのパターンが適用されます
func newIgnoreFilter(tree *object.Tree, extra []string) *ignoreFilter {
	patterns := append([]string(nil), defaultIgnorePatterns...)
	patterns = append(patterns, extra...)
	for _, name := range ignoreFileNames {
		f, err := tree.File(name)
		if err != nil {
			continue
		}
		content, err := f.Contents()
		if err != nil {
			continue
		}
		patterns = append(patterns, parseIgnoreLines(content)...)
	}
	return &ignoreFilter{matcher: gitignore.CompileIgnoreLines(patterns...)}
}

func (f *ignoreFilter) shouldIgnore(path string) bool {
	return f.matcher.MatchesPath(path)
}

// parseIgnoreLines は空行とコメント行を除いたパターンを返します
func parseIgnoreLines(content string) []string {
	var patterns []string
	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}
