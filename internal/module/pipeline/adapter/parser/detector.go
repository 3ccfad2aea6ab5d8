package parser

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-enry/go-enry/v2"
)

// DetectMIME はファイル名と内容からMIMEタイプを判定します
// 言語を判定できない場合は http.DetectContentType にフォールバックします
func DetectMIME(filename string, content []byte) string {
	if enry.IsBinary(content) {
		return "application/octet-stream"
	}

	language := enry.GetLanguage(filepath.Base(filename), content)
	if mime, ok := languageMIME[language]; ok {
		return mime
	}

	if len(content) > 0 {
		detected := http.DetectContentType(content)
		if idx := strings.Index(detected, ";"); idx != -1 {
			detected = detected[:idx]
		}
		return strings.TrimSpace(detected)
	}
	return "text/plain"
}

var languageMIME = map[string]string{
	"Go":         "text/x-go",
	"JavaScript": "text/javascript",
	"TypeScript": "text/x-typescript",
	"Python":     "text/x-python",
	"Java":       "text/x-java",
	"C":          "text/x-c",
	"C++":        "text/x-c++",
	"Ruby":       "text/x-ruby",
	"Rust":       "text/x-rust",
	"Shell":      "text/x-shellscript",
	"Markdown":   "text/markdown",
	"HTML":       "text/html",
	"CSS":        "text/css",
	"JSON":       "application/json",
	"YAML":       "application/x-yaml",
	"XML":        "application/xml",
	"SQL":        "text/x-sql",
	"TOML":       "application/toml",
	"Text":       "text/plain",
	"Dockerfile": "text/x-dockerfile",
	"Makefile":   "text/x-makefile",
}
