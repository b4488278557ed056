package gateway

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
)

// docMaxChars caps extracted document text injected into model input.
const docMaxChars = 200_000

// textExtensions maps file extensions to MIME types for documents whose
// content can be inlined as text.
var textExtensions = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".tsv":  "text/tab-separated-values",
	".json": "application/json",
	".yaml": "text/yaml",
	".yml":  "text/yaml",
	".xml":  "text/xml",
	".log":  "text/plain",
	".ini":  "text/plain",
	".cfg":  "text/plain",
	".env":  "text/plain",
	".sh":   "text/x-shellscript",
	".py":   "text/x-python",
	".go":   "text/x-go",
	".js":   "text/javascript",
	".ts":   "text/typescript",
	".html": "text/html",
	".css":  "text/css",
	".sql":  "text/x-sql",
	".rs":   "text/x-rust",
	".java": "text/x-java",
	".c":    "text/x-c",
	".cpp":  "text/x-c++",
	".h":    "text/x-c",
	".rb":   "text/x-ruby",
	".php":  "text/x-php",
	".toml": "text/x-toml",
}

// extractFileText reads a downloaded document and returns its content wrapped
// in a file block for model input, escaped so document text cannot smuggle
// markup. Binary formats return "" and the model only sees the plain
// [file: name] marker.
func extractFileText(path, name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(path))
	}
	mime, isText := textExtensions[ext]
	if !isText {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", name, err)
	}

	content := string(data)
	if len(content) > docMaxChars {
		content = content[:docMaxChars] + "\n... [truncated]"
	}

	return fmt.Sprintf("<file name=%q mime=%q>\n%s\n</file>", name, mime, html.EscapeString(content)), nil
}
