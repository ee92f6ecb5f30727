package pathutil

import "strings"

// NormalizePath returns a leading-slash path without a trailing slash.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

// JoinURL appends a normalized path to base, which may carry its own path
// prefix (for example https://llm.example/openai).
func JoinURL(base, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	path = NormalizePath(path)
	if path == "/" {
		return base
	}
	return base + path
}
