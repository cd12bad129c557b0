//go:build windows || linux || darwin

package main

import (
	"os"
	"path/filepath"
	"strings"

	fileatomic "github.com/natefinch/atomic"
)

// writeIfChanged returns the path it wrote, or "" when the entry was already
// current.
func writeIfChanged(path, content string) (string, error) {
	if cur, err := os.ReadFile(path); err == nil && string(cur) == content {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, fileatomic.WriteFile(path, strings.NewReader(content))
}
