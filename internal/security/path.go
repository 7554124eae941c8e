package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateDataPath accepts absolute paths for files the process owns, such as the
// offline cache, but still rejects traversal and embedded NUL bytes.
func ValidateDataPath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("file path contains a NUL byte")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}
	return nil
}
