package transfer

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// KeyFor returns the object key of localPath: its slash-separated path
// relative to root.
func KeyFor(root, localPath string) (string, error) {
	rel, err := filepath.Rel(root, localPath)
	if err != nil {
		return "", fmt.Errorf("failed to relate %s to %s: %w", localPath, root, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is not inside %s", localPath, root)
	}
	return filepath.ToSlash(rel), nil
}

// PathFor is the inverse of KeyFor.
func PathFor(root, key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("empty key %q", key)
	}
	return filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}
