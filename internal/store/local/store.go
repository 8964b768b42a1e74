// Package local implements a local filesystem destination store.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mediagrab/mediagrab/internal/grab"
)

// Store writes payloads beneath a base directory. Batch destination
// directories are resolved relative to it and may not escape it.
type Store struct {
	baseDir string
}

// New creates a filesystem-backed store rooted at baseDir.
func New(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	return &Store{baseDir: baseDir}, nil
}

// Exists reports whether the destination file is already on disk.
func (s *Store) Exists(_ context.Context, dest grab.DestinationContext, name string) (bool, error) {
	full, err := s.resolve(dest, name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat destination: %w", err)
	}
	return true, nil
}

// Put writes the payload and returns a file:// URI.
func (s *Store) Put(_ context.Context, dest grab.DestinationContext, name string, _ string, data []byte) (string, error) {
	full, err := s.resolve(dest, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create destination directories: %w", err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return "", fmt.Errorf("write destination file: %w", err)
	}
	return fmt.Sprintf("file://%s", full), nil
}

// resolve joins base/dir/name and rejects path traversal.
func (s *Store) resolve(dest grab.DestinationContext, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("destination name is required")
	}
	full := filepath.Join(s.baseDir, dest.Directory, name)
	cleanBase := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(full), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("destination escapes base directory")
	}
	return full, nil
}
