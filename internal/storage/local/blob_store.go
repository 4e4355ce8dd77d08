// Package local keeps archived run-state snapshots in a directory tree.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideBase is returned when an object path escapes the base directory.
var ErrOutsideBase = errors.New("object path escapes base directory")

// Config captures the parameters for the directory-backed blob store.
type Config struct {
	// BaseDir is the root directory for archived objects.
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes archive objects below a base directory.
type BlobStore struct {
	baseDir string
}

// New prepares cfg.BaseDir, creating it when missing, and checks it is writable.
func New(cfg Config) (*BlobStore, error) {
	base := strings.TrimSpace(cfg.BaseDir)
	if base == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	base = filepath.Clean(base)

	info, err := os.Stat(base)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(base, 0o750); err != nil {
			return nil, fmt.Errorf("create base directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory %s is not a directory", base)
	}

	tmp, err := os.CreateTemp(base, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	name := tmp.Name()
	if err := errors.Join(tmp.Close(), os.Remove(name)); err != nil {
		return nil, fmt.Errorf("clean up writability check file: %w", err)
	}
	return &BlobStore{baseDir: base}, nil
}

// PutObject streams data to path below the base directory and returns a file:// URI.
// The object appears under its final name only once fully written.
func (s *BlobStore) PutObject(ctx context.Context, path string, _ string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put object canceled: %w", err)
	}
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	if _, err := io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write object %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close object %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("publish object %s: %w", path, err)
	}
	return "file://" + full, nil
}

func (s *BlobStore) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(s.baseDir, path)
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideBase)
	}
	return full, nil
}
