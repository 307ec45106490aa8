package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore saves uploaded files to disk under a base directory.
type FileStore struct {
	basePath  string
	urlPrefix string
}

// NewFileStore creates the base directory if missing. urlPrefix is the public
// path files are served from, e.g. "/uploads/".
func NewFileStore(basePath, urlPrefix string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if urlPrefix == "" {
		urlPrefix = "/uploads/"
	}
	return &FileStore{basePath: basePath, urlPrefix: urlPrefix}, nil
}

// Put writes r to key. A partially written file is removed on error.
func (f *FileStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	target, err := f.path(key)
	if err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		_ = os.Remove(target)
		return fmt.Errorf("write file: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(target)
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

// Open returns the stored file.
func (f *FileStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	target, err := f.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}

// Delete removes the stored file. Missing files are not an error.
func (f *FileStore) Delete(_ context.Context, key string) error {
	target, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// URL returns the public path the API serves the file from.
func (f *FileStore) URL(_ context.Context, key string, _ time.Duration) (string, error) {
	return f.urlPrefix + key, nil
}

func (f *FileStore) path(key string) (string, error) {
	name := filepath.Base(strings.TrimSpace(key))
	if name == "" || name == "." || name == ".." || name != key {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(f.basePath, name), nil
}
