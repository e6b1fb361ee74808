package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local stores blobs as files under a base directory.
type Local struct {
	baseDir string
}

// NewLocal builds a file-backed store rooted at baseDir.
func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "./spool"
	}
	return &Local{baseDir: baseDir}
}

func (l *Local) path(key string) string {
	return filepath.Join(l.baseDir, sanitizeKey(key))
}

func (l *Local) Put(_ context.Context, key string, body []byte, _ string) error {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	body, err := os.ReadFile(l.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return body, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	err := os.Remove(l.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	root := filepath.Join(l.baseDir, sanitizeKey(prefix))
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.baseDir, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return keys, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(filepath.FromSlash(key))
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "..")
	return key
}
