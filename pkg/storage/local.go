package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStorage keeps archived recordings on the local filesystem. It is
// meant for single-node deployments where the archive lives on the same
// host as the media server.
type LocalStorage struct {
	basePath string
}

// LocalConfig configures the filesystem-backed recording archive.
type LocalConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// NewLocalStorage opens (and creates if needed) the archive directory.
func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	absPath, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	return &LocalStorage{
		basePath: absPath,
	}, nil
}

// fullPath resolves an archive key to a path under basePath. Keys that
// would escape the archive root are collapsed to it.
func (s *LocalStorage) fullPath(key string) string {
	cleanKey := filepath.Clean(key)
	if cleanKey == ".." || strings.HasPrefix(cleanKey, ".."+string(os.PathSeparator)) {
		cleanKey = ""
	}
	return filepath.Join(s.basePath, cleanKey)
}

// Write archives the reader's content under key. The content goes through
// a temp file in the target directory so a half-written recording never
// appears under its final key.
func (s *LocalStorage) Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	path := s.fullPath(key)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write content: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Read opens the archived file stored under key.
func (s *LocalStorage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	path := s.fullPath(key)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", key)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Delete removes a single archived file. Missing keys are not an error.
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	path := s.fullPath(key)

	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// DeletePrefix removes everything under a key prefix, e.g. all recordings
// of one exam batch.
func (s *LocalStorage) DeletePrefix(ctx context.Context, prefix string) error {
	path := s.fullPath(prefix)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return os.RemoveAll(path)
	}

	// Prefix names part of a filename rather than a directory.
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	return filepath.Walk(dir, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasPrefix(info.Name(), base) {
			if removeErr := os.Remove(filePath); removeErr != nil {
				return fmt.Errorf("failed to remove %s: %w", filePath, removeErr)
			}
		}
		return nil
	})
}

// List returns metadata for every archived file under the given prefix.
func (s *LocalStorage) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	path := s.fullPath(prefix)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []FileInfo{}, nil
		}
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	var files []FileInfo

	if info.IsDir() {
		err = filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() {
				relPath, _ := filepath.Rel(s.basePath, filePath)
				files = append(files, FileInfo{
					Key:          relPath,
					Size:         info.Size(),
					LastModified: info.ModTime(),
				})
			}
			return nil
		})
	} else {
		relPath, _ := filepath.Rel(s.basePath, path)
		files = append(files, FileInfo{
			Key:          relPath,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return files, nil
}

// Exists reports whether a file is archived under key.
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	path := s.fullPath(key)

	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat file: %w", err)
	}

	return true, nil
}

// GetURL returns the key as a server-relative path. Locally archived
// recordings are served off the media host itself, so there is nothing to
// presign and expires is ignored.
func (s *LocalStorage) GetURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	path := s.fullPath(key)

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", key)
		}
		return "", fmt.Errorf("failed to stat file: %w", err)
	}

	return "/" + key, nil
}
