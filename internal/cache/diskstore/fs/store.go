// Package fs stores cache records as one JSON file per key.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/scrapebot/internal/cache/diskstore"
)

const recordExt = ".json"

// Config captures the parameters for the file-per-key store.
type Config struct {
	// Dir is the directory holding <key>.json records.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Store writes records under a single directory.
type Store struct {
	dir string
}

// New creates the directory if needed and verifies it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("cache directory is required")
	}

	info, err := os.Stat(cfg.Dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create cache directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat cache directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("cache path %s is not a directory", cfg.Dir)
	}

	probe, err := os.CreateTemp(cfg.Dir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("cache directory is not writable: %w", err)
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return nil, fmt.Errorf("close probe file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("remove probe file: %w", err)
	}

	return &Store{dir: cfg.Dir}, nil
}

// Location returns the cache directory.
func (s *Store) Location() string {
	return s.dir
}

// Load reads the record for key.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is confined to s.dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, diskstore.ErrNotFound
		}
		return nil, fmt.Errorf("read cache record: %w", err)
	}
	return data, nil
}

// Store writes data to a temp file and renames it over the record so readers
// never observe a partial write.
func (s *Store) Store(_ context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit cache record: %w", err)
	}
	return nil
}

// Delete removes the record for key. Missing records are ignored.
func (s *Store) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache record: %w", err)
	}
	return nil
}

// Clear removes every record in the directory.
func (s *Store) Clear(_ context.Context) error {
	paths, err := s.records()
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("clear cache records: %w", errors.Join(errs...))
	}
	return nil
}

// Count returns the number of records present.
func (s *Store) Count(_ context.Context) (int, error) {
	paths, err := s.records()
	if err != nil {
		return 0, err
	}
	return len(paths), nil
}

// Close is a no-op; files are closed after every operation.
func (s *Store) Close() error {
	return nil
}

func (s *Store) records() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*"+recordExt))
	if err != nil {
		return nil, fmt.Errorf("list cache records: %w", err)
	}
	return paths, nil
}

func (s *Store) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(s.dir, key+recordExt), nil
}
