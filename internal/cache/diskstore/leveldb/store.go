// Package leveldb stores cache records in a LevelDB database.
package leveldb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/JakeFAU/scrapebot/internal/cache/diskstore"
)

const entryPrefix = "e:"

// Config controls where the database lives.
type Config struct {
	// Path is the LevelDB directory.
	Path string `mapstructure:"path" yaml:"path"`
}

// Store keeps one "e:<key>" record per cache key.
type Store struct {
	db   *leveldb.DB
	path string
}

// Open opens or creates the database, recovering it if the manifest is corrupt.
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("leveldb path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create leveldb parent: %w", err)
	}
	db, err := leveldb.OpenFile(cfg.Path, nil)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(cfg.Path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &Store{db: db, path: cfg.Path}, nil
}

// Location returns the database directory.
func (s *Store) Location() string {
	return s.path
}

// Load reads the record for key.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	data, err := s.db.Get(entryKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, diskstore.ErrNotFound
		}
		return nil, fmt.Errorf("leveldb get: %w", err)
	}
	return data, nil
}

// Store writes the record for key.
func (s *Store) Store(_ context.Context, key string, data []byte) error {
	if err := s.db.Put(entryKey(key), data, nil); err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

// Delete removes the record for key. Missing records are ignored.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := s.db.Delete(entryKey(key), nil); err != nil {
		return fmt.Errorf("leveldb delete: %w", err)
	}
	return nil
}

// Clear removes every record in one batch.
func (s *Store) Clear(_ context.Context) error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("leveldb iterate: %w", err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldb clear: %w", err)
	}
	return nil
}

// Count returns the number of records present.
func (s *Store) Count(_ context.Context) (int, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()

	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("leveldb iterate: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close leveldb: %w", err)
	}
	return nil
}

func entryKey(key string) []byte {
	return []byte(entryPrefix + key)
}
