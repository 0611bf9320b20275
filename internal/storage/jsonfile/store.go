// Package jsonfile is a download record store backed by a single JSON file.
//
// The whole collection is kept in memory and rewritten to disk on every
// durable mutation. One mutex covers both the in-memory change and the write,
// so concurrent callers are fully ordered and never observe state that was not
// committed to disk.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/italolelis/download_manager/internal/download"
)

const dirPerm = 0o755

// Store implements storage.DownloadRepository.
type Store struct {
	mu        sync.Mutex
	path      string
	downloads []download.Record
}

// New returns an empty store persisting to path. Call Load to read existing state.
func New(path string) *Store {
	return &Store{path: path}
}

// Open returns a store persisting to path, loaded from disk.
func Open(path string) (*Store, error) {
	s := New(path)
	if err := s.Load(); err != nil {
		return nil, err
	}

	return s, nil
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// Load replaces the in-memory table with the backing file contents. A missing
// file leaves the store empty; unreadable or malformed content is an error and
// leaves the current table untouched.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return &download.StoreError{Op: "load", Err: err}
	}

	var downloads []download.Record
	if err := json.Unmarshal(data, &downloads); err != nil {
		return &download.StoreError{Op: "load", Err: fmt.Errorf("failed to parse store: %w", err)}
	}

	s.downloads = downloads

	return nil
}

func (s *Store) List() ([]download.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.downloads), nil
}

func (s *Store) FindByPath(path string) (download.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(path); i >= 0 {
		return s.downloads[i], true, nil
	}

	return download.Record{}, false, nil
}

func (s *Store) Create(record download.Record) (download.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(record.Path) >= 0 {
		return download.Record{}, &download.StoreError{
			Op:  "create",
			Err: fmt.Errorf("%w for path: %s", download.ErrAlreadyExists, record.Path),
		}
	}

	next := append(slices.Clone(s.downloads), record)
	if err := s.commit("create", next); err != nil {
		return download.Record{}, err
	}

	return record, nil
}

func (s *Store) Update(record download.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := slices.Clone(s.downloads)
	if i := s.indexOf(record.Path); i >= 0 {
		next[i] = record
	}

	return s.commit("update", next)
}

func (s *Store) UpdateNoPersist(record download.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(record.Path); i >= 0 {
		s.downloads[i] = record
	}

	return nil
}

func (s *Store) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := slices.DeleteFunc(slices.Clone(s.downloads), func(r download.Record) bool {
		return r.Path == path
	})

	return s.commit("delete", next)
}

// indexOf must be called with mu held.
func (s *Store) indexOf(path string) int {
	return slices.IndexFunc(s.downloads, func(r download.Record) bool {
		return r.Path == path
	})
}

// commit persists next and only then makes it the current table. Must be
// called with mu held.
func (s *Store) commit(op string, next []download.Record) error {
	if err := s.save(next); err != nil {
		return &download.StoreError{Op: op, Err: err}
	}

	s.downloads = next

	return nil
}

// save overwrites the backing file with downloads via a temp file and rename.
func (s *Store) save(downloads []download.Record) error {
	if downloads == nil {
		downloads = []download.Record{}
	}

	data, err := json.Marshal(downloads)
	if err != nil {
		return fmt.Errorf("failed to serialize store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("failed to write store: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("failed to sync store: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("failed to close store: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("failed to replace store: %w", err)
	}

	return nil
}
