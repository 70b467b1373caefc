/**
 * Copyright (c) 2025, runZero, Inc.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package storage is the opaque persistent-state handle exposed to the
// QUIC core: string-keyed values under a string path, with open, read,
// write, delete, and close. The backing store is a collaborator detail;
// this package ships a filesystem implementation with atomic writes and
// an in-memory one for tests.
package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"
)

// Storage is one opened configuration scope.
type Storage interface {
	// ReadValue returns the named value, or a not-found error.
	ReadValue(name string) ([]byte, error)
	// WriteValue creates or replaces the named value.
	WriteValue(name string, value []byte) error
	// DeleteValue removes the named value; deleting a missing value is
	// a not-found error.
	DeleteValue(name string) error
	// ListValues returns the names present in this scope, sorted.
	ListValues() ([]string, error)
	Close() error
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return trace.BadParameter("invalid value name %q", name)
	}
	return nil
}

// fileStorage keeps each value as one file under the scope directory.
type fileStorage struct {
	dir string
}

// OpenFile opens (creating if needed) a filesystem-backed scope rooted
// at dir.
func OpenFile(dir string) (Storage, error) {
	if dir == "" {
		return nil, trace.BadParameter("missing storage path")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fileStorage{dir: dir}, nil
}

func (s *fileStorage) ReadValue(name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, trace.Wrap(err)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, trace.NotFound("value %q not found", name)
		}
		return nil, trace.Wrap(err)
	}
	return data, nil
}

func (s *fileStorage) WriteValue(name string, value []byte) error {
	if err := validName(name); err != nil {
		return trace.Wrap(err)
	}
	// Atomic replace: a reader never observes a torn value.
	if err := renameio.WriteFile(filepath.Join(s.dir, name), value, 0o600); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (s *fileStorage) DeleteValue(name string) error {
	if err := validName(name); err != nil {
		return trace.Wrap(err)
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return trace.NotFound("value %q not found", name)
		}
		return trace.Wrap(err)
	}
	return nil
}

func (s *fileStorage) ListValues() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Close() error { return nil }

// memoryStorage is the test double.
type memoryStorage struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// OpenMemory opens an empty in-memory scope.
func OpenMemory() Storage {
	return &memoryStorage{values: make(map[string][]byte)}
}

func (s *memoryStorage) ReadValue(name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	if !ok {
		return nil, trace.NotFound("value %q not found", name)
	}
	return append([]byte(nil), v...), nil
}

func (s *memoryStorage) WriteValue(name string, value []byte) error {
	if err := validName(name); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = append([]byte(nil), value...)
	return nil
}

func (s *memoryStorage) DeleteValue(name string) error {
	if err := validName(name); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[name]; !ok {
		return trace.NotFound("value %q not found", name)
	}
	delete(s.values, name)
	return nil
}

func (s *memoryStorage) ListValues() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Close() error { return nil }
