package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// FileStore persists the session record as a single JSON file. Writes go
// through a temp file and rename so concurrent readers (and the cross-context
// watcher in other processes) only ever observe whole records.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by the given file path.
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("session filestore: path is empty")
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file path, used by the cross-context watcher.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the persisted record. A missing file yields (nil, nil). A file
// that cannot be parsed, or that lacks a user object, is self-healed: the
// corrupt content is removed and the session treated as absent.
func (s *FileStore) Load() (*StorageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session filestore: read failed: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	record := &StorageRecord{}
	if errUnmarshal := json.Unmarshal(data, record); errUnmarshal != nil {
		log.Warnf("session file is corrupt, clearing it: %v", errUnmarshal)
		s.clearLocked()
		return nil, nil
	}
	if record.User == nil {
		log.Warn("session file has no user record, clearing it")
		s.clearLocked()
		return nil, nil
	}
	return record, nil
}

// Save atomically replaces the persisted record.
func (s *FileStore) Save(record *StorageRecord) error {
	if record == nil {
		return fmt.Errorf("session filestore: record is nil")
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("session filestore: marshal failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if errMkdir := os.MkdirAll(dir, 0o700); errMkdir != nil {
		return fmt.Errorf("session filestore: create dir failed: %w", errMkdir)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("session filestore: create temp failed: %w", err)
	}
	tmpPath := tmp.Name()
	if _, errWrite := tmp.Write(raw); errWrite != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("session filestore: write failed: %w", errWrite)
	}
	if errClose := tmp.Close(); errClose != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("session filestore: close failed: %w", errClose)
	}
	if errChmod := os.Chmod(tmpPath, 0o600); errChmod != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("session filestore: chmod failed: %w", errChmod)
	}
	if errRename := os.Rename(tmpPath, s.path); errRename != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("session filestore: rename failed: %w", errRename)
	}
	return nil
}

// Clear removes the persisted record.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

func (s *FileStore) clearLocked() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session filestore: clear failed: %w", err)
	}
	return nil
}
