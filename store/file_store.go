package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/zuko-freemind/taskcore/core"
)

// FileStore persists every key into a single JSON checkpoint file. Writes
// are atomic at file granularity: each Save/Clear writes a temp file in the
// same directory and renames it over the target, so a crash mid-write
// leaves the previous, fully-consistent file in place rather than a
// half-written one. This is the module's default Store, grounded on the
// source's JsonStorage but made atomic per the storage invariant this
// module requires.
type FileStore struct {
	mu     sync.Mutex
	path   string
	data   map[string]json.RawMessage
	logger core.Logger
}

// NewFileStore opens (or creates) a checkpoint file at path. A missing file
// starts as an empty store; an unreadable existing file also starts empty
// rather than failing construction, since the store is a checkpoint, not a
// log of record.
func NewFileStore(path string, logger core.Logger) *FileStore {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	fs := &FileStore{path: path, data: make(map[string]json.RawMessage), logger: logger}
	fs.loadFromDisk()
	return fs
}

func (s *FileStore) loadFromDisk() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Warn("file store: existing checkpoint unreadable, starting empty", map[string]interface{}{"path": s.path, "error": err.Error()})
		return
	}
	s.data = data
}

func (s *FileStore) Load(key string, def interface{}) interface{} {
	s.mu.Lock()
	raw, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return def
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		s.logger.Warn("file store: unreadable value, returning default", map[string]interface{}{"key": key, "error": err.Error()})
		return def
	}
	return v
}

func (s *FileStore) Save(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return core.Wrap("fileStore.Save", key, core.ErrStorageFailure)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return s.writeLocked()
}

func (s *FileStore) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return s.writeLocked()
}

func (s *FileStore) writeLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return core.Wrap("fileStore.write", s.path, core.ErrStorageFailure)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".taskcore-*.tmp")
	if err != nil {
		return core.Wrap("fileStore.write", s.path, core.ErrStorageFailure)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return core.Wrap("fileStore.write", s.path, core.ErrStorageFailure)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return core.Wrap("fileStore.write", s.path, core.ErrStorageFailure)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return core.Wrap("fileStore.write", s.path, core.ErrStorageFailure)
	}
	return nil
}
