package store

import (
	"encoding/json"
	"sync"

	"github.com/zuko-freemind/taskcore/core"
)

// MemoryStore is a process-local, mutex-guarded key/value store. Grounded
// on the teacher's MemoryStore: a plain map behind a single lock, with
// values round-tripped through JSON so Load always returns the same shape a
// FileStore or RedisStore would, regardless of what was Saved.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
	logger core.Logger
}

// NewMemoryStore builds an empty store. logger may be nil.
func NewMemoryStore(logger core.Logger) *MemoryStore {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &MemoryStore{values: make(map[string]json.RawMessage), logger: logger}
}

func (s *MemoryStore) Load(key string, def interface{}) interface{} {
	s.mu.Lock()
	raw, ok := s.values[key]
	s.mu.Unlock()
	if !ok {
		return def
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		s.logger.Warn("memory store: unreadable blob, returning default", map[string]interface{}{"key": key, "error": err.Error()})
		return def
	}
	return v
}

func (s *MemoryStore) Save(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return core.Wrap("memoryStore.Save", key, core.ErrStorageFailure)
	}
	s.mu.Lock()
	s.values[key] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}
