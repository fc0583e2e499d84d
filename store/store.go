// Package store implements Store (C8): key -> blob persistence for pending
// tasks, scheduled jobs, and task history. FileStore is the module's
// default (a single JSON checkpoint file); MemoryStore and RedisStore are
// interchangeable alternatives behind the same interface.
package store

// Store is opaque key -> blob persistence. Load never errors: a missing key
// or an unreadable blob simply yields def, matching the degrade-gracefully
// contract a checkpoint (not a log) is expected to honor. Save and Clear
// report failures so callers can log them without corrupting other keys.
type Store interface {
	Load(key string, def interface{}) interface{}
	Save(key string, value interface{}) error
	Clear(key string) error
}
