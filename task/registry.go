package task

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Deserializer reconstructs a Task (including its concrete Body) from a
// blob produced by Serialize. This is the language-neutral substitute for
// the reflective class-name lookup a dynamic runtime would use: the kind
// field is an opaque discriminator the core never interprets beyond this
// lookup.
type Deserializer func(blob map[string]interface{}) (*Task, error)

// Registry maps a task kind discriminator to its Deserializer. A program
// registers every concrete task kind it uses at startup; the core only ever
// reads through the registry, never by reflection.
type Registry struct {
	mu            sync.RWMutex
	deserializers map[string]Deserializer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{deserializers: make(map[string]Deserializer)}
}

// Register associates a kind discriminator with its Deserializer. Calling
// Register twice for the same kind overwrites the previous entry, matching
// how a program would redefine a task kind during development.
func (r *Registry) Register(kind string, d Deserializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deserializers[kind] = d
}

// Deserialize looks up blob["kind"] and invokes its Deserializer.
func (r *Registry) Deserialize(blob map[string]interface{}) (*Task, error) {
	kind, _ := blob["kind"].(string)
	if kind == "" {
		return nil, fmt.Errorf("task: blob missing kind discriminator")
	}
	r.mu.RLock()
	d, ok := r.deserializers[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task: no deserializer registered for kind %q", kind)
	}
	return d(blob)
}

// Has reports whether a kind has a registered deserializer.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.deserializers[kind]
	return ok
}

// PopulateCoreFields fills in the Task fields common to every kind from a
// Serialize blob. Concrete deserializers call this after constructing the
// Task with their kind-specific Body, then layer on their own fields.
func PopulateCoreFields(t *Task, blob map[string]interface{}) {
	// Normalize an in-process blob to its JSON-decoded shape so numbers and
	// tag lists read the same whether or not the blob went through a store.
	if raw, err := json.Marshal(blob); err == nil {
		var decoded map[string]interface{}
		if json.Unmarshal(raw, &decoded) == nil {
			blob = decoded
		}
	}
	if v, ok := blob["id"].(string); ok {
		t.ID = v
	}
	if v, ok := blob["name"].(string); ok {
		t.Name = v
	}
	if v, ok := blob["description"].(string); ok {
		t.Description = v
	}
	if v, ok := blob["status"].(string); ok {
		t.status = Status(v)
	}
	if v, ok := blob["progress"].(float64); ok {
		t.progress = int(v)
	}
	if v, ok := blob["isPersistent"].(bool); ok {
		t.IsPersistent = v
	}
	if v, ok := blob["maxRetries"].(float64); ok {
		t.MaxRetries = int(v)
	}
	if v, ok := blob["retryDelaySeconds"].(float64); ok {
		t.RetryDelaySeconds = int(v)
	}
	if v, ok := blob["currentRetryAttempts"].(float64); ok {
		t.CurrentRetryAttempts = int(v)
	}
	if v, ok := blob["failSilently"].(bool); ok {
		t.FailSilently = v
	}
	if v, ok := blob["chainId"].(string); ok {
		t.ChainID = v
	}
	if v, ok := blob["uniqueType"].(string); ok {
		t.UniqueType = UniqueType(v)
	}
	if v, ok := blob["result"]; ok && v != nil {
		t.result = v
	}
	if ts, ok := blobTime(blob["createdAt"]); ok {
		t.CreatedAt = ts
	}
	if ts, ok := blobTime(blob["startedAt"]); ok {
		t.StartedAt = ts
	}
	if ts, ok := blobTime(blob["finishedAt"]); ok {
		t.FinishedAt = ts
	}
	if tags, ok := blob["tags"].([]interface{}); ok {
		for _, tag := range tags {
			if s, ok := tag.(string); ok {
				t.tags[s] = struct{}{}
			}
		}
	}
	if errBlob, ok := blob["error"].(map[string]interface{}); ok {
		e := &Error{}
		if m, ok := errBlob["message"].(string); ok {
			e.Message = m
		}
		if k, ok := errBlob["kind"].(string); ok {
			e.Kind = k
		}
		t.err = e
	}
}

// blobTime accepts both the in-process shape (time.Time) and the
// post-JSON-round-trip shape (an RFC 3339 string) a timestamp field may
// carry, returning false for a zero or absent value.
func blobTime(v interface{}) (time.Time, bool) {
	switch ts := v.(type) {
	case time.Time:
		return ts, !ts.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, !parsed.IsZero()
	}
	return time.Time{}, false
}
