package task

import (
	"encoding/json"
	"sync"
)

// ChainContext is a thread-safe, JSON-serializable key/value bag scoped to
// one TaskChain's execution. Set validates JSON-serializability and stores
// a deep copy (via a marshal/unmarshal round-trip) so that mutating the
// caller's value after Set does not affect stored state, matching the
// round-trip validation the source's context performs.
type ChainContext struct {
	mu      sync.RWMutex
	chainID string
	data    map[string]interface{}
}

// NewChainContext creates an empty context scoped to chainID.
func NewChainContext(chainID string) *ChainContext {
	return &ChainContext{chainID: chainID, data: make(map[string]interface{})}
}

// Get returns the stored value for key, or def if absent.
func (c *ChainContext) Get(key string, def interface{}) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.data[key]; ok {
		return v
	}
	return def
}

// Has reports whether key is present.
func (c *ChainContext) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.data[key]
	return ok
}

// Keys returns the set of stored keys in no particular order.
func (c *ChainContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	return keys
}

// Set stores a deep copy of value under key after verifying it round-trips
// through JSON. A value that cannot be marshaled/unmarshaled is rejected.
func (c *ChainContext) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return chainContextError{op: "chainContext.Set", cause: err}
	}
	var copied interface{}
	if err := json.Unmarshal(raw, &copied); err != nil {
		return chainContextError{op: "chainContext.Set", cause: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = copied
	return nil
}

// Clear empties the context.
func (c *ChainContext) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]interface{})
}

// Serialize returns {chainId, data} with a shallow copy of the underlying
// map: adding or removing top-level keys does not affect the context, but
// nested maps and slices are shared with it.
func (c *ChainContext) Serialize() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dataCopy := make(map[string]interface{}, len(c.data))
	for k, v := range c.data {
		dataCopy[k] = v
	}
	return map[string]interface{}{
		"chainId": c.chainID,
		"data":    dataCopy,
	}
}

// DeserializeChainContext reconstructs a ChainContext from a blob produced
// by Serialize.
func DeserializeChainContext(blob map[string]interface{}) *ChainContext {
	c := &ChainContext{data: make(map[string]interface{})}
	if id, ok := blob["chainId"].(string); ok {
		c.chainID = id
	}
	if data, ok := blob["data"].(map[string]interface{}); ok {
		for k, v := range data {
			c.data[k] = v
		}
	}
	return c
}

// chainContextError wraps a JSON marshaling failure so ChainContext.Set
// doesn't need to import the core package just for error wrapping.
type chainContextError struct {
	op    string
	cause error
}

func (e chainContextError) Error() string { return e.op + ": " + e.cause.Error() }
func (e chainContextError) Unwrap() error { return e.cause }
