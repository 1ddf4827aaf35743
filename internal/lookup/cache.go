package lookup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// DefaultCachePath is where lookup results are persisted between runs so
// that synthesis is repeatable and works without credentials once populated.
const DefaultCachePath = "vfl.context.json"

// ContextCache is a JSON file of lookup results keyed by query. It is safe
// for concurrent use.
type ContextCache struct {
	path string

	mu      sync.Mutex
	entries map[string]json.RawMessage
	dirty   bool
}

// LoadContextCache reads the cache at path. A missing file yields an empty
// cache.
func LoadContextCache(path string) (*ContextCache, error) {
	c := &ContextCache{path: path, entries: make(map[string]json.RawMessage)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read context cache %q: %w", path, err)
	}
	if len(data) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("parse context cache %q: %w", path, err)
	}
	return c, nil
}

// Get decodes the entry for key into v and reports whether it existed.
func (c *ContextCache) Get(key string, v any) (bool, error) {
	c.mu.Lock()
	raw, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode context entry %q: %w", key, err)
	}
	return true, nil
}

// Put stores v under key. The file is only written by Save.
func (c *ContextCache) Put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode context entry %q: %w", key, err)
	}
	c.mu.Lock()
	c.entries[key] = raw
	c.dirty = true
	c.mu.Unlock()
	return nil
}

// Keys returns the cached keys in sorted order.
func (c *ContextCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset drops every entry.
func (c *ContextCache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]json.RawMessage)
	c.dirty = true
	c.mu.Unlock()
}

// Save writes the cache to disk when it has changed since loading.
func (c *ContextCache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode context cache: %w", err)
	}
	if err := os.WriteFile(c.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write context cache %q: %w", c.path, err)
	}
	c.dirty = false
	return nil
}
