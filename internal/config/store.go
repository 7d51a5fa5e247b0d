// Package config persists plugin configuration as a YAML document.
//
// The document keeps one entry per plugin under the "plugins" key:
//
//	plugins:
//	  precise-volume:
//	    enabled: true
//	    steps: 2
//
// Entries hold only the user's overrides; callers merge them onto the
// plugin's defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store is a key/value view over the configuration document. Keys are dotted
// paths such as "plugins.discord". A Store with an empty path lives in memory only.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  map[string]any
}

// Open loads the document at path. A missing file yields an empty store that
// is created on the first write.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: map[string]any{}}
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	s.doc = doc
	return s, nil
}

// NewMemoryStore returns a store that is never written to disk.
func NewMemoryStore(doc map[string]any) *Store {
	if doc == nil {
		doc = map[string]any{}
	}
	return &Store{doc: cloneMap(doc)}
}

// Path returns the backing file, empty for memory stores.
func (s *Store) Path() string { return s.path }

func (s *Store) read() (map[string]any, error) {
	if s.path == "" {
		return cloneMap(s.doc), nil
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", s.path, err)
	}
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", s.path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := Validate(doc); err != nil {
		return nil, fmt.Errorf("config %s: %w", s.path, err)
	}
	return doc, nil
}

// Get returns a copy of the value at key, or nil.
func (s *Store) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneValue(lookup(s.doc, key))
}

// GetMap returns the map at key, or nil when the key is absent or not a map.
func (s *Store) GetMap(key string) map[string]any {
	m, _ := asMap(s.Get(key))
	return m
}

// Set replaces the value at key and persists the document.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(func(doc map[string]any) error {
		return assign(doc, key, cloneValue(value))
	})
}

// SetPartial merges partial over defaults and the current value at key, then
// persists the result.
func (s *Store) SetPartial(key string, partial, defaults map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, _ := asMap(lookup(s.doc, key))
	merged := Merge(defaults, current, partial)
	if err := Validate(map[string]any{"plugins": map[string]any{"entry": merged}}); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return s.commitLocked(func(doc map[string]any) error {
		return assign(doc, key, merged)
	})
}

// commitLocked applies change to a copy of the document and keeps the copy
// only once it is on disk.
func (s *Store) commitLocked(change func(doc map[string]any) error) error {
	doc := cloneMap(s.doc)
	if err := change(doc); err != nil {
		return err
	}
	if err := s.write(doc); err != nil {
		return err
	}
	s.doc = doc
	return nil
}

// Plugins returns a copy of every plugin override keyed by plugin id.
func (s *Store) Plugins() map[string]map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pluginEntries(s.doc)
}

func pluginEntries(doc map[string]any) map[string]map[string]any {
	out := map[string]map[string]any{}
	plugins, _ := asMap(doc["plugins"])
	for id, v := range plugins {
		if m, ok := asMap(v); ok {
			out[id] = cloneMap(m)
		}
	}
	return out
}

// Reload re-reads the backing file and returns the ids of plugins whose
// entries changed, sorted.
func (s *Store) Reload() ([]string, error) {
	doc, err := s.read()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	before := pluginEntries(s.doc)
	s.doc = doc
	after := pluginEntries(doc)
	s.mu.Unlock()

	var changed []string
	for id, v := range after {
		if !reflect.DeepEqual(before[id], v) {
			changed = append(changed, id)
		}
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// Save writes the document to disk.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.write(s.doc)
}

func (s *Store) write(doc map[string]any) error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func lookup(doc map[string]any, key string) any {
	var cur any = doc
	for _, part := range strings.Split(key, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func assign(doc map[string]any, key string, value any) error {
	parts := strings.Split(key, ".")
	cur := doc
	for i, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			if cur[part] != nil {
				return fmt.Errorf("set %s: %s is not a map", key, strings.Join(parts[:i+1], "."))
			}
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
	return nil
}
