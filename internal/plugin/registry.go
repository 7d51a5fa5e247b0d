package plugin

import (
	"sort"
	"sync"
	"time"

	pkgplugin "github.com/goatkit/peard/pkg/plugin"
)

// Loaded is the registry record of a started plugin. Lifecycle is the
// resolved entry point, including any pass-through hooks of a bundle.
type Loaded[C any] struct {
	Definition Definition
	Lifecycle  pkgplugin.Lifecycle[C]
	LoadedAt   time.Time

	seq uint64
}

// Registry is the set of currently started plugins of one context.
type Registry[C any] struct {
	mu      sync.RWMutex
	entries map[string]Loaded[C]
	seq     uint64
}

// NewRegistry returns an empty registry.
func NewRegistry[C any]() *Registry[C] {
	return &Registry[C]{entries: make(map[string]Loaded[C])}
}

func (r *Registry[C]) add(def Definition, lc pkgplugin.Lifecycle[C]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.ID]; exists {
		return
	}
	r.seq++
	r.entries[def.ID] = Loaded[C]{
		Definition: def,
		Lifecycle:  lc,
		LoadedAt:   time.Now(),
		seq:        r.seq,
	}
}

func (r *Registry[C]) remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Has reports whether id is loaded.
func (r *Registry[C]) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Get returns the record for id.
func (r *Registry[C]) Get(id string) (Loaded[C], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.entries[id]
	return l, ok
}

// Len returns the number of loaded plugins.
func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the loaded plugins in the order they were loaded.
func (r *Registry[C]) Snapshot() []Loaded[C] {
	r.mu.RLock()
	out := make([]Loaded[C], 0, len(r.entries))
	for _, l := range r.entries {
		out = append(out, l)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
