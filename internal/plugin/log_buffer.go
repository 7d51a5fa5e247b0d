package plugin

import (
	"log/slog"
	"sync"
	"time"
)

// LogEntry is a diagnostic as kept by LogBuffer.
type LogEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Context   Kind       `json:"context"`
	Plugin    string     `json:"plugin,omitempty"`
	Kind      DiagKind   `json:"kind"`
	Level     slog.Level `json:"level"`
	Message   string     `json:"message"`
	Op        Op         `json:"op,omitempty"`
	Related   string     `json:"related,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func entryOf(d Diagnostic) LogEntry {
	e := LogEntry{
		Timestamp: d.Time,
		Context:   d.Context,
		Plugin:    d.Plugin,
		Kind:      d.Kind,
		Level:     d.Level,
		Message:   d.Message,
		Op:        d.Op,
		Related:   d.Related,
	}
	if d.Err != nil {
		e.Error = d.Err.Error()
	}
	return e
}

// LogBuffer keeps the most recent diagnostics in a ring.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	head    int
	count   int
}

// NewLogBuffer creates a buffer holding up to maxSize entries.
func NewLogBuffer(maxSize int) *LogBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LogBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

// Sink returns a diagnostic sink writing into the buffer.
func (b *LogBuffer) Sink() Sink {
	return func(d Diagnostic) { b.Add(entryOf(d)) }
}

// Add appends an entry, overwriting the oldest one when full.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.maxSize
	if b.count < b.maxSize {
		b.count++
	}
}

// collect walks the ring newest first and keeps the entries keep accepts.
// It stops after limit matches when limit is positive.
func (b *LogBuffer) collect(limit int, keep func(LogEntry) bool) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []LogEntry
	for i := 0; i < b.count; i++ {
		idx := (b.head - 1 - i + b.maxSize) % b.maxSize
		if keep == nil || keep(b.entries[idx]) {
			result = append(result, b.entries[idx])
			if limit > 0 && len(result) == limit {
				break
			}
		}
	}
	return result
}

// GetAll returns all entries, newest first.
func (b *LogBuffer) GetAll() []LogEntry {
	return b.collect(0, nil)
}

// GetByPlugin returns the entries of one plugin, newest first.
func (b *LogBuffer) GetByPlugin(id string) []LogEntry {
	return b.collect(0, func(e LogEntry) bool { return e.Plugin == id })
}

// GetByLevel returns entries at or above min, newest first.
func (b *LogBuffer) GetByLevel(min slog.Level) []LogEntry {
	return b.collect(0, func(e LogEntry) bool { return e.Level >= min })
}

// GetRecent returns the newest n entries.
func (b *LogBuffer) GetRecent(n int) []LogEntry {
	if n <= 0 {
		return nil
	}
	return b.collect(n, nil)
}

// Clear drops every entry.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.head = 0
	b.count = 0
}

// Count returns the number of entries held.
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
