package plugin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Event is a lifecycle diagnostic as streamed to SSE clients.
type Event struct {
	ID      uint64
	Context Kind   // empty for events that are not tied to a context
	Plugin  string // empty for context-wide events
	Type    string // diagnostic kind
	Data    string // JSON encoded LogEntry
}

// EventFilter selects the events a subscriber receives. Zero fields match
// everything.
type EventFilter struct {
	Plugin  string
	Context Kind
}

func (f EventFilter) match(e Event) bool {
	return (f.Plugin == "" || f.Plugin == e.Plugin) &&
		(f.Context == "" || f.Context == e.Context)
}

// EventBroker streams diagnostics to server-sent event clients.
type EventBroker struct {
	// KeepAlive is the interval of comment lines sent to idle clients.
	KeepAlive time.Duration

	mu      sync.RWMutex
	clients map[chan Event]EventFilter
	seq     uint64
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		KeepAlive: 30 * time.Second,
		clients:   make(map[chan Event]EventFilter),
	}
}

// Sink returns a diagnostic sink publishing to the broker.
func (b *EventBroker) Sink() Sink {
	return func(d Diagnostic) {
		data, err := json.Marshal(entryOf(d))
		if err != nil {
			return
		}
		b.Publish(Event{Context: d.Context, Plugin: d.Plugin, Type: string(d.Kind), Data: string(data)})
	}
}

// Subscribe adds a client receiving the events f matches.
func (b *EventBroker) Subscribe(f EventFilter) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.clients[ch] = f
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *EventBroker) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
	close(ch)
}

// Publish numbers event and sends it to every matching client. Clients that
// are not keeping up lose it.
func (b *EventBroker) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	event.ID = b.seq
	for ch, f := range b.clients {
		if !f.match(event) {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// ServeHTTP streams events. The "plugin" and "context" query parameters
// narrow the stream.
func (b *EventBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	f := EventFilter{Plugin: q.Get("plugin"), Context: Kind(q.Get("context"))}
	if f.Context != "" && f.Context != KindHost && f.Context != KindUI {
		http.Error(w, fmt.Sprintf("unknown context %q", f.Context), http.StatusBadRequest)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	ch := b.Subscribe(f)
	defer b.Unsubscribe(ch)

	send := func(format string, args ...any) {
		fmt.Fprintf(w, format, args...)
		flusher.Flush()
	}
	send("event: connected\ndata: {\"status\":\"ok\"}\n\n")

	interval := b.KeepAlive
	if interval <= 0 {
		interval = 30 * time.Second
	}
	keepAlive := time.NewTicker(interval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			send(": keep-alive\n\n")
		case event, ok := <-ch:
			if !ok {
				return
			}
			send("id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, event.Data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *EventBroker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
