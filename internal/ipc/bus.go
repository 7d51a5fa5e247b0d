// Package ipc carries messages between the host and UI contexts.
//
// A Bus connects the two sides in process. Fire-and-forget messages are
// delivered asynchronously and in send order by one dispatcher goroutine per
// direction; request/response calls run the host handler on their own goroutine.
// A Bridge exposes the UI side of a Bus over a WebSocket for a UI running in
// another process (see Dial).
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goatkit/peard/pkg/plugin"
)

var (
	ErrHandlerExists = errors.New("ipc: handler already registered")
	ErrNoHandler     = errors.New("ipc: no handler registered")
	ErrClosed        = errors.New("ipc: transport closed")
)

type message struct {
	event string
	args  []any
}

// Bus is an in-process transport between the host and the UI context.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]plugin.HandlerFunc

	toUI   *dispatcher
	toHost *dispatcher
	logger *slog.Logger
}

// NewBus starts a bus. Close releases its dispatcher goroutines.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		handlers: make(map[string]plugin.HandlerFunc),
		toUI:     newDispatcher(logger.With("direction", "host->ui")),
		toHost:   newDispatcher(logger.With("direction", "ui->host")),
		logger:   logger,
	}
	go b.toUI.run()
	go b.toHost.run()
	return b
}

// Host returns the host-side endpoint.
func (b *Bus) Host() plugin.HostIPC { return hostEndpoint{b} }

// UI returns the UI-side endpoint.
func (b *Bus) UI() plugin.UIIPC { return uiEndpoint{b} }

// Close stops delivery after draining queued messages.
func (b *Bus) Close() {
	b.toUI.close()
	b.toHost.close()
}

// tapUI registers fn for every message sent towards the UI context.
func (b *Bus) tapUI(fn func(event string, args []any)) (remove func()) {
	return b.toUI.tap(fn)
}

func (b *Bus) handle(event string, h plugin.HandlerFunc) error {
	if h == nil {
		return fmt.Errorf("ipc: nil handler for %q", event)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[event]; exists {
		return fmt.Errorf("%w: %q", ErrHandlerExists, event)
	}
	b.handlers[event] = h
	return nil
}

func (b *Bus) removeHandler(event string) {
	b.mu.Lock()
	delete(b.handlers, event)
	b.mu.Unlock()
}

func (b *Bus) invoke(ctx context.Context, event string, args []any) (any, error) {
	b.mu.RLock()
	h, ok := b.handlers[event]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoHandler, event)
	}

	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("ipc: handler %q panicked: %v", event, r)}
			}
		}()
		v, err := h(ctx, args...)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type hostEndpoint struct{ b *Bus }

func (e hostEndpoint) Send(event string, args ...any) error {
	return e.b.toUI.post(message{event, args})
}

func (e hostEndpoint) Handle(event string, h plugin.HandlerFunc) error {
	return e.b.handle(event, h)
}

func (e hostEndpoint) RemoveHandler(event string) { e.b.removeHandler(event) }

func (e hostEndpoint) On(event string, l plugin.Listener) { e.b.toHost.on(event, l) }

type uiEndpoint struct{ b *Bus }

func (e uiEndpoint) Send(event string, args ...any) error {
	return e.b.toHost.post(message{event, args})
}

func (e uiEndpoint) Invoke(ctx context.Context, event string, args ...any) (any, error) {
	return e.b.invoke(ctx, event, args)
}

func (e uiEndpoint) On(event string, l plugin.Listener) { e.b.toUI.on(event, l) }

func (e uiEndpoint) RemoveAllListeners(event string) { e.b.toUI.off(event) }

// dispatcher delivers queued messages to listeners on a single goroutine.
type dispatcher struct {
	mu        sync.Mutex
	listeners map[string][]plugin.Listener
	taps      map[int]func(string, []any)
	nextTap   int
	pending   []message
	closed    bool

	wake   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	return &dispatcher{
		listeners: make(map[string][]plugin.Listener),
		taps:      make(map[int]func(string, []any)),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

func (d *dispatcher) post(m message) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.pending = append(d.pending, m)
	d.mu.Unlock()
	d.signal()
	return nil
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) on(event string, l plugin.Listener) {
	if l == nil {
		return
	}
	d.mu.Lock()
	d.listeners[event] = append(d.listeners[event], l)
	d.mu.Unlock()
}

func (d *dispatcher) off(event string) {
	d.mu.Lock()
	delete(d.listeners, event)
	d.mu.Unlock()
}

func (d *dispatcher) tap(fn func(string, []any)) func() {
	d.mu.Lock()
	id := d.nextTap
	d.nextTap++
	d.taps[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.taps, id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.signal()
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		closed := d.closed
		d.mu.Unlock()

		for _, m := range batch {
			d.deliver(m)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *dispatcher) deliver(m message) {
	d.mu.Lock()
	ls := append([]plugin.Listener(nil), d.listeners[m.event]...)
	taps := make([]func(string, []any), 0, len(d.taps))
	for _, t := range d.taps {
		taps = append(taps, t)
	}
	d.mu.Unlock()

	for _, l := range ls {
		d.call(m.event, func() { l(m.args...) })
	}
	for _, t := range taps {
		d.call(m.event, func() { t(m.event, m.args) })
	}
}

func (d *dispatcher) call(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("ipc listener panicked", "event", event, "panic", r)
		}
	}()
	fn()
}
