// Package plugin defines the types plugin authors use to describe a peard plugin.
//
// A plugin is a Definition: identity, default configuration, dependencies and
// a lifecycle for each execution context it takes part in:
//   - the host context (privileged, owns persistence and the native window)
//   - the UI context (sandboxed, reaches the host only through IPC)
//
// The loader treats definitions as immutable values and never writes to them.
package plugin

import (
	"context"
	"maps"
)

// Kind identifies one of the two execution contexts.
type Kind string

const (
	KindHost Kind = "host"
	KindUI   Kind = "ui"
)

// Config is a plugin configuration document. Every plugin config carries at
// least an "enabled" flag.
type Config map[string]any

// Enabled reports the "enabled" flag. Anything other than a bool true is false.
func (c Config) Enabled() bool {
	v, ok := c["enabled"].(bool)
	return ok && v
}

// Clone returns a shallow copy of the config.
func (c Config) Clone() Config {
	if c == nil {
		return Config{}
	}
	return maps.Clone(c)
}

// Definition describes a plugin. Its identity is ID.
type Definition struct {
	ID string
	// Name is the literal display name. NameFunc, when set, computes it
	// instead (e.g. from a translation table).
	Name     string
	NameFunc func() string

	// Config holds the defaults the persisted override is merged onto.
	Config Config

	// Dependencies lists plugin IDs that should be started first.
	Dependencies []string

	Host Lifecycle[HostContext]
	UI   Lifecycle[UIContext]
}

// DisplayName returns the computed name, the literal name or the ID, in that order.
func (d Definition) DisplayName() string {
	if d.NameFunc != nil {
		if n := d.NameFunc(); n != "" {
			return n
		}
	}
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Supports reports whether the definition carries a lifecycle for kind.
func (d Definition) Supports(kind Kind) bool {
	switch kind {
	case KindHost:
		return d.Host.Kind() != LifecycleNone
	case KindUI:
		return d.UI.Kind() != LifecycleNone
	}
	return false
}

// Context is the capability object handed to every lifecycle hook.
type Context interface {
	// ID returns the plugin the context was built for.
	ID() string

	// GetConfig returns the live effective config. It is re-read on every
	// call, so changes made elsewhere are observed.
	GetConfig(ctx context.Context) (Config, error)

	// SetConfig persists partial merged over the defaults and the current override.
	SetConfig(ctx context.Context, partial Config) error
}

// HostContext is passed to host-side hooks.
type HostContext interface {
	Context
	IPC() HostIPC
	Window() Window
}

// UIContext is passed to UI-side hooks.
type UIContext interface {
	Context
	IPC() UIIPC
}

// Listener receives fire-and-forget messages.
type Listener func(args ...any)

// HandlerFunc answers a request/response call initiated by the UI context.
type HandlerFunc func(ctx context.Context, args ...any) (any, error)

// HostIPC is the host side of the cross-context transport.
type HostIPC interface {
	// Send delivers a message to UI listeners of event.
	Send(event string, args ...any) error
	// Handle installs the request/response route for event. Registering an
	// event that already has a handler fails; call RemoveHandler first.
	Handle(event string, h HandlerFunc) error
	RemoveHandler(event string)
	// On subscribes to messages the UI sends for event.
	On(event string, l Listener)
}

// UIIPC is the UI side of the cross-context transport.
type UIIPC interface {
	Send(event string, args ...any) error
	Invoke(ctx context.Context, event string, args ...any) (any, error)
	On(event string, l Listener)
	RemoveAllListeners(event string)
}

// Window is the native surface the host context manipulates.
type Window interface {
	ID() string
	Title() string
}
