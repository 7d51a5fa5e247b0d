package plugin

import (
	"context"
	"errors"
)

// ErrDeclined is returned by a hook that ran cleanly but refuses to start or
// stop. It is a soft failure: the loader reports it without treating it as a crash.
var ErrDeclined = errors.New("plugin declined")

// LifecycleKind tags the shape of a Lifecycle.
type LifecycleKind int

const (
	LifecycleNone LifecycleKind = iota
	LifecycleCallable
	LifecycleBundle
)

func (k LifecycleKind) String() string {
	switch k {
	case LifecycleCallable:
		return "callable"
	case LifecycleBundle:
		return "bundle"
	default:
		return "none"
	}
}

// HookFunc is a start or stop hook.
type HookFunc[C any] func(ctx context.Context, pc C) error

// ConfigChangeFunc receives the new effective config of a loaded plugin.
type ConfigChangeFunc[C any] func(ctx context.Context, pc C, cfg Config) error

// Bundle groups the named hooks of a plugin for one context.
type Bundle[C any] struct {
	Start          HookFunc[C]
	Stop           HookFunc[C]
	OnConfigChange ConfigChangeFunc[C]

	// Extensions carries context specific hooks (for example
	// "onPlayerApiReady" in the UI context). The loader stores them with the
	// loaded record but never calls them.
	Extensions map[string]any
}

// Extension looks up a pass-through hook by name.
func (b *Bundle[C]) Extension(name string) (any, bool) {
	if b == nil || b.Extensions == nil {
		return nil, false
	}
	v, ok := b.Extensions[name]
	return v, ok
}

// Lifecycle is a plugin's entry point for one context: nothing, a single
// start function, or a bundle of hooks. The zero value is LifecycleNone.
type Lifecycle[C any] struct {
	kind   LifecycleKind
	fn     HookFunc[C]
	bundle *Bundle[C]
}

// Callable wraps a single start function. A nil fn yields LifecycleNone.
func Callable[C any](fn HookFunc[C]) Lifecycle[C] {
	if fn == nil {
		return Lifecycle[C]{}
	}
	return Lifecycle[C]{kind: LifecycleCallable, fn: fn}
}

// BundleOf wraps a hook bundle.
func BundleOf[C any](b Bundle[C]) Lifecycle[C] {
	return Lifecycle[C]{kind: LifecycleBundle, bundle: &b}
}

func (l Lifecycle[C]) Kind() LifecycleKind { return l.kind }

// Func returns the start function of a callable lifecycle.
func (l Lifecycle[C]) Func() HookFunc[C] { return l.fn }

// Bundle returns the hooks of a bundle lifecycle, nil otherwise.
func (l Lifecycle[C]) Bundle() *Bundle[C] { return l.bundle }
