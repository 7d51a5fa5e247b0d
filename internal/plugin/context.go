package plugin

import (
	"context"
	"fmt"

	"github.com/goatkit/peard/internal/config"
)

// IPC routes backing the UI side of GetConfig and SetConfig.
const (
	EventGetConfig = "peard:get-config"
	EventSetConfig = "peard:set-config"
)

// ConfigStore is the persistence layer the host context reads plugin
// overrides from. *config.Store satisfies it.
type ConfigStore interface {
	GetMap(key string) map[string]any
	SetPartial(key string, partial, defaults map[string]any) error
}

// ConfigKey returns the store key holding the override of plugin id.
func ConfigKey(id string) string { return "plugins." + id }

// Effective deep-merges override onto defaults. "enabled" is always a bool in
// the result: a non-bool override falls back to the default, then to false.
func Effective(defaults, override map[string]any) Config {
	merged := Config(config.Merge(defaults, override))
	if _, ok := merged["enabled"].(bool); !ok {
		d, _ := defaults["enabled"].(bool)
		merged["enabled"] = d
	}
	return merged
}

// ContextFactory builds the capability object injected into hooks.
type ContextFactory[C any] interface {
	// Context builds the context for one plugin. It never fails.
	Context(def Definition) C
	// Config returns the effective config the orchestrator decides on.
	Config(ctx context.Context, def Definition) (Config, error)
}

// HostContextFactory builds host contexts backed by the config store.
type HostContextFactory struct {
	store  ConfigStore
	ipc    HostIPC
	window Window
}

// NewHostContextFactory returns a factory for the host context.
func NewHostContextFactory(store ConfigStore, ipc HostIPC, window Window) *HostContextFactory {
	return &HostContextFactory{store: store, ipc: ipc, window: window}
}

func (f *HostContextFactory) Context(def Definition) HostContext {
	return &hostContext{
		id:       def.ID,
		defaults: def.Config,
		store:    f.store,
		ipc:      f.ipc,
		window:   f.window,
	}
}

func (f *HostContextFactory) Config(ctx context.Context, def Definition) (Config, error) {
	return f.Context(def).GetConfig(ctx)
}

type hostContext struct {
	id       string
	defaults Config
	store    ConfigStore
	ipc      HostIPC
	window   Window
}

func (c *hostContext) ID() string { return c.id }

func (c *hostContext) GetConfig(context.Context) (Config, error) {
	return Effective(c.defaults, c.store.GetMap(ConfigKey(c.id))), nil
}

func (c *hostContext) SetConfig(_ context.Context, partial Config) error {
	if err := c.store.SetPartial(ConfigKey(c.id), partial, c.defaults); err != nil {
		return fmt.Errorf("plugin %q: set config: %w", c.id, err)
	}
	return nil
}

func (c *hostContext) IPC() HostIPC   { return c.ipc }
func (c *hostContext) Window() Window { return c.window }

// UIContextFactory builds UI contexts. Config access goes through the host
// over IPC; see ServeConfig.
type UIContextFactory struct {
	ipc UIIPC
}

// NewUIContextFactory returns a factory for the UI context.
func NewUIContextFactory(ipc UIIPC) *UIContextFactory {
	return &UIContextFactory{ipc: ipc}
}

func (f *UIContextFactory) Context(def Definition) UIContext {
	return &uiContext{id: def.ID, ipc: f.ipc}
}

func (f *UIContextFactory) Config(ctx context.Context, def Definition) (Config, error) {
	return f.Context(def).GetConfig(ctx)
}

type uiContext struct {
	id  string
	ipc UIIPC
}

func (c *uiContext) ID() string { return c.id }

func (c *uiContext) GetConfig(ctx context.Context) (Config, error) {
	v, err := c.ipc.Invoke(ctx, EventGetConfig, c.id)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: get config: %w", c.id, err)
	}
	cfg, ok := asConfig(v)
	if !ok {
		return nil, fmt.Errorf("plugin %q: get config: unexpected %T", c.id, v)
	}
	return cfg, nil
}

func (c *uiContext) SetConfig(ctx context.Context, partial Config) error {
	if _, err := c.ipc.Invoke(ctx, EventSetConfig, c.id, map[string]any(partial)); err != nil {
		return fmt.Errorf("plugin %q: set config: %w", c.id, err)
	}
	return nil
}

func (c *uiContext) IPC() UIIPC { return c.ipc }

func asConfig(v any) (Config, bool) {
	switch m := v.(type) {
	case Config:
		return m, true
	case map[string]any:
		return Config(m), true
	}
	return nil, false
}

// ServeConfig installs the host handlers UI contexts use for GetConfig and
// SetConfig. It fails if either route is already taken.
func ServeConfig(host HostIPC, store ConfigStore, provider Provider) error {
	lookup := func(ctx context.Context, args []any) (Definition, error) {
		if len(args) == 0 {
			return Definition{}, fmt.Errorf("missing plugin id")
		}
		id, ok := args[0].(string)
		if !ok {
			return Definition{}, fmt.Errorf("plugin id must be a string, got %T", args[0])
		}
		cat, err := provider(ctx)
		if err != nil {
			return Definition{}, fmt.Errorf("list plugins: %w", err)
		}
		def, ok := cat.Get(id)
		if !ok {
			return Definition{}, fmt.Errorf("unknown plugin %q", id)
		}
		return def, nil
	}

	if err := host.Handle(EventGetConfig, func(ctx context.Context, args ...any) (any, error) {
		def, err := lookup(ctx, args)
		if err != nil {
			return nil, err
		}
		return Effective(def.Config, store.GetMap(ConfigKey(def.ID))), nil
	}); err != nil {
		return err
	}

	return host.Handle(EventSetConfig, func(ctx context.Context, args ...any) (any, error) {
		def, err := lookup(ctx, args)
		if err != nil {
			return nil, err
		}
		var partial map[string]any
		if len(args) > 1 {
			cfg, ok := asConfig(args[1])
			if !ok {
				return nil, fmt.Errorf("config for %q must be an object, got %T", def.ID, args[1])
			}
			partial = cfg
		}
		return nil, store.SetPartial(ConfigKey(def.ID), partial, def.Config)
	})
}
