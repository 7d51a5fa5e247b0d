// Package example provides built-in Go plugins. They double as a reference
// for plugin authors and as fixtures for tests.
package example

import (
	"context"
	"fmt"
	"sync"

	"github.com/goatkit/peard/internal/plugin"
	pkgplugin "github.com/goatkit/peard/pkg/plugin"
)

// IPC events used by the hello plugin.
const (
	EventGreet  = "hello:greet"
	EventConfig = "hello:config"
)

// HelloPlugin answers greetings from the UI context and pushes its config
// to the UI when it changes.
type HelloPlugin struct {
	mu        sync.Mutex
	callCount int
	greeting  string
	// greetings received by the UI side, newest last
	received []string
}

// NewHelloPlugin creates a new hello plugin instance.
func NewHelloPlugin() *HelloPlugin {
	return &HelloPlugin{}
}

// Definition describes the plugin for both contexts.
func (p *HelloPlugin) Definition() plugin.Definition {
	return plugin.Definition{
		ID:     "hello",
		Name:   "Hello",
		Config: plugin.Config{"enabled": true, "greeting": "Hello"},
		Host: pkgplugin.BundleOf(plugin.HostBundle{
			Start:          p.startHost,
			Stop:           p.stopHost,
			OnConfigChange: p.hostConfigChanged,
		}),
		UI: pkgplugin.BundleOf(plugin.UIBundle{
			Start: p.startUI,
			Stop: func(ctx context.Context, pc plugin.UIContext) error {
				pc.IPC().RemoveAllListeners(EventConfig)
				return nil
			},
			Extensions: map[string]any{
				"onPlayerApiReady": func(pc plugin.UIContext) {},
			},
		}),
	}
}

func (p *HelloPlugin) startHost(ctx context.Context, pc plugin.HostContext) error {
	cfg, err := pc.GetConfig(ctx)
	if err != nil {
		return err
	}
	p.setGreeting(cfg)

	return pc.IPC().Handle(EventGreet, func(ctx context.Context, args ...any) (any, error) {
		name := "World"
		if len(args) > 0 {
			if s, ok := args[0].(string); ok && s != "" {
				name = s
			}
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		p.callCount++
		return fmt.Sprintf("%s, %s!", p.greeting, name), nil
	})
}

func (p *HelloPlugin) stopHost(ctx context.Context, pc plugin.HostContext) error {
	pc.IPC().RemoveHandler(EventGreet)
	return nil
}

func (p *HelloPlugin) hostConfigChanged(ctx context.Context, pc plugin.HostContext, cfg plugin.Config) error {
	p.setGreeting(cfg)
	return pc.IPC().Send(EventConfig, cfg["greeting"])
}

func (p *HelloPlugin) setGreeting(cfg plugin.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.greeting = "Hello"
	if g, ok := cfg["greeting"].(string); ok && g != "" {
		p.greeting = g
	}
}

func (p *HelloPlugin) startUI(ctx context.Context, pc plugin.UIContext) error {
	pc.IPC().On(EventConfig, func(args ...any) {
		if len(args) == 0 {
			return
		}
		if g, ok := args[0].(string); ok {
			p.mu.Lock()
			p.received = append(p.received, g)
			p.mu.Unlock()
		}
	})

	// The host side must be up; without it the UI part has nothing to do.
	if _, err := pc.IPC().Invoke(ctx, EventGreet, "UI"); err != nil {
		pc.IPC().RemoveAllListeners(EventConfig)
		return fmt.Errorf("%w: host side unavailable: %v", pkgplugin.ErrDeclined, err)
	}
	return nil
}

// Calls returns how many greetings the host side answered.
func (p *HelloPlugin) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

// Received returns the greetings pushed to the UI side.
func (p *HelloPlugin) Received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.received...)
}

// Definitions returns every built-in plugin. The stats plugin depends on hello.
func Definitions(hello *HelloPlugin) []plugin.Definition {
	return []plugin.Definition{
		{
			ID:           "hello-stats",
			NameFunc:     func() string { return fmt.Sprintf("Hello stats (%d calls)", hello.Calls()) },
			Config:       plugin.Config{"enabled": false},
			Dependencies: []string{"hello"},
			Host: pkgplugin.Callable[plugin.HostContext](func(ctx context.Context, pc plugin.HostContext) error {
				return pc.IPC().Send("hello-stats:calls", hello.Calls(), pc.Window().Title())
			}),
		},
		hello.Definition(),
	}
}

// Provider returns a provider over the built-in plugins.
func Provider(hello *HelloPlugin) plugin.Provider {
	return plugin.Static(plugin.MustCatalog(Definitions(hello)...))
}
