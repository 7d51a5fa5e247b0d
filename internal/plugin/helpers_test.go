package plugin_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/goatkit/peard/internal/config"
	"github.com/goatkit/peard/internal/ipc"
	"github.com/goatkit/peard/internal/plugin"
	pkgplugin "github.com/goatkit/peard/pkg/plugin"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type window struct{}

func (window) ID() string    { return "main" }
func (window) Title() string { return "peard" }

// diagLog records diagnostics for assertions.
type diagLog struct {
	mu    sync.Mutex
	diags []plugin.Diagnostic
}

func (l *diagLog) sink(d plugin.Diagnostic) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.diags = append(l.diags, d)
}

func (l *diagLog) ofKind(kind plugin.DiagKind) []plugin.Diagnostic {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []plugin.Diagnostic
	for _, d := range l.diags {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func (l *diagLog) plugins(kind plugin.DiagKind) []string {
	var ids []string
	for _, d := range l.ofKind(kind) {
		ids = append(ids, d.Plugin)
	}
	return ids
}

// calls counts hook invocations per plugin.
type calls struct {
	mu sync.Mutex
	n  map[string]int
	// seq is every call in arrival order, as "op:id".
	seq []string
}

func newCalls() *calls { return &calls{n: map[string]int{}} }

func (c *calls) hit(op, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[op+":"+id]++
	c.seq = append(c.seq, op+":"+id)
}

func (c *calls) count(op, id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[op+":"+id]
}

func (c *calls) order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seq...)
}

func hostFunc(fn func(ctx context.Context, pc plugin.HostContext) error) plugin.HostLifecycle {
	return pkgplugin.Callable[plugin.HostContext](fn)
}

func uiFunc(fn func(ctx context.Context, pc plugin.UIContext) error) plugin.UILifecycle {
	return pkgplugin.Callable[plugin.UIContext](fn)
}

func hostBundle(b plugin.HostBundle) plugin.HostLifecycle {
	return pkgplugin.BundleOf(b)
}

// tracked is a host bundle recording start and stop into c.
func tracked(c *calls, id string) plugin.HostLifecycle {
	return hostBundle(plugin.HostBundle{
		Start: func(ctx context.Context, pc plugin.HostContext) error {
			c.hit("start", id)
			return nil
		},
		Stop: func(ctx context.Context, pc plugin.HostContext) error {
			c.hit("stop", id)
			return nil
		},
	})
}

func enabled(on bool) plugin.Config { return plugin.Config{"enabled": on} }

type harness struct {
	store   *config.Store
	bus     *ipc.Bus
	factory *plugin.HostContextFactory
	host    *plugin.HostManager
	diags   *diagLog
}

func newHarness(t *testing.T, defs []plugin.Definition, opts ...plugin.Option) *harness {
	t.Helper()

	h := &harness{
		store: config.NewMemoryStore(nil),
		bus:   ipc.NewBus(quiet),
		diags: &diagLog{},
	}
	t.Cleanup(h.bus.Close)

	h.factory = plugin.NewHostContextFactory(h.store, h.bus.Host(), window{})
	opts = append([]plugin.Option{plugin.WithLogger(quiet), plugin.WithDiagnostics(h.diags.sink)}, opts...)
	h.host = plugin.NewHostManager(plugin.Static(plugin.MustCatalog(defs...)), h.factory, opts...)
	return h
}
