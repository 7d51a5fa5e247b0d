package script_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/peard/internal/config"
	"github.com/goatkit/peard/internal/ipc"
	"github.com/goatkit/peard/internal/plugin"
	"github.com/goatkit/peard/internal/plugin/signing"
	"github.com/goatkit/peard/internal/script"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type window struct{}

func (window) ID() string    { return "main" }
func (window) Title() string { return "peard" }

// writePlugin creates root/id with a manifest and the given files.
func writePlugin(t *testing.T, root, id, manifest string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, script.ManifestFile), []byte(manifest), 0o644))
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
}

type env struct {
	root  string
	src   *script.Source
	store *config.Store
	bus   *ipc.Bus
	host  *plugin.HostManager
	ui    *plugin.UIManager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		root:  t.TempDir(),
		store: config.NewMemoryStore(nil),
		bus:   ipc.NewBus(quiet),
	}
	t.Cleanup(e.bus.Close)

	e.src = script.NewSource(e.root, quiet)
	provider := e.src.Provider()
	require.NoError(t, plugin.ServeConfig(e.bus.Host(), e.store, provider))

	e.host = plugin.NewHostManager(provider,
		plugin.NewHostContextFactory(e.store, e.bus.Host(), window{}), plugin.WithLogger(quiet))
	e.ui = plugin.NewUIManager(provider,
		plugin.NewUIContextFactory(e.bus.UI()), plugin.WithLogger(quiet))
	return e
}

// recorder collects UI-bound messages for one event.
type recorder struct {
	mu   sync.Mutex
	args [][]any
}

func record(bus *ipc.Bus, event string) *recorder {
	r := &recorder{}
	bus.UI().On(event, func(args ...any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.args = append(r.args, args)
	})
	return r
}

func (r *recorder) get() [][]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]any(nil), r.args...)
}

const notesManifest = `
id: notes
name: Notes
version: 1.0.0
config:
  enabled: true
  factor: 21
host: host.js
ui: ui.js
`

const notesHost = `
module.exports = {
  start(ctx) {
    console.log("starting", ctx.id, "in", ctx.window.title);
    const factor = ctx.getConfig().factor;
    ctx.ipc.handle("notes:count", (n) => n * factor);
    ctx.ipc.on("notes:ui-ready", (n) => ctx.setConfig({ last: n }));
  },
  stop(ctx) {
    ctx.ipc.removeHandler("notes:count");
  },
  onConfigChange(ctx, cfg) {
    ctx.ipc.send("notes:factor", cfg.factor);
  },
};
`

const notesUI = `
module.exports = {
  start(ctx) {
    const n = ctx.ipc.invoke("notes:count", 2);
    ctx.ipc.send("notes:ui-ready", n);
  },
  onPlayerApiReady(ctx) {},
};
`

func TestScriptPlugin(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	writePlugin(t, e.root, "notes", notesManifest, map[string]string{"host.js": notesHost, "ui.js": notesUI})

	t.Run("catalog", func(t *testing.T) {
		cat, err := e.src.Catalog(ctx)
		require.NoError(t, err)
		def, ok := cat.Get("notes")
		require.True(t, ok)
		assert.Equal(t, "Notes", def.DisplayName())
		assert.True(t, def.Supports(plugin.KindHost))
		assert.True(t, def.Supports(plugin.KindUI))

		ext, ok := def.UI.Bundle().Extension("onPlayerApiReady")
		assert.True(t, ok)
		assert.NotNil(t, ext)
	})

	t.Run("host and ui", func(t *testing.T) {
		res, err := e.host.LoadAll(ctx)
		require.NoError(t, err)
		require.NoError(t, res.Err())
		require.True(t, e.host.IsLoaded("notes"))

		res, err = e.ui.LoadAll(ctx)
		require.NoError(t, err)
		require.NoError(t, res.Err())
		require.True(t, e.ui.IsLoaded("notes"))

		// The UI start hook asked the host for 2*21 and reported it back.
		require.Eventually(t, func() bool {
			v, ok := e.store.GetMap("plugins.notes")["last"]
			return ok && assert.ObjectsAreEqualValues(42, v)
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("config change", func(t *testing.T) {
		rec := record(e.bus, "notes:factor")
		require.NoError(t, e.store.SetPartial("plugins.notes", map[string]any{"factor": 3}, nil))
		require.NoError(t, e.host.NotifyConfigChange(ctx, "notes"))

		require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
		assert.EqualValues(t, 3, rec.get()[0][0])
	})

	t.Run("unload", func(t *testing.T) {
		require.NoError(t, e.ui.UnloadAll(ctx))
		require.NoError(t, e.host.UnloadAll(ctx))

		_, err := e.bus.UI().Invoke(ctx, "notes:count", 1)
		assert.ErrorIs(t, err, ipc.ErrNoHandler)
	})
}

func TestScriptHookResults(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	manifest := func(id string) string {
		return "id: " + id + "\nconfig:\n  enabled: true\nhost: host.js\n"
	}
	writePlugin(t, e.root, "declines", manifest("declines"),
		map[string]string{"host.js": `module.exports = function (ctx) { return false; };`})
	writePlugin(t, e.root, "declines-async", manifest("declines-async"),
		map[string]string{"host.js": `module.exports = { start: async (ctx) => false };`})
	writePlugin(t, e.root, "throws", manifest("throws"),
		map[string]string{"host.js": `module.exports = function () { throw new Error("no lyrics"); };`})
	writePlugin(t, e.root, "rejects", manifest("rejects"),
		map[string]string{"host.js": `module.exports = async () => { throw new Error("later"); };`})
	writePlugin(t, e.root, "plain", manifest("plain"),
		map[string]string{"host.js": `module.exports = (ctx) => { ctx.setConfig({ seen: true }); };`})
	writePlugin(t, e.root, "empty", manifest("empty"),
		map[string]string{"host.js": `module.exports = undefined;`})
	writePlugin(t, e.root, "bare-send", manifest("bare-send"),
		map[string]string{"host.js": `module.exports = (ctx) => {
  try { ctx.ipc.send(); } catch (e) { ctx.setConfig({ caught: String(e) }); }
};`})
	writePlugin(t, e.root, "bare-send-uncaught", manifest("bare-send-uncaught"),
		map[string]string{"host.js": `module.exports = (ctx) => { ctx.ipc.send(); };`})

	res, err := e.host.LoadAll(ctx)
	require.NoError(t, err)

	t.Run("false declines", func(t *testing.T) {
		assert.ErrorIs(t, res.Errors["declines"], plugin.ErrDeclined)
		assert.ErrorIs(t, res.Errors["declines-async"], plugin.ErrDeclined)
		assert.False(t, e.host.IsLoaded("declines"))
	})

	t.Run("throw fails hard", func(t *testing.T) {
		for _, id := range []string{"throws", "rejects"} {
			var perr *plugin.Error
			require.ErrorAs(t, res.Errors[id], &perr, id)
			assert.Equal(t, id, perr.Plugin)
			assert.NotErrorIs(t, res.Errors[id], plugin.ErrDeclined)
			assert.False(t, e.host.IsLoaded(id))
		}
	})

	t.Run("no return value succeeds", func(t *testing.T) {
		assert.NoError(t, res.Errors["plain"])
		assert.True(t, e.host.IsLoaded("plain"))
		assert.Equal(t, true, e.store.GetMap("plugins.plain")["seen"])
	})

	t.Run("send without an event throws", func(t *testing.T) {
		assert.NoError(t, res.Errors["bare-send"])
		assert.True(t, e.host.IsLoaded("bare-send"))
		caught, _ := e.store.GetMap("plugins.bare-send")["caught"].(string)
		assert.Contains(t, caught, "event name required")

		err := res.Errors["bare-send-uncaught"]
		require.Error(t, err)
		assert.Contains(t, err.Error(), "event name required")
		assert.NotContains(t, err.Error(), "panic")
	})

	t.Run("undefined exports have no lifecycle", func(t *testing.T) {
		assert.NoError(t, res.Errors["empty"])
		assert.False(t, e.host.IsLoaded("empty"))
	})
}

func TestScriptInterrupt(t *testing.T) {
	e := newEnv(t)
	writePlugin(t, e.root, "spin", "config:\n  enabled: true\nhost: host.js\n",
		map[string]string{"host.js": `module.exports = function () { for (;;) {} };`})

	cat, err := e.src.Catalog(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, cat.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.host.Load(ctx, "spin") }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("script was not interrupted")
	}
	assert.False(t, e.host.IsLoaded("spin"))
}

func TestSourceDiscovery(t *testing.T) {
	ctx := context.Background()

	t.Run("missing dir", func(t *testing.T) {
		src := script.NewSource(filepath.Join(t.TempDir(), "nope"), quiet)
		cat, err := src.Catalog(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, cat.Len())
	})

	t.Run("broken plugins are skipped", func(t *testing.T) {
		root := t.TempDir()
		writePlugin(t, root, "good", "host: host.js\n", map[string]string{"host.js": `module.exports = {};`})
		writePlugin(t, root, "syntax", "host: host.js\n", map[string]string{"host.js": `module.exports = {`})
		writePlugin(t, root, "no-script", "name: Nothing\n", nil)
		writePlugin(t, root, "renamed", "id: other\nhost: host.js\n", map[string]string{"host.js": `1`})
		writePlugin(t, root, "missing-file", "host: nope.js\n", nil)
		writePlugin(t, root, "bad-yaml", "host: [\n", nil)
		require.NoError(t, os.MkdirAll(filepath.Join(root, ".hidden"), 0o755))

		cat, err := script.NewSource(root, quiet).Catalog(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"good"}, cat.IDs())
	})

	t.Run("dependencies and defaults", func(t *testing.T) {
		root := t.TempDir()
		writePlugin(t, root, "scrobbler", "dependencies: [lastfm]\nconfig:\n  enabled: false\n  user: ada\nhost: h.js\n",
			map[string]string{"h.js": `module.exports = () => {};`})

		cat, err := script.NewSource(root, quiet).Catalog(ctx)
		require.NoError(t, err)
		def, ok := cat.Get("scrobbler")
		require.True(t, ok)
		assert.Equal(t, []string{"lastfm"}, def.Dependencies)
		assert.Equal(t, "ada", def.Config["user"])
		assert.False(t, def.Config.Enabled())
		assert.Equal(t, "scrobbler", def.DisplayName())
	})
}

func TestSourceReload(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	manifest := "config:\n  enabled: true\nhost: host.js\n"
	body := func(version string) string {
		return `module.exports = (ctx) => { ctx.ipc.send("counter:version", "` + version + `"); };`
	}
	writePlugin(t, e.root, "counter", manifest, map[string]string{"host.js": body("v1")})
	rec := record(e.bus, "counter:version")

	require.NoError(t, e.host.Load(ctx, "counter"))
	require.NoError(t, e.host.Unload(ctx, "counter"))

	writePlugin(t, e.root, "counter", manifest, map[string]string{"host.js": body("version-2")})
	require.NoError(t, e.host.Load(ctx, "counter"))

	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "v1", rec.get()[0][0])
	assert.Equal(t, "version-2", rec.get()[1][0])

	t.Run("removed plugin drops out", func(t *testing.T) {
		require.NoError(t, os.RemoveAll(filepath.Join(e.root, "counter")))
		cat, err := e.src.Catalog(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, cat.Len())
	})
}

func TestTrustedKeys(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	manifest := "config:\n  enabled: true\nhost: host.js\n"
	writePlugin(t, root, "signed", manifest, map[string]string{"host.js": `module.exports = () => {};`})
	writePlugin(t, root, "unsigned", manifest, map[string]string{"host.js": `module.exports = () => {};`})
	writePlugin(t, root, "tampered", manifest, map[string]string{"host.js": `module.exports = () => {};`})

	pub, priv, err := signing.GenerateKeyPair()
	require.NoError(t, err)

	for _, id := range []string{"signed", "tampered"} {
		dir := filepath.Join(root, id)
		m, err := script.ReadManifest(dir)
		require.NoError(t, err)
		require.NoError(t, signing.Sign(dir, script.Files(m), priv))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "tampered", "host.js"), []byte(`module.exports = () => false;`), 0o644))

	t.Run("enforced", func(t *testing.T) {
		cat, err := script.NewSource(root, quiet, script.WithTrustedKeys(pub)).Catalog(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"signed"}, cat.IDs())
	})

	t.Run("wrong key", func(t *testing.T) {
		other, _, err := signing.GenerateKeyPair()
		require.NoError(t, err)
		cat, err := script.NewSource(root, quiet, script.WithTrustedKeys(other)).Catalog(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, cat.Len())
	})

	t.Run("not enforced without keys", func(t *testing.T) {
		cat, err := script.NewSource(root, quiet).Catalog(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, cat.Len())
	})
}
