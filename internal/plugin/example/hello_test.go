package example_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatkit/peard/internal/config"
	"github.com/goatkit/peard/internal/ipc"
	"github.com/goatkit/peard/internal/plugin"
	"github.com/goatkit/peard/internal/plugin/example"
)

type window struct{}

func (window) ID() string    { return "main" }
func (window) Title() string { return "peard" }

type setup struct {
	hello *example.HelloPlugin
	store *config.Store
	bus   *ipc.Bus
	host  *plugin.HostManager
	ui    *plugin.UIManager
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := &setup{
		hello: example.NewHelloPlugin(),
		store: config.NewMemoryStore(nil),
		bus:   ipc.NewBus(quiet),
	}
	t.Cleanup(s.bus.Close)

	provider := example.Provider(s.hello)
	require.NoError(t, plugin.ServeConfig(s.bus.Host(), s.store, provider))

	s.host = plugin.NewHostManager(provider,
		plugin.NewHostContextFactory(s.store, s.bus.Host(), window{}), plugin.WithLogger(quiet))
	s.ui = plugin.NewUIManager(provider,
		plugin.NewUIContextFactory(s.bus.UI()), plugin.WithLogger(quiet))
	return s
}

func TestHelloPlugin(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t)

	t.Run("host then ui", func(t *testing.T) {
		res, err := s.host.LoadAll(ctx)
		require.NoError(t, err)
		require.NoError(t, res.Err())
		assert.True(t, s.host.IsLoaded("hello"))
		assert.False(t, s.host.IsLoaded("hello-stats"), "disabled by default")

		res, err = s.ui.LoadAll(ctx)
		require.NoError(t, err)
		require.NoError(t, res.Err())
		assert.True(t, s.ui.IsLoaded("hello"))
		assert.Equal(t, 1, s.hello.Calls())

		greeting, err := s.bus.UI().Invoke(ctx, example.EventGreet, "Ada")
		require.NoError(t, err)
		assert.Equal(t, "Hello, Ada!", greeting)
	})

	t.Run("config change reaches the ui", func(t *testing.T) {
		require.NoError(t, s.store.SetPartial("plugins.hello", map[string]any{"greeting": "Hi"}, nil))
		require.NoError(t, s.host.NotifyConfigChange(ctx, "hello"))

		require.Eventually(t, func() bool {
			got := s.hello.Received()
			return len(got) == 1 && got[0] == "Hi"
		}, time.Second, 5*time.Millisecond)

		greeting, err := s.bus.UI().Invoke(ctx, example.EventGreet)
		require.NoError(t, err)
		assert.Equal(t, "Hi, World!", greeting)
	})

	t.Run("dependent plugin", func(t *testing.T) {
		require.NoError(t, s.store.Set("plugins.hello-stats.enabled", true))
		res, err := s.host.LoadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"hello", "hello-stats"}, res.Order)
		assert.True(t, s.host.IsLoaded("hello-stats"))

		loaded, ok := s.host.Loaded("hello-stats")
		require.True(t, ok)
		assert.Contains(t, loaded.Definition.DisplayName(), "calls")
	})

	t.Run("shutdown", func(t *testing.T) {
		require.NoError(t, s.ui.UnloadAll(ctx))
		require.NoError(t, s.host.UnloadAll(ctx))
		assert.Empty(t, s.host.Snapshot())

		_, err := s.bus.UI().Invoke(ctx, example.EventGreet)
		assert.ErrorIs(t, err, ipc.ErrNoHandler)
	})
}

func TestHelloUIWithoutHost(t *testing.T) {
	s := newSetup(t)

	res, err := s.ui.LoadAll(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, res.Errors["hello"], plugin.ErrDeclined)
	assert.False(t, s.ui.IsLoaded("hello"))
}

func TestHelloExtensions(t *testing.T) {
	def := example.NewHelloPlugin().Definition()
	ext, ok := def.UI.Bundle().Extension("onPlayerApiReady")
	assert.True(t, ok)
	assert.NotNil(t, ext)
	assert.True(t, def.Supports(plugin.KindHost))
	assert.True(t, def.Supports(plugin.KindUI))
}
