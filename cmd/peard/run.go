package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/goatkit/peard/internal/api"
	"github.com/goatkit/peard/internal/ipc"
	"github.com/goatkit/peard/internal/plugin"
	"github.com/goatkit/peard/internal/plugin/loader"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load plugins and serve the UI bridge, admin API and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := loadSettings(v)
			logger, err := newLogger(cmd.ErrOrStderr(), s.LogLevel)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, s, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "127.0.0.1:7467", "HTTP address for /ipc, /events, /metrics and /api/v1")
	flags.Bool("strict-order", false, "start a plugin only after its dependencies have settled")
	flags.Bool("watch", true, "reload on changes to the config file and script plugins")
	_ = v.BindPFlags(flags)
	return cmd
}

// mainWindow is the window handed to host plugins. peard has no native
// window of its own; the UI connects over the bridge.
type mainWindow struct{}

func (mainWindow) ID() string    { return "main" }
func (mainWindow) Title() string { return "peard" }

// daemon is a running peard: both loaders and everything serving them.
type daemon struct {
	app    *app
	bus    *ipc.Bus
	bridge *ipc.Bridge
	logs   *plugin.LogBuffer
	events *plugin.EventBroker
	host   *plugin.HostManager
	ui     *plugin.UIManager
}

func newDaemon(a *app) (*daemon, error) {
	d := &daemon{
		app:    a,
		bus:    ipc.NewBus(a.logger),
		logs:   plugin.NewLogBuffer(1000),
		events: plugin.NewEventBroker(),
	}
	if err := plugin.ServeConfig(d.bus.Host(), a.store, a.provider); err != nil {
		d.bus.Close()
		return nil, err
	}

	opts := []plugin.Option{
		plugin.WithLogger(a.logger),
		plugin.WithDiagnostics(d.logs.Sink(), d.events.Sink()),
		plugin.WithMetrics(plugin.GlobalMetrics()),
	}
	if a.settings.StrictOrder {
		opts = append(opts, plugin.WithDependencyBarrier())
	}

	d.host = plugin.NewHostManager(a.provider,
		plugin.NewHostContextFactory(a.store, d.bus.Host(), mainWindow{}), opts...)
	d.ui = plugin.NewUIManager(a.provider,
		plugin.NewUIContextFactory(d.bus.UI()), opts...)
	d.bridge = ipc.NewBridge(d.bus, a.logger)
	return d, nil
}

func (d *daemon) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ipc", gin.WrapH(d.bridge))
	r.GET("/events", gin.WrapH(d.events))

	h := api.NewPluginHandler(d.app.provider, d.app.store, d.logs, d.events, d.host, d.ui)
	h.Register(r.Group("/api/v1"))
	return r
}

// start brings up the host context first so UI plugins find their host
// routes installed.
func (d *daemon) start(ctx context.Context) error {
	for _, m := range []loader.Target{d.host, d.ui} {
		res, err := m.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("load %s plugins: %w", m.Kind(), err)
		}
		d.app.logger.Info("plugins started", "context", string(m.Kind()),
			"order", res.Order, "failed", len(res.Errors))
	}
	return nil
}

// stop unloads the UI context before the host it talks to.
func (d *daemon) stop(ctx context.Context) error {
	err := errors.Join(d.ui.UnloadAll(ctx), d.host.UnloadAll(ctx))
	d.bridge.Close()
	d.bus.Close()
	return err
}

func (d *daemon) watch(ctx context.Context) (*loader.Loader, error) {
	var opts []loader.LoaderOption
	if fi, err := os.Stat(d.app.settings.PluginsDir); err == nil && fi.IsDir() {
		opts = append(opts, loader.WithScriptDir(d.app.settings.PluginsDir))
	}
	l := loader.NewLoader(d.app.store, []loader.Target{d.host, d.ui}, d.app.logger, opts...)
	if err := l.Watch(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func run(ctx context.Context, s settings, logger *slog.Logger) error {
	a, err := newApp(s, logger)
	if err != nil {
		return err
	}
	d, err := newDaemon(a)
	if err != nil {
		return err
	}

	if err := d.start(ctx); err != nil {
		return errors.Join(err, d.stop(context.Background()))
	}

	if s.Watch {
		l, err := d.watch(ctx)
		if err != nil {
			logger.Warn("hot reload disabled", "error", err)
		} else {
			defer l.StopWatch()
		}
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              s.Listen,
		Handler:           d.router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end with ctx so Shutdown does not wait on them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", s.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(runErr, srv.Shutdown(shutdownCtx), d.stop(shutdownCtx))
}
