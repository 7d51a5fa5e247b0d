package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	pkgplugin "github.com/goatkit/peard/pkg/plugin"
)

type options struct {
	logger  *slog.Logger
	sinks   []Sink
	metrics *Metrics
	barrier bool
}

// Option configures a Manager.
type Option func(*options)

func defaultOptions() options {
	return options{logger: slog.Default()}
}

// WithLogger sets the logger diagnostics are written to.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDiagnostics adds sinks that receive every diagnostic next to the logger.
func WithDiagnostics(sinks ...Sink) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, sinks...)
	}
}

// WithMetrics records lifecycle metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithDependencyBarrier makes LoadAll start a plugin only after every
// dependency it was ordered behind has settled. Without it operations run
// concurrently and dependencies are only initiated first.
func WithDependencyBarrier() Option {
	return func(o *options) {
		o.barrier = true
	}
}

// Manager is the loader of one execution context. It owns the registry of
// loaded plugins for that context.
type Manager[C any] struct {
	kind      Kind
	provider  Provider
	factory   ContextFactory[C]
	lifecycle func(Definition) pkgplugin.Lifecycle[C]

	registry *Registry[C]
	ctrl     *Controller[C]
	locks    *keyedLock

	sink    Sink
	metrics *Metrics
	barrier bool
}

type (
	HostManager = Manager[HostContext]
	UIManager   = Manager[UIContext]
)

// NewHostManager returns the loader of the host context.
func NewHostManager(provider Provider, factory ContextFactory[HostContext], opts ...Option) *HostManager {
	return newManager(KindHost, provider, factory, func(d Definition) HostLifecycle { return d.Host }, opts)
}

// NewUIManager returns the loader of the UI context.
func NewUIManager(provider Provider, factory ContextFactory[UIContext], opts ...Option) *UIManager {
	return newManager(KindUI, provider, factory, func(d Definition) UILifecycle { return d.UI }, opts)
}

func newManager[C any](
	kind Kind,
	provider Provider,
	factory ContextFactory[C],
	lifecycle func(Definition) pkgplugin.Lifecycle[C],
	opts []Option,
) *Manager[C] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	sink := Sinks(append([]Sink{SlogSink(o.logger)}, o.sinks...)...)
	registry := NewRegistry[C]()
	return &Manager[C]{
		kind:      kind,
		provider:  provider,
		factory:   factory,
		lifecycle: lifecycle,
		registry:  registry,
		ctrl:      NewController(kind, registry),
		locks:     newKeyedLock(),
		sink: func(d Diagnostic) {
			d.Context = kind
			sink(d)
		},
		metrics: o.metrics,
		barrier: o.barrier,
	}
}

// Kind returns the context the manager loads plugins into.
func (m *Manager[C]) Kind() Kind { return m.kind }

// Registry returns the registry of loaded plugins.
func (m *Manager[C]) Registry() *Registry[C] { return m.registry }

// IsLoaded reports whether id is currently started.
func (m *Manager[C]) IsLoaded(id string) bool { return m.registry.Has(id) }

// Loaded returns the registry record of id.
func (m *Manager[C]) Loaded(id string) (Loaded[C], bool) { return m.registry.Get(id) }

// Snapshot returns every loaded plugin in load order.
func (m *Manager[C]) Snapshot() []Loaded[C] { return m.registry.Snapshot() }

// Definitions returns the plugins that take part in this context, in
// catalog order.
func (m *Manager[C]) Definitions(ctx context.Context) (*Catalog, error) {
	cat, err := m.provider(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s plugins: %w", m.kind, err)
	}
	return cat.For(m.kind), nil
}

// BatchResult reports a LoadAll pass.
type BatchResult struct {
	// Order is the topological order operations were initiated in.
	Order []string
	// Errors holds the failure of every plugin that did not settle cleanly.
	Errors map[string]error
}

// Err joins the per-plugin errors in initiation order.
func (r BatchResult) Err() error {
	var errs []error
	for _, id := range r.Order {
		if err := r.Errors[id]; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadAll brings every plugin of the context to the state its effective
// config asks for: enabled plugins are started, disabled loaded plugins are
// stopped. Operations are initiated in dependency order and run
// concurrently. LoadAll returns once all of them have settled; a failing
// plugin is recorded in the result and does not affect the others.
func (m *Manager[C]) LoadAll(ctx context.Context) (BatchResult, error) {
	cat, err := m.Definitions(ctx)
	if err != nil {
		return BatchResult{}, err
	}

	order, edges := SortEdges(cat, m.sink)
	res := BatchResult{Order: order, Errors: make(map[string]error)}

	settled := make(map[string]chan struct{}, len(order))
	for _, id := range order {
		settled[id] = make(chan struct{})
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
		// prev is closed once the previous plugin's hook has been issued.
		prev <-chan struct{}
	)
	for _, id := range order {
		def, _ := cat.Get(id)
		m.sink.emit(Diagnostic{
			Plugin:  id,
			Kind:    DiagRequested,
			Level:   slog.LevelDebug,
			Message: fmt.Sprintf("plugin %s requested", id),
		})

		initiated := make(chan struct{})
		issued := sync.OnceFunc(func() { close(initiated) })
		after := prev
		prev = initiated

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(settled[id])
			defer issued()

			if after != nil {
				select {
				case <-after:
				case <-ctx.Done():
				}
			}
			if m.barrier {
				for _, dep := range edges[id] {
					select {
					case <-settled[dep]:
					case <-ctx.Done():
					}
				}
			}

			if err := m.apply(ctx, def, issued); err != nil {
				mu.Lock()
				res.Errors[id] = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return res, nil
}

// apply brings def in line with its config. issued is called right before a
// hook runs, or when it turns out there is nothing to run.
func (m *Manager[C]) apply(ctx context.Context, def Definition, issued func()) error {
	cfg, err := m.factory.Config(ctx, def)
	if err != nil {
		m.sink.emit(Diagnostic{
			Plugin:  def.ID,
			Kind:    DiagLoadFailed,
			Level:   slog.LevelError,
			Message: fmt.Sprintf("plugin %s: reading config failed", def.ID),
			Err:     err,
		})
		return err
	}
	if cfg.Enabled() {
		return m.load(ctx, def, issued)
	}
	return m.unload(ctx, def.ID, issued)
}

// Load starts id regardless of its enabled flag. Unknown plugins and
// plugins without a lifecycle for this context are ignored. Loading a
// loaded plugin does nothing. A soft failure is returned as an *Error
// wrapping ErrDeclined.
func (m *Manager[C]) Load(ctx context.Context, id string) error {
	cat, err := m.Definitions(ctx)
	if err != nil {
		return err
	}
	def, ok := cat.Get(id)
	if !ok {
		return nil
	}
	return m.load(ctx, def, func() {})
}

func (m *Manager[C]) load(ctx context.Context, def Definition, issued func()) error {
	defer issued()
	unlock, err := m.locks.lock(ctx, def.ID)
	if err != nil {
		return err
	}
	defer unlock()

	if m.registry.Has(def.ID) {
		return nil
	}
	lc := m.lifecycle(def)
	if lc.Kind() == pkgplugin.LifecycleNone {
		return nil
	}

	pc := m.factory.Context(def)
	issued()
	start := time.Now()
	out, err := m.ctrl.Start(ctx, def, lc, pc)
	m.metrics.observe(m.kind, OpStart, out, err, time.Since(start))
	return m.settle(def.ID, OpStart, out, err)
}

// Unload stops id if it is loaded. A failed stop leaves it loaded.
func (m *Manager[C]) Unload(ctx context.Context, id string) error {
	return m.unload(ctx, id, func() {})
}

func (m *Manager[C]) unload(ctx context.Context, id string, issued func()) error {
	defer issued()
	unlock, err := m.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	loaded, ok := m.registry.Get(id)
	if !ok {
		return nil
	}

	pc := m.factory.Context(loaded.Definition)
	issued()
	start := time.Now()
	out, err := m.ctrl.Stop(ctx, id, pc)
	m.metrics.observe(m.kind, OpStop, out, err, time.Since(start))
	return m.settle(id, OpStop, out, err)
}

// UnloadAll stops every loaded plugin one at a time, most recently loaded
// first, and returns the joined failures.
func (m *Manager[C]) UnloadAll(ctx context.Context) error {
	snapshot := m.registry.Snapshot()
	slices.Reverse(snapshot)

	var errs []error
	for _, l := range snapshot {
		if err := m.Unload(ctx, l.Definition.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reload stops and starts id again.
func (m *Manager[C]) Reload(ctx context.Context, id string) error {
	if err := m.Unload(ctx, id); err != nil {
		return err
	}
	return m.Load(ctx, id)
}

// NotifyConfigChange hands the current effective config of id to its
// OnConfigChange hook. Plugins that are not loaded are skipped.
func (m *Manager[C]) NotifyConfigChange(ctx context.Context, id string) error {
	unlock, err := m.locks.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	loaded, ok := m.registry.Get(id)
	if !ok {
		return nil
	}
	cfg, err := m.factory.Config(ctx, loaded.Definition)
	if err != nil {
		return fmt.Errorf("plugin %q: read config: %w", id, err)
	}

	start := time.Now()
	out, err := m.ctrl.ConfigChange(ctx, id, m.factory.Context(loaded.Definition), cfg)
	m.metrics.observe(m.kind, OpConfigChange, out, err, time.Since(start))
	return m.settle(id, OpConfigChange, out, err)
}

func (m *Manager[C]) settle(id string, op Op, out Outcome, err error) error {
	defer m.metrics.setLoaded(m.kind, m.registry.Len())

	if err == nil && out == OutcomeFailed {
		err = &Error{Plugin: id, Context: m.kind, Op: op, Err: ErrDeclined}
	}
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrDeclined) {
			level = slog.LevelWarn
		}
		m.sink.emit(Diagnostic{
			Plugin:  id,
			Op:      op,
			Kind:    failedKind(op),
			Level:   level,
			Message: fmt.Sprintf("plugin %s: %s failed", id, op),
			Err:     err,
		})
		return err
	}

	switch op {
	case OpStart:
		if m.registry.Has(id) {
			m.sink.emit(Diagnostic{Plugin: id, Op: op, Kind: DiagLoaded, Level: slog.LevelInfo,
				Message: fmt.Sprintf("plugin %s loaded", id)})
		}
	case OpStop:
		m.sink.emit(Diagnostic{Plugin: id, Op: op, Kind: DiagUnloaded, Level: slog.LevelInfo,
			Message: fmt.Sprintf("plugin %s unloaded", id)})
	case OpConfigChange:
		if out == OutcomeSucceeded {
			m.sink.emit(Diagnostic{Plugin: id, Op: op, Kind: DiagConfigChanged, Level: slog.LevelDebug,
				Message: fmt.Sprintf("plugin %s config changed", id)})
		}
	}
	return nil
}

func failedKind(op Op) DiagKind {
	switch op {
	case OpStop:
		return DiagUnloadFailed
	case OpConfigChange:
		return DiagConfigFailed
	default:
		return DiagLoadFailed
	}
}
