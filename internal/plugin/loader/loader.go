// Package loader keeps running plugins in step with files on disk: the
// configuration document and, optionally, the script plugin directory.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/goatkit/peard/internal/plugin"
)

// Target is the loader of one context. *plugin.HostManager and
// *plugin.UIManager satisfy it.
type Target interface {
	Kind() plugin.Kind
	IsLoaded(id string) bool
	LoadAll(ctx context.Context) (plugin.BatchResult, error)
	Unload(ctx context.Context, id string) error
	NotifyConfigChange(ctx context.Context, id string) error
}

// Store is the configuration document that is re-read on change.
type Store interface {
	Path() string
	Reload() ([]string, error)
}

// Loader watches files and drives its targets when they change.
type Loader struct {
	store     Store
	targets   []Target
	logger    *slog.Logger
	scriptDir string
	delay     time.Duration

	// Hot reload
	watcher     *fsnotify.Watcher
	watchCtx    context.Context
	watchCancel context.CancelFunc
	watchMu     sync.Mutex
	debounce    map[string]*time.Timer
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithScriptDir also watches dir, the root of the script plugins. Each
// subdirectory is one plugin named after it.
func WithScriptDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.scriptDir = filepath.Clean(dir)
	}
}

// WithDebounce sets how long a file must be quiet before it is processed.
func WithDebounce(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.delay = d
	}
}

// NewLoader creates a loader for store driving targets.
func NewLoader(store Store, targets []Target, logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		store:    store,
		targets:  targets,
		logger:   logger,
		delay:    500 * time.Millisecond,
		debounce: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ApplyConfig re-reads the configuration and brings every target in line:
// newly enabled plugins start, disabled ones stop, and plugins that stayed
// loaded with a changed entry get their OnConfigChange hook.
func (l *Loader) ApplyConfig(ctx context.Context) error {
	changed, err := l.store.Reload()
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	if len(changed) > 0 {
		l.logger.Info("plugin config changed", "plugins", changed)
	}

	var errs []error
	for _, t := range l.targets {
		before := make(map[string]bool, len(changed))
		for _, id := range changed {
			before[id] = t.IsLoaded(id)
		}

		if _, err := t.LoadAll(ctx); err != nil {
			errs = append(errs, err)
			continue
		}

		for _, id := range changed {
			if !before[id] || !t.IsLoaded(id) {
				continue
			}
			if err := t.NotifyConfigChange(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ReloadScript restarts the script plugin id in every target where it is
// loaded, then runs a load pass so new or changed plugins come up.
func (l *Loader) ReloadScript(ctx context.Context, id string) error {
	var errs []error
	for _, t := range l.targets {
		if err := t.Unload(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := t.LoadAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Watch starts watching the configuration file and the script directory.
func (l *Loader) Watch(ctx context.Context) error {
	if l.store.Path() == "" && l.scriptDir == "" {
		return errors.New("nothing to watch: config store is in memory and no script dir is set")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Editors replace files by rename, so watch the directory rather than
	// the file itself.
	if p := l.store.Path(); p != "" {
		if err := watcher.Add(filepath.Dir(p)); err != nil {
			watcher.Close()
			return fmt.Errorf("watch config dir: %w", err)
		}
	}
	if l.scriptDir != "" {
		if err := watcher.Add(l.scriptDir); err != nil {
			watcher.Close()
			return fmt.Errorf("watch script dir: %w", err)
		}
		filepath.WalkDir(l.scriptDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() || path == l.scriptDir {
				return nil
			}
			watcher.Add(path)
			return nil
		})
	}

	l.watchMu.Lock()
	l.watcher = watcher
	l.watchCtx, l.watchCancel = context.WithCancel(ctx)
	l.watchMu.Unlock()

	l.logger.Info("hot reload enabled", "config", l.store.Path(), "scripts", l.scriptDir)

	go l.watchLoop(watcher)
	return nil
}

// StopWatch stops the file watcher. It is safe to call more than once.
func (l *Loader) StopWatch() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	if l.watchCancel != nil {
		l.watchCancel()
	}
	if l.watcher != nil {
		l.watcher.Close()
		l.watcher = nil
	}
	for key, timer := range l.debounce {
		timer.Stop()
		delete(l.debounce, key)
	}
}

func (l *Loader) watchLoop(w *fsnotify.Watcher) {
	l.watchMu.Lock()
	ctx := l.watchCtx
	l.watchMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			l.handleFSEvent(ctx, w, event)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// handleFSEvent maps an event to a debounce key and schedules its work.
func (l *Loader) handleFSEvent(ctx context.Context, w *fsnotify.Watcher, event fsnotify.Event) {
	name := filepath.Clean(event.Name)

	if p := l.store.Path(); p != "" && name == filepath.Clean(p) {
		l.schedule("config", func() {
			if err := l.ApplyConfig(ctx); err != nil {
				l.logger.Error("apply config change", "error", err)
			}
		})
		return
	}

	id, ok := l.scriptID(name)
	if !ok {
		return
	}
	if event.Has(fsnotify.Create) && filepath.Dir(name) == l.scriptDir {
		// A new plugin directory; watch its files too.
		w.Add(name)
	}
	l.schedule("script:"+id, func() {
		l.logger.Info("script plugin changed, reloading", "plugin", id)
		if err := l.ReloadScript(ctx, id); err != nil {
			l.logger.Error("reload script plugin", "plugin", id, "error", err)
		}
	})
}

// scriptID returns the plugin a path under the script directory belongs to.
func (l *Loader) scriptID(path string) (string, bool) {
	if l.scriptDir == "" {
		return "", false
	}
	rel, err := filepath.Rel(l.scriptDir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	id := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if strings.HasPrefix(id, ".") {
		return "", false
	}
	return id, true
}

func (l *Loader) schedule(key string, fn func()) {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()

	if timer, exists := l.debounce[key]; exists {
		timer.Stop()
	}
	l.debounce[key] = time.AfterFunc(l.delay, func() {
		l.watchMu.Lock()
		delete(l.debounce, key)
		l.watchMu.Unlock()
		fn()
	})
}
