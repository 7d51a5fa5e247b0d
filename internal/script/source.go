// Package script loads JavaScript plugins from disk.
//
// Each plugin is a directory holding a plugin.yaml manifest and up to two
// scripts, one per context. A script sets module.exports to a start function
// or to an object with start, stop and onConfigChange hooks:
//
//	module.exports = {
//	  start(ctx) { ctx.ipc.handle("lyrics:get", (title) => lookup(title)) },
//	  stop(ctx) { ctx.ipc.removeHandler("lyrics:get") },
//	};
//
// Returning false from a hook declines it. Every script runs in its own VM.
package script

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"gopkg.in/yaml.v3"

	"github.com/goatkit/peard/internal/plugin"
	"github.com/goatkit/peard/internal/plugin/signing"
	pkgplugin "github.com/goatkit/peard/pkg/plugin"
)

// ManifestFile is the manifest name inside a plugin directory.
const ManifestFile = "plugin.yaml"

// Source discovers script plugins under a directory.
type Source struct {
	dir     string
	logger  *slog.Logger
	trusted []ed25519.PublicKey

	mu    sync.Mutex
	cache map[string]cached
}

// cached keeps a compiled plugin until one of its files changes, so hooks of
// a loaded plugin keep talking to the VM that started it.
type cached struct {
	stamp string
	def   plugin.Definition
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithTrustedKeys only accepts plugins signed by one of keys. Without it
// signatures are not checked.
func WithTrustedKeys(keys ...ed25519.PublicKey) SourceOption {
	return func(s *Source) {
		s.trusted = append(s.trusted, keys...)
	}
}

// NewSource creates a source rooted at dir.
func NewSource(dir string, logger *slog.Logger, opts ...SourceOption) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{
		dir:    dir,
		logger: logger.With("component", "script"),
		cache:  make(map[string]cached),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the plugin root directory.
func (s *Source) Dir() string { return s.dir }

// Provider returns s as a plugin provider.
func (s *Source) Provider() plugin.Provider { return s.Catalog }

// Catalog scans the plugin directory. A missing directory yields an empty
// catalog. Plugins that fail to load are logged and left out.
func (s *Source) Catalog(ctx context.Context) (*plugin.Catalog, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return plugin.NewCatalog()
		}
		return nil, fmt.Errorf("read plugin dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(entries))
	var defs []plugin.Definition
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		id := e.Name()
		seen[id] = true

		def, err := s.definition(ctx, id)
		if err != nil {
			s.logger.Warn("skipping script plugin", "plugin", id, "error", err)
			delete(s.cache, id)
			continue
		}
		defs = append(defs, def)
	}
	for id := range s.cache {
		if !seen[id] {
			delete(s.cache, id)
		}
	}
	return plugin.NewCatalog(defs...)
}

// definition returns the cached definition of id or builds a new one.
func (s *Source) definition(ctx context.Context, id string) (plugin.Definition, error) {
	dir := filepath.Join(s.dir, id)
	m, err := ReadManifest(dir)
	if err != nil {
		return plugin.Definition{}, err
	}
	if m.ID != id {
		return plugin.Definition{}, fmt.Errorf("manifest id %q does not match directory", m.ID)
	}

	files := Files(m)
	if len(s.trusted) > 0 {
		if _, err := os.Stat(filepath.Join(dir, signing.SignatureFile)); errors.Is(err, os.ErrNotExist) {
			return plugin.Definition{}, signing.ErrUnsigned
		}
		files = append(files, signing.SignatureFile)
	}
	stamp, err := stampOf(dir, files)
	if err != nil {
		return plugin.Definition{}, err
	}
	if c, ok := s.cache[id]; ok && c.stamp == stamp {
		return c.def, nil
	}
	if len(s.trusted) > 0 {
		if err := signing.Verify(dir, Files(m), s.trusted); err != nil {
			return plugin.Definition{}, err
		}
	}

	def := plugin.Definition{
		ID:           m.ID,
		Name:         m.Name,
		Config:       plugin.Config(m.Config).Clone(),
		Dependencies: m.Dependencies,
	}
	if m.Host != "" {
		r, exports, err := s.load(ctx, id, plugin.KindHost, filepath.Join(dir, m.Host))
		if err != nil {
			return plugin.Definition{}, err
		}
		def.Host = lifecycleOf(r, exports, r.hostObject)
	}
	if m.UI != "" {
		r, exports, err := s.load(ctx, id, plugin.KindUI, filepath.Join(dir, m.UI))
		if err != nil {
			return plugin.Definition{}, err
		}
		def.UI = lifecycleOf(r, exports, r.uiObject)
	}

	s.cache[id] = cached{stamp: stamp, def: def}
	s.logger.Info("script plugin loaded", "plugin", id, "version", m.Version)
	return def, nil
}

func (s *Source) load(ctx context.Context, id string, kind plugin.Kind, path string) (*runtime, goja.Value, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s script: %w", kind, err)
	}
	prog, err := goja.Compile(filepath.Base(path), string(src), false)
	if err != nil {
		return nil, nil, fmt.Errorf("compile %s script: %w", kind, err)
	}

	r := newRuntime(id, kind, s.logger)
	exports, err := r.run(ctx, prog)
	if err != nil {
		return nil, nil, fmt.Errorf("run %s script: %w", kind, err)
	}
	return r, exports, nil
}

// ReadManifest reads and validates dir/plugin.yaml. An empty id defaults to
// the directory name.
func ReadManifest(dir string) (pkgplugin.Manifest, error) {
	var m pkgplugin.Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse manifest: %w", err)
	}
	if m.ID == "" {
		m.ID = filepath.Base(dir)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// Files lists the files that make up a plugin, relative to its directory.
func Files(m pkgplugin.Manifest) []string {
	files := []string{ManifestFile}
	for _, name := range []string{m.Host, m.UI} {
		if name != "" {
			files = append(files, name)
		}
	}
	return files
}

// stampOf fingerprints files by size and modification time.
func stampOf(dir string, files []string) (string, error) {
	var b strings.Builder
	for _, name := range files {
		fi, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s:%d:%d;", name, fi.Size(), fi.ModTime().UnixNano())
	}
	return b.String(), nil
}
