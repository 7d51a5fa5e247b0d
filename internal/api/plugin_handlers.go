// Package api serves the plugin admin endpoints of a running peard.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/goatkit/peard/internal/ipc"
	"github.com/goatkit/peard/internal/plugin"
)

// Manager is the per-context loader the handlers drive. *plugin.HostManager
// and *plugin.UIManager satisfy it.
type Manager interface {
	Kind() plugin.Kind
	IsLoaded(id string) bool
	Load(ctx context.Context, id string) error
	Unload(ctx context.Context, id string) error
	Reload(ctx context.Context, id string) error
}

// Store is the part of the configuration store the handlers use.
type Store interface {
	GetMap(key string) map[string]any
	Set(key string, value any) error
}

// PluginHandler serves /plugins.
type PluginHandler struct {
	provider plugin.Provider
	store    Store
	managers []Manager
	logs     *plugin.LogBuffer
	events   *plugin.EventBroker
}

// NewPluginHandler creates the handler. logs and events may be nil, in which
// case their routes are not registered.
func NewPluginHandler(provider plugin.Provider, store Store, logs *plugin.LogBuffer, events *plugin.EventBroker, managers ...Manager) *PluginHandler {
	return &PluginHandler{
		provider: provider,
		store:    store,
		managers: managers,
		logs:     logs,
		events:   events,
	}
}

// Register installs the plugin routes under r.
func (h *PluginHandler) Register(r *gin.RouterGroup) {
	plugins := r.Group("/plugins", sameOrigin)
	{
		plugins.GET("", h.HandleList)
		plugins.POST("/:id/enable", h.HandleEnable)
		plugins.POST("/:id/disable", h.HandleDisable)
		plugins.POST("/:id/reload", h.HandleReload)
	}
	if h.logs != nil {
		plugins.GET("/logs", h.HandleLogs)
		plugins.DELETE("/logs", h.HandleClearLogs)
	}
	if h.events != nil {
		plugins.GET("/events", gin.WrapH(h.events))
	}
}

// sameOrigin refuses state-changing requests made by pages of another origin.
func sameOrigin(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		if !ipc.SameOrigin(c.Request) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "cross-origin request refused"})
			return
		}
	}
	c.Next()
}

type contextState struct {
	Supported bool `json:"supported"`
	Loaded    bool `json:"loaded"`
}

type pluginInfo struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	Enabled      bool                    `json:"enabled"`
	Dependencies []string                `json:"dependencies,omitempty"`
	Contexts     map[string]contextState `json:"contexts"`
	Config       map[string]any          `json:"config"`
}

func (h *PluginHandler) info(def plugin.Definition) pluginInfo {
	cfg := plugin.Effective(def.Config, h.store.GetMap(plugin.ConfigKey(def.ID)))
	info := pluginInfo{
		ID:           def.ID,
		Name:         def.DisplayName(),
		Enabled:      cfg.Enabled(),
		Dependencies: def.Dependencies,
		Contexts:     make(map[string]contextState, len(h.managers)),
		Config:       cfg,
	}
	for _, m := range h.managers {
		info.Contexts[string(m.Kind())] = contextState{
			Supported: def.Supports(m.Kind()),
			Loaded:    m.IsLoaded(def.ID),
		}
	}
	return info
}

// HandleList returns every known plugin with its state in each context.
// GET /plugins
func (h *PluginHandler) HandleList(c *gin.Context) {
	cat, err := h.provider(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	plugins := make([]pluginInfo, 0, cat.Len())
	for _, def := range cat.All() {
		plugins = append(plugins, h.info(def))
	}
	c.JSON(http.StatusOK, gin.H{"plugins": plugins})
}

// lookup resolves the :id parameter, answering 404 itself when it is unknown.
func (h *PluginHandler) lookup(c *gin.Context) (plugin.Definition, bool) {
	cat, err := h.provider(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return plugin.Definition{}, false
	}
	id := c.Param("id")
	def, ok := cat.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("plugin %q not found", id)})
		return plugin.Definition{}, false
	}
	return def, true
}

// HandleEnable persists enabled=true and starts the plugin in every context
// it supports.
// POST /plugins/:id/enable
func (h *PluginHandler) HandleEnable(c *gin.Context) {
	h.setEnabled(c, true)
}

// HandleDisable persists enabled=false and stops the plugin wherever it is
// loaded.
// POST /plugins/:id/disable
func (h *PluginHandler) HandleDisable(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *PluginHandler) setEnabled(c *gin.Context, enabled bool) {
	def, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := h.store.Set(plugin.ConfigKey(def.ID)+".enabled", enabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var errs []error
	for _, m := range h.managers {
		if !def.Supports(m.Kind()) {
			continue
		}
		var err error
		if enabled {
			err = m.Load(ctx, def.ID)
		} else {
			err = m.Unload(ctx, def.ID)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, plugin.ErrDeclined) {
			code = http.StatusConflict
		}
		c.JSON(code, gin.H{"error": err.Error(), "plugin": h.info(def)})
		return
	}

	status := "disabled"
	if enabled {
		status = "enabled"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "plugin": h.info(def)})
}

// HandleReload restarts the plugin wherever it is loaded.
// POST /plugins/:id/reload
func (h *PluginHandler) HandleReload(c *gin.Context) {
	def, ok := h.lookup(c)
	if !ok {
		return
	}

	var errs []error
	for _, m := range h.managers {
		if !m.IsLoaded(def.ID) {
			continue
		}
		if err := m.Reload(c.Request.Context(), def.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "plugin": h.info(def)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "plugin": h.info(def)})
}

// HandleLogs returns lifecycle log entries, newest first.
// GET /plugins/logs?plugin=id&level=warn&limit=100
func (h *PluginHandler) HandleLogs(c *gin.Context) {
	limit := 100
	if n, err := strconv.Atoi(c.DefaultQuery("limit", "100")); err == nil && n > 0 {
		limit = n
	}

	var entries []plugin.LogEntry
	if id := c.Query("plugin"); id != "" {
		entries = h.logs.GetByPlugin(id)
	} else {
		entries = h.logs.GetRecent(limit)
	}

	if s := c.Query("level"); s != "" {
		var floor slog.Level
		if err := floor.UnmarshalText([]byte(s)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid level %q", s)})
			return
		}
		filtered := make([]plugin.LogEntry, 0, len(entries))
		for _, e := range entries {
			if e.Level >= floor {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if len(entries) > limit {
		entries = entries[:limit]
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":  entries,
		"count": len(entries),
		"total": h.logs.Count(),
	})
}

// HandleClearLogs empties the log buffer.
// DELETE /plugins/logs
func (h *PluginHandler) HandleClearLogs(c *gin.Context) {
	h.logs.Clear()
	c.JSON(http.StatusOK, gin.H{"message": "plugin logs cleared"})
}
