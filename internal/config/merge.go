package config

import (
	"github.com/goatkit/peard/pkg/plugin"
)

// Merge deep-merges overlays onto base and returns a new map; the inputs are
// not modified. Nested maps merge key by key. Any other value from a later
// overlay, slices included, replaces the earlier one.
func Merge(base map[string]any, overlays ...map[string]any) map[string]any {
	out := cloneMap(base)
	for _, o := range overlays {
		mergeInto(out, o)
	}
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		sm, ok := asMap(v)
		if !ok {
			dst[k] = cloneValue(v)
			continue
		}
		if dm, ok := asMap(dst[k]); ok {
			merged := cloneMap(dm)
			mergeInto(merged, sm)
			dst[k] = merged
			continue
		}
		dst[k] = cloneMap(sm)
	}
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case plugin.Config:
		return m, true
	}
	return nil, false
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	if m, ok := asMap(v); ok {
		return cloneMap(m)
	}
	if s, ok := v.([]any); ok {
		c := make([]any, len(s))
		for i := range s {
			c[i] = cloneValue(s[i])
		}
		return c
	}
	return v
}
