package plugin

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// Manifest represents a plugin.yaml file describing a script plugin.
// The host and ui fields name script files relative to the manifest directory.
type Manifest struct {
	ID           string         `yaml:"id"                     json:"id"`
	Name         string         `yaml:"name"                   json:"name"`
	Version      string         `yaml:"version,omitempty"      json:"version,omitempty"`
	Description  string         `yaml:"description,omitempty"  json:"description,omitempty"`
	Author       string         `yaml:"author,omitempty"       json:"author,omitempty"`
	Dependencies []string       `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Config       map[string]any `yaml:"config,omitempty"       json:"config,omitempty"`
	Host         string         `yaml:"host,omitempty"         json:"host,omitempty"`
	UI           string         `yaml:"ui,omitempty"           json:"ui,omitempty"`
}

var manifestID = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Validate checks the fields the loader relies on.
func (m Manifest) Validate() error {
	if !manifestID.MatchString(m.ID) {
		return fmt.Errorf("manifest id %q: must be lowercase letters, digits and dashes", m.ID)
	}
	if m.Host == "" && m.UI == "" {
		return fmt.Errorf("manifest %s: needs a host or ui script", m.ID)
	}
	if v, ok := m.Config["enabled"]; ok {
		if _, isBool := v.(bool); !isBool {
			return fmt.Errorf("manifest %s: config.enabled must be a boolean", m.ID)
		}
	}
	for _, script := range []string{m.Host, m.UI} {
		if script != "" && !filepath.IsLocal(script) {
			return fmt.Errorf("manifest %s: script %q must stay inside the plugin directory", m.ID, script)
		}
	}
	for _, dep := range m.Dependencies {
		if dep == m.ID {
			return fmt.Errorf("manifest %s: depends on itself", m.ID)
		}
	}
	return nil
}
