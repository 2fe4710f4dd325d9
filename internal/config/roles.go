package config

import (
	"fmt"
	"os"
	"sync"

	"sessiond/internal/session"

	"gopkg.in/yaml.v3"
)

// rolesFile is the YAML layout of a role preset file:
//
//	roles:
//	  - name: security
//	    description: Watch for injection bugs
//	    authority: supervisor
//	    auto_inject: true
type rolesFile struct {
	Roles []session.Role `yaml:"roles"`
}

// LoadRoles reads and validates watcher role presets from a YAML file.
func LoadRoles(path string) ([]session.Role, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles: %w", err)
	}
	var f rolesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse roles %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Roles))
	for i := range f.Roles {
		if err := f.Roles[i].Validate(); err != nil {
			return nil, fmt.Errorf("role %d in %s: %w", i, path, err)
		}
		if seen[f.Roles[i].Name] {
			return nil, fmt.Errorf("role %q defined twice in %s", f.Roles[i].Name, path)
		}
		seen[f.Roles[i].Name] = true
	}
	return f.Roles, nil
}

// RoleCatalog holds role presets by name. It is safe for concurrent use
// and can be swapped wholesale on reload.
type RoleCatalog struct {
	mu    sync.RWMutex
	roles map[string]session.Role
}

func NewRoleCatalog(roles []session.Role) *RoleCatalog {
	c := &RoleCatalog{}
	c.Replace(roles)
	return c
}

func (c *RoleCatalog) Replace(roles []session.Role) {
	m := make(map[string]session.Role, len(roles))
	for _, r := range roles {
		m[r.Name] = r
	}
	c.mu.Lock()
	c.roles = m
	c.mu.Unlock()
}

// Lookup returns a copy of the named preset.
func (c *RoleCatalog) Lookup(name string) (session.Role, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.roles[name]
	return r, ok
}
