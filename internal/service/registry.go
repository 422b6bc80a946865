package service

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tech4242/aquaman/internal/log"
	"github.com/tech4242/aquaman/internal/name"
)

// Registry resolves service names to definitions. It merges compiled-in
// builtins with user entries loaded from a YAML file; builtins always win.
// Reads are concurrent; Reload swaps the map under a write lock, so
// handlers holding an old definition complete against it.
type Registry struct {
	userPath string

	mu      sync.RWMutex
	entries map[string]*Definition
}

// userFile is the on-disk shape of the user services file.
type userFile struct {
	Services []Definition `yaml:"services"`
}

// NewRegistry creates a registry populated with builtins plus the entries
// of the user file at userPath (if any). A malformed user file degrades to
// builtins only; it never prevents startup.
func NewRegistry(userPath string) *Registry {
	r := &Registry{userPath: userPath}
	r.Reload()
	return r
}

// Reload re-reads the user file and rebuilds the merged map. Builtins are
// inserted first; user entries that validate and do not collide with a
// builtin are added on top.
func (r *Registry) Reload() {
	entries := make(map[string]*Definition, len(builtins))
	for i := range builtins {
		def := builtins[i]
		entries[def.Name] = &def
	}

	for _, def := range r.loadUserEntries() {
		def := def
		if existing, ok := entries[def.Name]; ok {
			if existing.Builtin() {
				log.Warn("ignoring user service that overrides a builtin",
					"service", def.Name,
					"upstream", def.Upstream)
			} else {
				log.Warn("duplicate service in user file", "service", def.Name)
			}
			continue
		}
		entries[def.Name] = &def
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
}

// loadUserEntries reads and validates the user file. Invalid entries are
// skipped with a warning; a missing file is silent.
func (r *Registry) loadUserEntries() []Definition {
	if r.userPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.userPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		log.Warn("cannot read user services file", "path", r.userPath, "error", err)
		return nil
	}

	var file userFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		log.Warn("malformed user services file, using builtins only",
			"path", r.userPath,
			"error", err)
		return nil
	}

	valid := make([]Definition, 0, len(file.Services))
	for i := range file.Services {
		def := file.Services[i]
		def.builtin = false
		if err := def.Validate(); err != nil {
			log.Warn("skipping invalid service entry", "error", err)
			continue
		}
		valid = append(valid, def)
	}
	return valid
}

// Get returns the definition for a service name.
func (r *Registry) Get(svc string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.entries[svc]
	return def, ok
}

// Has reports whether a service is registered.
func (r *Registry) Has(svc string) bool {
	_, ok := r.Get(svc)
	return ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*Definition, 0, len(r.entries))
	for _, def := range r.entries {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns all registered service names sorted.
func (r *Registry) Names() []string {
	defs := r.List()
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}

// Register adds a definition at runtime. Builtin names are protected:
// registering over one fails and the builtin is preserved.
func (r *Registry) Register(def Definition) error {
	if err := name.ValidateService(def.Name); err != nil {
		return err
	}
	if err := def.Validate(); err != nil {
		return err
	}
	def.builtin = false

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[def.Name]; ok && existing.Builtin() {
		return fmt.Errorf("service %s is a protected builtin", def.Name)
	}
	r.entries[def.Name] = &def
	return nil
}

// BuildHostMap produces the hostname-pattern to service-name map served on
// /_hostmap for external interceptors. Patterns are either literal
// hostnames or "*.domain" wildcards.
func (r *Registry) BuildHostMap() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hostMap := make(map[string]string)
	for _, def := range r.entries {
		for _, pattern := range def.HostPatterns {
			pattern = strings.ToLower(pattern)
			if existing, ok := hostMap[pattern]; ok && existing != def.Name {
				log.Warn("host pattern claimed by two services",
					"pattern", pattern,
					"kept", existing,
					"ignored", def.Name)
				continue
			}
			hostMap[pattern] = def.Name
		}
	}
	return hostMap
}
