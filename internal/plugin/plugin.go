// Package plugin defines the capability interfaces sourcing plugins implement,
// the registry they are resolved into at startup and the runner that invokes them.
package plugin

import (
	"context"
	"fmt"
	"slices"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/models"
)

// Node API names.
const (
	APISourceNodes  = "sourceNodes"
	APIOnCreateNode = "onCreateNode"
)

// Descriptor is the immutable identity of a resolved plugin.
type Descriptor struct {
	Name     string   `json:"name"`
	NodeAPIs []string `json:"nodeAPIs"`
	Resolve  string   `json:"resolve"`
}

// Implements reports whether the plugin declared api.
func (d Descriptor) Implements(api string) bool {
	return slices.Contains(d.NodeAPIs, api)
}

// Plugin is anything that can be registered.
type Plugin interface {
	Name() string
}

// Sourcer produces nodes during a sourcing pass.
type Sourcer interface {
	Plugin
	SourceNodes(ctx context.Context, api *API) error
}

// NodeTransformer derives nodes from nodes created by any plugin.
type NodeTransformer interface {
	Plugin
	OnCreateNode(ctx context.Context, node *models.Node, api *API) error
}

type entry struct {
	desc   Descriptor
	plugin Plugin
}

// Registry holds plugins in registration order.
type Registry struct {
	entries []entry
	byName  map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register adds p. resolve records where the plugin came from.
func (r *Registry) Register(p Plugin, resolve string) error {
	name := p.Name()
	if name == "" {
		return fmt.Errorf("plugin: register: empty name")
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("plugin: register %s: %w", name, apperr.ErrAlreadyExists)
	}
	desc := Descriptor{Name: name, Resolve: resolve}
	if _, ok := p.(Sourcer); ok {
		desc.NodeAPIs = append(desc.NodeAPIs, APISourceNodes)
	}
	if _, ok := p.(NodeTransformer); ok {
		desc.NodeAPIs = append(desc.NodeAPIs, APIOnCreateNode)
	}
	r.byName[name] = len(r.entries)
	r.entries = append(r.entries, entry{desc: desc, plugin: p})
	return nil
}

// Descriptors returns the descriptors of every registered plugin.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.desc
		out[i].NodeAPIs = slices.Clone(e.desc.NodeAPIs)
	}
	return out
}

// Lookup returns the plugin registered under name.
func (r *Registry) Lookup(name string) (Plugin, Descriptor, bool) {
	i, ok := r.byName[name]
	if !ok {
		return nil, Descriptor{}, false
	}
	return r.entries[i].plugin, r.entries[i].desc, true
}

func (r *Registry) sourcers(only string) []entry {
	var out []entry
	for _, e := range r.entries {
		if only != "" && e.desc.Name != only {
			continue
		}
		if _, ok := e.plugin.(Sourcer); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) transformers() []entry {
	var out []entry
	for _, e := range r.entries {
		if _, ok := e.plugin.(NodeTransformer); ok {
			out = append(out, e)
		}
	}
	return out
}
