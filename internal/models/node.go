// Package models defines the domain types shared across the data layer.
package models

import "maps"

// Internal is the metadata block every content node carries.
type Internal struct {
	Type          string `json:"type"`
	Owner         string `json:"owner"`
	ContentDigest string `json:"contentDigest"`
	Description   string `json:"description,omitempty"`
}

// Node is a unit of sourced content in the graph.
type Node struct {
	ID       string         `json:"id"`
	Parent   string         `json:"parent,omitempty"`
	Children []string       `json:"children,omitempty"`
	Internal Internal       `json:"internal"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Clone returns a copy that can be mutated without affecting n.
// Fields values are copied shallowly.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Children != nil {
		c.Children = append([]string(nil), n.Children...)
	}
	if n.Fields != nil {
		c.Fields = maps.Clone(n.Fields)
	}
	return &c
}

// Map returns the node flattened into the shape query executors see:
// plugin fields at the top level next to id, parent, children and internal.
func (n *Node) Map() map[string]any {
	out := make(map[string]any, len(n.Fields)+4)
	for k, v := range n.Fields {
		out[k] = v
	}
	out["id"] = n.ID
	if n.Parent != "" {
		out["parent"] = n.Parent
	} else {
		out["parent"] = nil
	}
	children := make([]any, len(n.Children))
	for i, c := range n.Children {
		children[i] = c
	}
	out["children"] = children
	out["internal"] = map[string]any{
		"type":          n.Internal.Type,
		"owner":         n.Internal.Owner,
		"contentDigest": n.Internal.ContentDigest,
	}
	return out
}
