// Package query runs page and static query jobs: it executes the query,
// hashes the serialized result and persists it only when it changed or its
// artifact went missing.
package query

import (
	"context"
	"maps"
)

// Job is one unit of query work.
type Job struct {
	// ID is the page path for page jobs and the static query id otherwise.
	ID string
	// Hash is the caller-supplied hash of the query text. Static query
	// artifacts are named by it.
	Hash          string
	Query         string
	ComponentPath string
	Context       map[string]any
	IsPage        bool
	// PluginCreatorID names the plugin that created the page, if any.
	PluginCreatorID string
}

// Result is what gets serialized, hashed and persisted.
type Result struct {
	Data        any            `json:"data,omitempty"`
	PageContext map[string]any `json:"pageContext,omitempty"`
}

// Location is a 1-based position in the query text.
type Location struct {
	Line   int
	Column int
}

// Error is one error reported by an executor.
type Error struct {
	Message   string
	Locations []Location
}

// ExecOptions identify the job to the executor.
type ExecOptions struct {
	QueryName     string
	ComponentPath string
}

// Response is the executor output.
type Response struct {
	Data        any
	Errors      []Error
	PageContext map[string]any
}

// Executor evaluates query text against the content graph.
type Executor interface {
	Execute(ctx context.Context, query string, vars map[string]any, opts ExecOptions) (Response, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, query string, vars map[string]any, opts ExecOptions) (Response, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, query string, vars map[string]any, opts ExecOptions) (Response, error) {
	return f(ctx, query, vars, opts)
}

// internalContextKeys never reach the serialized page context.
var internalContextKeys = []string{
	"path",
	"internalComponentName",
	"component",
	"componentChunkName",
	"updatedAt",
	"pluginCreator___NODE",
	"pluginCreatorId",
	"componentPath",
	"context",
	"isCreatedByStatefulCreatePages",
}

// stripPageContext returns a copy of pc without internal bookkeeping keys.
// From schema major version 4 matchPath and mode are stripped too.
func stripPageContext(pc map[string]any, schemaMajor int) map[string]any {
	if pc == nil {
		return nil
	}
	out := maps.Clone(pc)
	for _, k := range internalContextKeys {
		delete(out, k)
	}
	if schemaMajor >= 4 {
		delete(out, "matchPath")
		delete(out, "mode")
	}
	return out
}
